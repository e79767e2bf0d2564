package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"vkernel/internal/artifacts"
)

// EnvConfigDir selects the config directory
const EnvConfigDir = "VKERNEL_CONFIG_DIR"

// Env keys that override settings.yaml, from kernel.env or the process environment
const (
	EnvLogLevel  = "VKERNEL_LOG_LEVEL"
	EnvSocket    = "VKERNEL_SOCKET"
	EnvRootFS    = "VKERNEL_ROOTFS"
	EnvNFSListen = "VKERNEL_NFS_LISTEN"
	EnvDaemonLog = "VKERNEL_DAEMON_LOG"
)

// getConfigDir returns the config directory path.
// Uses VKERNEL_CONFIG_DIR env var if set, otherwise defaults to ~/.vkernel.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vkernel")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SocketPath returns the default Unix socket path
func SocketPath() string {
	return filepath.Join(getConfigDir(), "kernel.sock")
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(getConfigDir(), "kernel.pid")
}

// LogPath returns the log file path.
// Uses VKERNEL_DAEMON_LOG env var if set, otherwise defaults to config_dir/kernel.log.
func LogPath() string {
	if envPath := os.Getenv(EnvDaemonLog); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "kernel.log")
}

// LockPath returns the lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), "kernel.lock")
}

// GlobalSettingsPath returns the settings file path
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnvFilePath returns the env override file path
func EnvFilePath() string {
	return filepath.Join(getConfigDir(), "kernel.env")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with default files
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settingsPath := GlobalSettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// MountSpec is one backend mounted at boot
type MountSpec struct {
	Path    string `yaml:"path"`
	Backend string `yaml:"backend"`          // memory, proc, sql, host
	Source  string `yaml:"source,omitempty"` // db path for sql, host dir for host
}

// GlobalSettings represents daemon settings
type GlobalSettings struct {
	LogLevel   string      `yaml:"log_level"`   // trace, debug, info, warn, none (default: none)
	Socket     string      `yaml:"socket"`      // empty = SocketPath()
	RootFS     string      `yaml:"rootfs"`      // host directory seeded into /
	IgnoreFile string      `yaml:"ignore_file"` // default: .kernelignore
	Excludes   []string    `yaml:"excludes"`    // force-excluded rootfs paths
	NFSListen  string      `yaml:"nfs_listen"`  // empty disables the NFS export
	Mounts     []MountSpec `yaml:"mounts"`
}

// SocketOrDefault returns the configured socket path or SocketPath()
func (s *GlobalSettings) SocketOrDefault() string {
	if s.Socket != "" {
		return s.Socket
	}
	return SocketPath()
}

// NormalizedLogLevel returns the lowercase log level; "" and "off" read as "none"
func (s *GlobalSettings) NormalizedLogLevel() string {
	level := strings.ToLower(strings.TrimSpace(s.LogLevel))
	if level == "" || level == "off" {
		return "none"
	}
	return level
}

// ApplyEnv overrides settings with VKERNEL_* keys present in env
func (s *GlobalSettings) ApplyEnv(env map[string]string) {
	if v, ok := env[EnvLogLevel]; ok {
		s.LogLevel = v
	}
	if v, ok := env[EnvSocket]; ok {
		s.Socket = v
	}
	if v, ok := env[EnvRootFS]; ok {
		s.RootFS = v
	}
	if v, ok := env[EnvNFSListen]; ok {
		s.NFSListen = v
	}
}

// loadDefaultGlobalSettings parses default settings from embedded artifact.
func loadDefaultGlobalSettings() GlobalSettings {
	var settings GlobalSettings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded global settings: " + err.Error())
	}
	return settings
}

// LoadGlobalSettings loads ~/.vkernel/settings.yaml.
// Falls back to embedded defaults if the file doesn't exist.
func LoadGlobalSettings() (*GlobalSettings, error) {
	data, err := os.ReadFile(GlobalSettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			settings := loadDefaultGlobalSettings()
			return &settings, nil
		}
		return nil, err
	}

	var settings GlobalSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	if settings.IgnoreFile == "" {
		settings.IgnoreFile = loadDefaultGlobalSettings().IgnoreFile
	}
	return &settings, nil
}

// LoadEffectiveSettings loads settings.yaml, then applies kernel.env,
// then the process environment.
func LoadEffectiveSettings() (*GlobalSettings, error) {
	settings, err := LoadGlobalSettings()
	if err != nil {
		return nil, err
	}
	env, err := readEnvFile(EnvFilePath())
	if err != nil {
		return nil, err
	}
	settings.ApplyEnv(env)
	settings.ApplyEnv(processEnv())
	return settings, nil
}

// readEnvFile reads a dotenv file; a missing file yields no overrides
func readEnvFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("(config-godotenv) %w", err)
	}
	return env, nil
}

func processEnv() map[string]string {
	env := make(map[string]string)
	for _, key := range []string{EnvLogLevel, EnvSocket, EnvRootFS, EnvNFSListen} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}

// SaveGlobalSettings saves the settings to ~/.vkernel/settings.yaml
func SaveGlobalSettings(settings *GlobalSettings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# vkernel daemon settings\n# See: vkernel daemon --help\n\n")
	return os.WriteFile(GlobalSettingsPath(), append(header, data...), 0600)
}
