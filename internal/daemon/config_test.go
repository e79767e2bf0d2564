package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the config dir at a fresh temp dir
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)
	return dir
}

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		original := os.Getenv(EnvConfigDir)
		os.Unsetenv(EnvConfigDir)
		defer os.Setenv(EnvConfigDir, original)

		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".vkernel"), "should end with .vkernel")
	})

	t.Run("override with VKERNEL_CONFIG_DIR", func(t *testing.T) {
		t.Setenv(EnvConfigDir, "/tmp/test-vkernel-config")
		assert.Equal(t, "/tmp/test-vkernel-config", ConfigDir())
	})
}

func TestPathFunctions(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		fn     func() string
		suffix string
	}{
		{"SocketPath", SocketPath, "kernel.sock"},
		{"PidPath", PidPath, "kernel.pid"},
		{"LogPath", LogPath, "kernel.log"},
		{"LockPath", LockPath, "kernel.lock"},
		{"GlobalSettingsPath", GlobalSettingsPath, "settings.yaml"},
		{"EnvFilePath", EnvFilePath, "kernel.env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.fn()
			assert.True(t, strings.HasSuffix(path, tt.suffix),
				"%s() = %q should end with %q", tt.name, path, tt.suffix)
			assert.True(t, strings.HasPrefix(path, ConfigDir()),
				"%s() = %q should be in config dir %q", tt.name, path, ConfigDir())
		})
	}

	t.Run("LogPath override", func(t *testing.T) {
		t.Setenv(EnvDaemonLog, "/tmp/custom.log")
		assert.Equal(t, "/tmp/custom.log", LogPath())
	})
}

func TestInitConfigDir(t *testing.T) {
	isolate(t)

	require.NoError(t, InitConfigDir())

	info, err := os.Stat(ConfigDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(GlobalSettingsPath())
	assert.NoError(t, err, "settings file should be created")

	// an existing file is left alone
	require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("log_level: debug\n"), 0600))
	require.NoError(t, InitConfigDir())
	loaded, err := LoadGlobalSettings()
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.LogLevel)
}

func TestGlobalSettings(t *testing.T) {
	t.Run("defaults from embedded artifact", func(t *testing.T) {
		isolate(t)

		settings, err := LoadGlobalSettings()
		require.NoError(t, err)

		assert.Equal(t, "none", settings.NormalizedLogLevel())
		assert.Empty(t, settings.RootFS)
		assert.Empty(t, settings.NFSListen)
		assert.Equal(t, ".kernelignore", settings.IgnoreFile)
		assert.Equal(t, SocketPath(), settings.SocketOrDefault())
		assert.Equal(t, []MountSpec{
			{Path: "/proc", Backend: "proc"},
			{Path: "/tmp", Backend: "memory"},
		}, settings.Mounts)
	})

	t.Run("save and load", func(t *testing.T) {
		isolate(t)

		settings := &GlobalSettings{
			LogLevel:  "debug",
			Socket:    "/tmp/k.sock",
			NFSListen: "127.0.0.1:0",
			Mounts:    []MountSpec{{Path: "/data", Backend: "sql", Source: "/tmp/data.db"}},
		}
		require.NoError(t, SaveGlobalSettings(settings))

		data, err := os.ReadFile(GlobalSettingsPath())
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "# vkernel daemon settings"))

		loaded, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, "debug", loaded.LogLevel)
		assert.Equal(t, "/tmp/k.sock", loaded.SocketOrDefault())
		assert.Equal(t, "127.0.0.1:0", loaded.NFSListen)
		assert.Equal(t, ".kernelignore", loaded.IgnoreFile, "missing ignore_file falls back to the default")
		assert.Equal(t, settings.Mounts, loaded.Mounts)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		isolate(t)
		require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("mounts: [oops"), 0600))
		_, err := LoadGlobalSettings()
		assert.Error(t, err)
	})
}

func TestNormalizedLogLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"":       "none",
		"off":    "none",
		"DEBUG":  "debug",
		" warn ": "warn",
		"trace":  "trace",
	} {
		s := GlobalSettings{LogLevel: in}
		assert.Equal(t, want, s.NormalizedLogLevel(), "input %q", in)
	}
}

func TestLoadEffectiveSettings(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, SaveGlobalSettings(&GlobalSettings{LogLevel: "info", RootFS: "/from/yaml"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kernel.env"),
		[]byte("VKERNEL_LOG_LEVEL=debug\nVKERNEL_ROOTFS=/from/env-file\n"), 0600))

	t.Run("env file overrides yaml", func(t *testing.T) {
		settings, err := LoadEffectiveSettings()
		require.NoError(t, err)
		assert.Equal(t, "debug", settings.LogLevel)
		assert.Equal(t, "/from/env-file", settings.RootFS)
	})

	t.Run("process env overrides env file", func(t *testing.T) {
		t.Setenv(EnvRootFS, "/from/process")
		t.Setenv(EnvNFSListen, "127.0.0.1:2049")
		settings, err := LoadEffectiveSettings()
		require.NoError(t, err)
		assert.Equal(t, "debug", settings.LogLevel)
		assert.Equal(t, "/from/process", settings.RootFS)
		assert.Equal(t, "127.0.0.1:2049", settings.NFSListen)
	})
}
