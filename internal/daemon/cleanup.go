package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"vkernel/internal/util"
)

// CleanupResult contains the result of a cleanup operation
type CleanupResult struct {
	CleanedPidFile bool    // Whether PID file was cleaned
	CleanedSocket  bool    // Whether socket file was cleaned
	Errors         []error // Any errors encountered
}

// CleanupStale removes the PID file and socket left behind by a daemon
// that died without shutting down. Nothing is touched while a daemon
// answers on socketPath.
func CleanupStale(socketPath string) *CleanupResult {
	result := &CleanupResult{}
	if IsDaemonRunning(socketPath) {
		return result
	}

	cleaned, err := cleanupStalePidFile()
	result.CleanedPidFile = cleaned
	if err != nil {
		result.Errors = append(result.Errors, err)
	}

	cleaned, err = cleanupStaleSocket(socketPath)
	result.CleanedSocket = cleaned
	if err != nil {
		result.Errors = append(result.Errors, err)
	}
	return result
}

// cleanupStalePidFile removes PID file if the process is not running
func cleanupStalePidFile() (bool, error) {
	pid, err := GetPID()
	if err != nil {
		// No PID file or can't read it
		if os.IsNotExist(err) {
			return false, nil
		}
		return removeStale(PidPath())
	}
	if util.IsProcessRunning(pid) && pid != os.Getpid() {
		return false, nil
	}
	return removeStale(PidPath())
}

// cleanupStaleSocket removes socket file if nothing answers on it
func cleanupStaleSocket(socketPath string) (bool, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return false, nil
	}
	return removeStale(socketPath)
}

func removeStale(path string) (bool, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove %s: %w", path, err)
	}
	return true, nil
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func writePidFile() error {
	data := []byte(strconv.Itoa(os.Getpid()))
	return os.WriteFile(PidPath(), data, 0600)
}

func removePidFile() {
	os.Remove(PidPath())
}

// FormatCleanupResult formats a cleanup result for display
func FormatCleanupResult(result *CleanupResult) string {
	var parts []string

	if result.CleanedPidFile {
		parts = append(parts, "Cleaned up stale PID file")
	}

	if result.CleanedSocket {
		parts = append(parts, "Cleaned up stale socket file")
	}

	if len(result.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Encountered %d error(s):", len(result.Errors)))
		for _, e := range result.Errors {
			parts = append(parts, fmt.Sprintf("  - %s", e.Error()))
		}
	}

	if len(parts) == 0 {
		return "No cleanup needed"
	}

	return strings.Join(parts, "\n")
}
