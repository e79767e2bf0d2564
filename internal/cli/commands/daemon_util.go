package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"vkernel/internal/daemon"
	"vkernel/internal/syscalls"
	"vkernel/internal/util"
)

func daemonRunning() bool {
	return daemon.IsDaemonRunning(settings.SocketOrDefault())
}

// startDaemonIfNeeded starts the daemon in the background if not running.
// If notify is true, progress goes to stderr.
func startDaemonIfNeeded(ctx context.Context, notify bool) error {
	cfg := util.DefaultDaemonStartConfig()
	if !notify {
		cfg.Status = nil
	}
	args := []string{"daemon", "start", "--foreground"}
	if socketFlag != "" {
		args = append(args, "--socket", socketFlag)
	}
	return util.StartDaemonIfNeeded(ctx, cfg, daemonRunning, args)
}

// connect returns a client for the daemon, starting it first when needed
func connect(ctx context.Context) (*syscalls.Client, error) {
	if err := startDaemonIfNeeded(ctx, true); err != nil {
		return nil, fmt.Errorf("daemon not available: %w", err)
	}
	return daemon.Dial(ctx, settings.SocketOrDefault())
}

// call runs one syscall on a fresh connection and decodes the result into out
func call(ctx context.Context, out any, name string, args ...any) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.CallInto(ctx, out, name, args...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
