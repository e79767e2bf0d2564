package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vkernel/internal/daemon"
	"vkernel/internal/util"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long:  `Commands for controlling the vkernel daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long:  `Starts the vkernel daemon in the background, or in the foreground with -f.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Configure daemon settings",
	Long: `Configure persistent daemon settings.

Settings are stored in ~/.vkernel/settings.yaml and take effect on next daemon start.
Values in ~/.vkernel/kernel.env and VKERNEL_* environment variables override them.

Examples:
  # Enable debug logging
  vkernel daemon config --logging debug

  # Seed the root filesystem from a host directory
  vkernel daemon config --rootfs ~/sandbox

  # Show current configuration
  vkernel daemon config`,
	Args: cobra.NoArgs,
	RunE: runDaemonConfig,
}

var daemonForeground bool
var daemonRestart bool
var configLogLevel string
var configRootFS string
var configNFSListen string

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForeground, "foreground", "f", false, "Run in foreground")
	daemonStartCmd.Flags().BoolVar(&daemonRestart, "restart", false, "Restart daemon if already running")
	daemonConfigCmd.Flags().StringVar(&configLogLevel, "logging", "", "Log level: trace, debug, info, warn, none")
	daemonConfigCmd.Flags().StringVar(&configRootFS, "rootfs", "", "Host directory copied into / at boot (\"-\" clears it)")
	daemonConfigCmd.Flags().StringVar(&configNFSListen, "nfs", "", "Address for the NFS export, e.g. 127.0.0.1:2049 (\"-\" disables it)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonConfigCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if daemonRunning() {
		pid, _ := daemon.GetPID()
		if !daemonRestart {
			fmt.Printf("Daemon already running (PID %d)\n", pid)
			fmt.Println("Use --restart to restart the daemon")
			return nil
		}
		fmt.Printf("Daemon already running (PID %d), restarting...\n", pid)
		if err := stopDaemonAndWait(ctx); err != nil {
			return fmt.Errorf("failed to stop daemon for restart: %w", err)
		}
	}

	if daemonForeground {
		d := daemon.New(settings)
		d.Version = version
		return d.Run(ctx)
	}

	cfg := util.DefaultDaemonStartConfig()
	cfg.Status = nil
	cfg.PollConfig = util.PollConfig{Timeout: 10 * time.Second, Interval: 25 * time.Millisecond}
	args = []string{"daemon", "start", "--foreground"}
	if socketFlag != "" {
		args = append(args, "--socket", socketFlag)
	}
	if err := util.StartDaemonIfNeeded(ctx, cfg, daemonRunning, args); err != nil {
		return err
	}
	pid, _ := daemon.GetPID()
	fmt.Printf("Daemon started (PID %d)\n", pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	if !daemonRunning() {
		fmt.Println("Daemon not running")
		// Still clean up in case there are stale artifacts
		if result := daemon.CleanupStale(settings.SocketOrDefault()); result.CleanedPidFile || result.CleanedSocket {
			fmt.Println(daemon.FormatCleanupResult(result))
		}
		return nil
	}
	if err := stopDaemonAndWait(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Daemon stopped")
	return nil
}

// stopDaemonAndWait asks the daemon to shut down and kills it if it
// does not go away in time
func stopDaemonAndWait(ctx context.Context) error {
	pid, _ := daemon.GetPID()
	graceful := func() error {
		c, err := daemon.Connect(settings.SocketOrDefault())
		if err != nil {
			return err
		}
		defer c.Close()
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err = c.Call(callCtx, daemon.SyscallShutdown)
		return err
	}
	return util.StopProcess(ctx, pid, util.ProcessConfig{}, graceful, daemonRunning)
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	if !daemonRunning() {
		fmt.Println("Daemon: not running")
		fmt.Printf("Log level: %s\n", settings.NormalizedLogLevel())
		return nil
	}

	c, err := daemon.Dial(cmd.Context(), settings.SocketOrDefault())
	if err != nil {
		return err
	}
	defer c.Close()
	var info daemon.Info
	if err := c.CallInto(cmd.Context(), &info, daemon.SyscallInfo); err != nil {
		return err
	}
	fmt.Printf("Daemon: running (PID %d, version %s, up %s)\n", info.PID, info.Version, info.Uptime)
	fmt.Printf("Socket: %s\n", info.Socket)
	if info.NFS != "" {
		fmt.Printf("NFS: %s\n", info.NFS)
	}
	fmt.Printf("Processes: %d\n", info.Processes)
	fmt.Printf("Log level: %s\n", settings.NormalizedLogLevel())
	return nil
}

func runDaemonConfig(cmd *cobra.Command, args []string) error {
	// edit the file itself, not the env-merged view
	s, err := daemon.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if configLogLevel == "" && configRootFS == "" && configNFSListen == "" {
		fmt.Println("Current daemon configuration:")
		fmt.Printf("  Log level: %s\n", s.NormalizedLogLevel())
		fmt.Printf("  Socket: %s\n", s.SocketOrDefault())
		fmt.Printf("  Root filesystem: %s\n", orNone(s.RootFS))
		fmt.Printf("  NFS export: %s\n", orNone(s.NFSListen))
		fmt.Println("  Mounts:")
		for _, m := range s.Mounts {
			line := fmt.Sprintf("    %s  %s", m.Path, m.Backend)
			if m.Source != "" {
				line += "  " + m.Source
			}
			fmt.Println(line)
		}
		return nil
	}

	if configLogLevel != "" {
		s.LogLevel = configLogLevel
		level := s.NormalizedLogLevel()
		if _, ok := validLogLevels[level]; !ok {
			return fmt.Errorf("invalid log level %q: must be one of trace, debug, info, warn, none", configLogLevel)
		}
		s.LogLevel = level
	}
	if configRootFS != "" {
		s.RootFS = clearable(configRootFS)
	}
	if configNFSListen != "" {
		s.NFSListen = clearable(configNFSListen)
	}

	if err := daemon.SaveGlobalSettings(s); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Printf("Settings saved to %s\n", daemon.GlobalSettingsPath())
	if daemonRunning() {
		fmt.Println("Restart the daemon for the change to take effect:")
		fmt.Println("  vkernel daemon start --restart")
	}
	return nil
}

var validLogLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "none": {},
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func clearable(v string) string {
	if v == "-" {
		return ""
	}
	return v
}
