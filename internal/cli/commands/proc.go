package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"vkernel/internal/kernel"
	"vkernel/internal/syscalls"
	"vkernel/internal/util"
)

var runCmd = &cobra.Command{
	Use:   "run path [args...]",
	Short: "Execute a program file and wait for it",
	Long: `Execute a kernel file as a program. The file's first line names the
program, e.g. "#!sh". The command waits for the process and exits with its code.

Examples:
  vkernel write /bin/hello '#!echo'
  vkernel run /bin/hello hi there`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return startAndWait(cmd.Context(), "exec", args[0], args)
	},
}

var shCmd = &cobra.Command{
	Use:   "sh script",
	Short: "Run a shell script in the kernel and wait for it",
	Long: `Run lines of the kernel shell. Output goes to the daemon console.

Examples:
  vkernel sh 'mkdir -p /tmp/a; write /tmp/a/f hello'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		script := strings.ReplaceAll(args[0], ";", "\n")
		return startAndWait(cmd.Context(), "spawn", "#!sh\n"+script+"\n", []string{"sh"})
	},
}

var spawnCmd = &cobra.Command{
	Use:   "spawn program [args...]",
	Short: "Start a registered program in the background and print its pid",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pid int
		if err := call(cmd.Context(), &pid, "spawn", "#!"+args[0]+"\n", args); err != nil {
			return err
		}
		fmt.Println(pid)
		return nil
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List processes",
	Args:  cobra.NoArgs,
	RunE:  runPs,
}

var killCmd = &cobra.Command{
	Use:   "kill pid",
	Short: "Terminate a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pid int
		if _, err := fmt.Sscanf(args[0], "%d", &pid); err != nil {
			return fmt.Errorf("invalid pid %q", args[0])
		}
		return call(cmd.Context(), nil, "kill", pid, killCode)
	},
}

var killCode int

func init() {
	killCmd.Flags().IntVar(&killCode, "code", 137, "Exit code recorded for the process")
	for _, c := range []*cobra.Command{runCmd, shCmd, spawnCmd, psCmd, killCmd} {
		rootCmd.AddCommand(c)
	}
}

// exitError carries a process exit code out of Execute
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// ExitCode returns the process exit code carried by err, or 1
func ExitCode(err error) int {
	if e, ok := err.(*exitError); ok {
		return e.code
	}
	return 1
}

// startAndWait starts a child of this connection's process and polls wait
// until it exits. The connection must stay open: hanging up would reap it.
func startAndWait(ctx context.Context, syscall, image string, argv []string) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var pid int
	if err := c.CallInto(ctx, &pid, syscall, image, argv); err != nil {
		return err
	}
	info, err := waitExit(ctx, c, pid)
	if err != nil {
		return err
	}
	if info.ExitCode != 0 {
		return &exitError{code: info.ExitCode}
	}
	return nil
}

func waitExit(ctx context.Context, c *syscalls.Client, pid int) (kernel.ProcessInfo, error) {
	var info kernel.ProcessInfo
	var callErr error
	done := func() bool {
		callErr = c.CallInto(ctx, &info, "wait", pid)
		return callErr != nil || info.State == kernel.StateExited
	}
	if err := util.PollUntil(ctx, util.ExitPollConfig(), done); err != nil {
		return info, err
	}
	return info, callErr
}

func runPs(cmd *cobra.Command, args []string) error {
	var procs []kernel.ProcessInfo
	if err := call(cmd.Context(), &procs, "ps"); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tPPID\tSTATE\tFDS\tSTARTED\tCWD\tARGV")
	for _, p := range procs {
		state := p.State
		if state == kernel.StateExited {
			state = fmt.Sprintf("exited(%d)", p.ExitCode)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%s\t%s\n",
			p.PID, p.PPID, state, p.FDs, humanize.Time(p.Started), p.Cwd, strings.Join(p.Argv, " "))
	}
	return w.Flush()
}
