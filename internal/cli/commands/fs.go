package commands

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"vkernel/internal/common"
	"vkernel/internal/vfs"
)

var lsCmd = &cobra.Command{
	Use:   "ls [path...]",
	Short: "List directory entries",
	Long: `List the entries of kernel directories.

Examples:
  vkernel ls /
  vkernel ls -l /proc`,
	RunE: runLs,
}

var catCmd = &cobra.Command{
	Use:   "cat path...",
	Short: "Print file contents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCat,
}

var writeCmd = &cobra.Command{
	Use:   "write path [text...]",
	Short: "Write text (or stdin) to a file",
	Long: `Write text to a kernel file, creating it if needed.
Without text arguments the content is read from stdin.

Examples:
  vkernel write /tmp/greeting hello world
  echo hi | vkernel write -a /tmp/log`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWrite,
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir path...",
	Short: "Create directories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMkdir,
}

var rmCmd = &cobra.Command{
	Use:   "rm path...",
	Short: "Unlink files, symlinks or empty directories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var lnCmd = &cobra.Command{
	Use:   "ln target link",
	Short: "Create a hard link, or a symbolic link with -s",
	Args:  cobra.ExactArgs(2),
	RunE:  runLn,
}

var chmodCmd = &cobra.Command{
	Use:   "chmod mode path",
	Short: "Set permissions from an rwx string such as r-x",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.Context(), nil, "chmod", args[1], args[0])
	},
}

var statCmd = &cobra.Command{
	Use:   "stat path",
	Short: "Print the attributes of a path as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runStat,
}

var (
	lsLong       bool
	writeAppend  bool
	mkdirParent  bool
	lnSymbolic   bool
	statNoFollow bool
)

func init() {
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "Show kind, permissions, links and size")
	writeCmd.Flags().BoolVarP(&writeAppend, "append", "a", false, "Append instead of truncating")
	mkdirCmd.Flags().BoolVarP(&mkdirParent, "parents", "p", false, "Create missing parents")
	lnCmd.Flags().BoolVarP(&lnSymbolic, "symbolic", "s", false, "Create a symbolic link")
	statCmd.Flags().BoolVar(&statNoFollow, "no-follow", false, "Describe a symlink itself")
	for _, c := range []*cobra.Command{lsCmd, catCmd, writeCmd, mkdirCmd, rmCmd, lnCmd, chmodCmd, statCmd} {
		rootCmd.AddCommand(c)
	}
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if len(args) == 0 {
		args = []string{"/"}
	}
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	for i, dir := range args {
		if len(args) > 1 {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("%s:\n", dir)
		}
		var names []string
		if err := c.CallInto(ctx, &names, "readdir", dir); err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
		if !lsLong {
			for _, n := range names {
				fmt.Println(n)
			}
			continue
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, n := range names {
			var st vfs.Stat
			if err := c.CallInto(ctx, &st, "stat", common.Join(dir, n), false); err != nil {
				fmt.Fprintf(w, "?\t?\t?\t?\t%s\n", n)
				continue
			}
			fmt.Fprintln(w, formatLong(n, &st))
		}
		w.Flush()
	}
	return nil
}

// formatLong renders one ls -l row
func formatLong(name string, st *vfs.Stat) string {
	kind := "-"
	switch {
	case st.IsDir():
		kind = "d"
	case st.Kind == vfs.KindSymlink.String():
		kind = "l"
		name += " -> " + st.Target
	}
	return fmt.Sprintf("%s%s\t%d\t%s\t%s", kind, st.Mode, st.Links, humanize.Bytes(uint64(st.Size)), name)
}

func runCat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	for _, path := range args {
		var fd int
		if err := c.CallInto(ctx, &fd, "open", path, "r"); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		var data string
		err := c.CallInto(ctx, &data, "read", fd)
		_, _ = c.Call(ctx, "close", fd)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Print(data)
	}
	return nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]
	var text string
	if len(args) > 1 {
		text = strings.Join(args[1:], " ") + "\n"
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		text = string(data)
	}

	mode := "w"
	if writeAppend {
		mode = "a"
	}
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	var fd int
	if err := c.CallInto(ctx, &fd, "open", path, mode); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer c.Call(ctx, "close", fd)
	if _, err := c.Call(ctx, "write", fd, text); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func runMkdir(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	for _, path := range args {
		if _, err := c.Call(ctx, "mkdir", path, mkdirParent); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	for _, path := range args {
		if _, err := c.Call(ctx, "unlink", path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func runLn(cmd *cobra.Command, args []string) error {
	name := "link"
	if lnSymbolic {
		name = "symlink"
	}
	return call(cmd.Context(), nil, name, args[0], args[1])
}

func runStat(cmd *cobra.Command, args []string) error {
	var st vfs.Stat
	if err := call(cmd.Context(), &st, "stat", args[0], !statNoFollow); err != nil {
		return err
	}
	return printJSON(st)
}
