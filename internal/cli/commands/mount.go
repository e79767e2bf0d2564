// Copyright 2024 vkernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vkernel/internal/vfs"
)

var mountCmd = &cobra.Command{
	Use:   "mount [kind path [source]]",
	Short: "Mount a backend, or list mounts without arguments",
	Long: `Mount a new backend onto an existing kernel directory.

Backend kinds:
  memory   an empty in-memory filesystem
  proc     the process table
  sql      a SQLite-backed filesystem; source is the database file
  host     a copy of a host directory; source is the directory

Examples:
  vkernel mount
  vkernel mount memory /scratch
  vkernel mount sql /data data.db
  vkernel mount host /src ~/project`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 || len(args) > 3 {
			return fmt.Errorf("expected no arguments, or kind path [source]")
		}
		return nil
	},
	RunE: runMount,
}

var unmountCmd = &cobra.Command{
	Use:   "unmount path",
	Short: "Unmount the backend at path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd.Context(), nil, "unmount", args[0]); err != nil {
			return err
		}
		fmt.Printf("Unmounted %s\n", args[0])
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim unlinked inodes in every backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Freed int `json:"freed"`
		}
		if err := call(cmd.Context(), &out, "gc"); err != nil {
			return err
		}
		fmt.Printf("Reclaimed %d inodes\n", out.Freed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(gcCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if len(args) == 0 {
		var mounts []vfs.MountInfo
		if err := call(ctx, &mounts, "mounts"); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tBACKEND")
		for _, m := range mounts {
			fmt.Fprintf(w, "%s\t%s\n", m.Path, m.Backend)
		}
		return w.Flush()
	}

	kind, path := args[0], args[1]
	source := ""
	if len(args) == 3 {
		source = args[2]
	}
	if kind == "host" && source != "" {
		// the daemon does not share our working directory
		abs, err := filepath.Abs(source)
		if err != nil {
			return err
		}
		source = abs
	}
	if err := call(ctx, nil, "mount", kind, path, source); err != nil {
		return err
	}
	fmt.Printf("Mounted %s at %s\n", kind, path)
	return nil
}
