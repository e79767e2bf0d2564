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
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vkernel/internal/daemon"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// settings is loaded once per invocation by the root pre-run hook
var settings *daemon.GlobalSettings

var socketFlag string

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "vkernel",
	Short: "A small process and filesystem kernel behind a unix socket",
	Long: `vkernel runs a virtual kernel: a mount table of in-memory, SQL and proc
filesystems plus a table of processes that talk to it through JSON syscalls.

Commands connect to the kernel daemon and start it when it is not running.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := daemon.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		s, err := daemon.LoadEffectiveSettings()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		if socketFlag != "" {
			s.Socket = socketFlag
		}
		settings = s
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("vkernel version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Daemon socket path (default ~/.vkernel/kernel.sock)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
