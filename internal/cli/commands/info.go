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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"vkernel/internal/daemon"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show information about the running kernel",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

var callCmd = &cobra.Command{
	Use:   "call name [arg...]",
	Short: "Invoke a raw syscall and print the JSON result",
	Long: `Invoke any syscall by name. Each argument is parsed as JSON and falls back
to a plain string when it is not valid JSON.

The call runs as a fresh attached process, so descriptors it opens are
closed when the command returns.

Examples:
  vkernel call getpid
  vkernel call readdir /
  vkernel call stat /tmp false
  vkernel call spawn '"#!echo\n"' '["echo","hi"]'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(callCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	var info daemon.Info
	if err := call(cmd.Context(), &info, daemon.SyscallInfo); err != nil {
		return err
	}
	fmt.Printf("PID: %d\n", info.PID)
	fmt.Printf("Version: %s\n", info.Version)
	fmt.Printf("Uptime: %s\n", info.Uptime)
	fmt.Printf("Socket: %s\n", info.Socket)
	if info.NFS != "" {
		fmt.Printf("NFS: %s\n", info.NFS)
	}
	fmt.Printf("Processes: %d\n", info.Processes)
	fmt.Printf("Backends: %s\n", strings.Join(info.Backends, ", "))
	fmt.Printf("Programs: %s\n", strings.Join(info.Programs, ", "))
	return nil
}

// parseCallArgs decodes each word as JSON, keeping bare words as strings
func parseCallArgs(words []string) []any {
	out := make([]any, 0, len(words))
	for _, w := range words {
		var v any
		if err := json.Unmarshal([]byte(w), &v); err != nil {
			v = w
		}
		out = append(out, v)
	}
	return out
}

func runCall(cmd *cobra.Command, args []string) error {
	var result json.RawMessage
	if err := call(cmd.Context(), &result, args[0], parseCallArgs(args[1:])...); err != nil {
		return err
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		return err
	}
	return printJSON(v)
}
