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

package util

import (
	"context"
	"fmt"
	"io"
	"os"
)

// DaemonStartConfig configures daemon start behavior.
type DaemonStartConfig struct {
	Status     io.Writer  // Progress messages; nil for silence
	PollConfig PollConfig // Polling config for waiting
	Env        []string   // Environment for the daemon; nil inherits ours
}

// DefaultDaemonStartConfig returns sensible defaults.
func DefaultDaemonStartConfig() DaemonStartConfig {
	return DaemonStartConfig{
		Status:     os.Stderr,
		PollConfig: StartupPollConfig(),
	}
}

func (c DaemonStartConfig) notify(format string, args ...any) {
	if c.Status != nil {
		fmt.Fprintf(c.Status, format, args...)
	}
}

// StartDaemonIfNeeded starts the daemon in the background if not running.
// isRunning reports readiness; startCmd is the argument list for our own
// executable (e.g. []string{"daemon", "start", "--foreground"}).
// Returns nil if the daemon is already running or became ready in time.
func StartDaemonIfNeeded(ctx context.Context, cfg DaemonStartConfig, isRunning func() bool, startCmd []string) error {
	if isRunning() {
		return nil
	}
	cfg.notify("Starting kernel daemon...")

	exe, err := os.Executable()
	if err != nil {
		cfg.notify(" failed\n")
		return err
	}
	if _, err := StartBackgroundProcess(exe, startCmd, cfg.Env); err != nil {
		cfg.notify(" failed\n")
		return err
	}

	if err := PollUntil(ctx, cfg.PollConfig, isRunning); err != nil {
		cfg.notify(" timeout\n")
		return fmt.Errorf("daemon did not start in time: %w", err)
	}
	cfg.notify(" done\n")
	return nil
}
