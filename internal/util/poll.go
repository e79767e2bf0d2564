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
	"time"
)

// PollConfig bounds a wait on something the caller can only observe by
// asking again: the daemon socket coming up, a pid file going away, or a
// kernel process reaching the exited state.
type PollConfig struct {
	Timeout  time.Duration
	Interval time.Duration
}

// StartupPollConfig is for waiting on a freshly spawned daemon
func StartupPollConfig() PollConfig {
	return PollConfig{Timeout: 5 * time.Second, Interval: 25 * time.Millisecond}
}

// ExitPollConfig is for waiting on a kernel process. Foreground jobs may
// run a long time, so the timeout is generous and ctx is the real bound.
func ExitPollConfig() PollConfig {
	return PollConfig{Timeout: time.Hour, Interval: 10 * time.Millisecond}
}

func (c PollConfig) withDefaults() PollConfig {
	d := StartupPollConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	return c
}

// PollUntil checks done right away and then every Interval until it
// reports true. It returns ctx's error on cancellation, or
// context.DeadlineExceeded once Timeout passes.
func PollUntil(ctx context.Context, cfg PollConfig, done func() bool) error {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if done() {
		return nil
	}
	tick := time.NewTicker(cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if done() {
				return nil
			}
		}
	}
}
