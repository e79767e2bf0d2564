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

// Package userland holds the programs that run inside the kernel and the
// typed syscall wrapper they share.
package userland

import (
	"context"
	"fmt"

	"vkernel/internal/kernel"
	"vkernel/internal/syscalls"
	"vkernel/internal/util"
	"vkernel/internal/vfs"
)

// Sys is a typed view over the syscall client of one process
type Sys struct {
	ctx context.Context
	c   *syscalls.Client
}

// NewSys wraps c. ctx bounds every call.
func NewSys(ctx context.Context, c *syscalls.Client) *Sys {
	return &Sys{ctx: ctx, c: c}
}

func (s *Sys) call(out any, name string, args ...any) error {
	return s.c.CallInto(s.ctx, out, name, args...)
}

func (s *Sys) Open(path, mode string) (int, error) {
	var fd int
	err := s.call(&fd, "open", path, mode)
	return fd, err
}

func (s *Sys) Close(fd int) error {
	return s.call(nil, "close", fd)
}

func (s *Sys) Read(fd int) (string, error) {
	var data string
	err := s.call(&data, "read", fd)
	return data, err
}

func (s *Sys) Write(fd int, data string) error {
	return s.call(nil, "write", fd, data)
}

// ReadFile opens path read-only and returns its contents
func (s *Sys) ReadFile(path string) (string, error) {
	fd, err := s.Open(path, "r")
	if err != nil {
		return "", err
	}
	defer s.Close(fd)
	return s.Read(fd)
}

// WriteFile replaces, or with appendMode extends, the contents of path
func (s *Sys) WriteFile(path, data string, appendMode bool) error {
	mode := "w"
	if appendMode {
		mode = "a"
	}
	fd, err := s.Open(path, mode)
	if err != nil {
		return err
	}
	defer s.Close(fd)
	return s.Write(fd, data)
}

func (s *Sys) Stat(path string) (*vfs.Stat, error) {
	var st vfs.Stat
	if err := s.call(&st, "stat", path); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Sys) Readdir(path string) ([]string, error) {
	var names []string
	err := s.call(&names, "readdir", path)
	return names, err
}

func (s *Sys) Mkdir(path string, parents bool) error {
	return s.call(nil, "mkdir", path, parents)
}

func (s *Sys) Chdir(path string) error {
	return s.call(nil, "chdir", path)
}

func (s *Sys) Getcwd() (string, error) {
	var cwd string
	err := s.call(&cwd, "getcwd")
	return cwd, err
}

// Getenv returns "" for an unset variable
func (s *Sys) Getenv(key string) (string, error) {
	var v *string
	if err := s.call(&v, "getenv", key); err != nil || v == nil {
		return "", err
	}
	return *v, nil
}

func (s *Sys) Setenv(key, value string) error {
	return s.call(nil, "setenv", key, value)
}

// Spawn starts image as a child and returns its pid
func (s *Sys) Spawn(image string, argv []string) (int, error) {
	var pid int
	err := s.call(&pid, "spawn", image, argv)
	return pid, err
}

// Exec starts the executable file at path as a child and returns its pid
func (s *Sys) Exec(path string, argv []string) (int, error) {
	var pid int
	err := s.call(&pid, "exec", path, argv)
	return pid, err
}

// Poll reports a child's state without blocking, reaping it once exited
func (s *Sys) Poll(pid int) (kernel.ProcessInfo, error) {
	var info kernel.ProcessInfo
	err := s.call(&info, "wait", pid)
	return info, err
}

// Wait polls until child pid exits and returns its exit code
func (s *Sys) Wait(pid int, cfg util.PollConfig) (int, error) {
	var (
		info    kernel.ProcessInfo
		pollErr error
	)
	err := util.PollUntil(s.ctx, cfg, func() bool {
		info, pollErr = s.Poll(pid)
		return pollErr != nil || info.State == kernel.StateExited
	})
	if pollErr != nil {
		return 0, pollErr
	}
	if err != nil {
		return 0, fmt.Errorf("wait for pid %d: %w", pid, err)
	}
	return info.ExitCode, nil
}

// Printf writes formatted text to the kernel console
func (s *Sys) Printf(format string, args ...any) error {
	return s.call(nil, "console", fmt.Sprintf(format, args...))
}
