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

package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"vkernel/internal/kernel"
	"vkernel/internal/syscalls"
	"vkernel/internal/userland"
	"vkernel/internal/util"
)

// Daemon-level syscalls registered next to the kernel's own
const (
	SyscallInfo     = "info"
	SyscallShutdown = "shutdown"
)

// Info is the result of the info syscall
type Info struct {
	PID       int      `json:"pid"`
	Version   string   `json:"version"`
	Uptime    string   `json:"uptime"`
	Socket    string   `json:"socket"`
	NFS       string   `json:"nfs,omitempty"`
	Processes int      `json:"processes"`
	Backends  []string `json:"backends"`
	Programs  []string `json:"programs"`
}

// Server is the IPC server. Every accepted connection becomes an attached
// process speaking newline-delimited syscall envelopes.
type Server struct {
	path   string
	kernel *kernel.Kernel

	mu       sync.Mutex
	listener net.Listener
	attached int
}

// NewServer creates a new IPC server for k listening on path
func NewServer(path string, k *kernel.Kernel) *Server {
	return &Server{path: path, kernel: k}
}

// Path returns the socket path
func (s *Server) Path() string { return s.path }

// Start starts the IPC server
func (s *Server) Start() error {
	// Remove stale socket
	os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	os.Chmod(s.path, 0600)

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.accept(listener)
	log.Infof("[IPC] listening on %s", s.path)
	return nil
}

// Stop stops accepting connections. Attached processes end with the kernel.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		os.Remove(s.path)
		s.listener = nil
	}
}

// Attached returns the number of connections accepted so far
func (s *Server) Attached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *Server) accept(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return // Server stopped
		}
		s.handleConn(conn)
	}
}

// handleConn hands conn to the kernel; the process exits when the peer hangs up
func (s *Server) handleConn(conn net.Conn) {
	p := s.kernel.Attach(syscalls.NewStreamPort(conn), []string{"client"}, kernel.SpawnOptions{
		Cwd: "/",
		Env: map[string]string{"PATH": userland.DefaultPath},
	})
	s.mu.Lock()
	s.attached++
	s.mu.Unlock()
	log.Debugf("[IPC] connection attached as pid %d", p.PID)
}

// Connect dials the daemon socket once
func Connect(path string) (*syscalls.Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return syscalls.NewClient(syscalls.NewStreamPort(conn)), nil
}

// Dial connects to the daemon socket, retrying while it comes up
func Dial(ctx context.Context, path string) (*syscalls.Client, error) {
	return util.RetryWithResult(ctx, func() (*syscalls.Client, error) {
		return Connect(path)
	}, util.DialRetryOptions(ctx)...)
}

// IsDaemonRunning checks if a daemon answers on path
func IsDaemonRunning(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
