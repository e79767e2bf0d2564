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

package kernel

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"vkernel/internal/common"
	"vkernel/internal/syscalls"
	"vkernel/internal/vfs"
)

// Process states
const (
	StateRunning = "running"
	StateExited  = "exited"
)

// Process is one execution unit as the kernel sees it
type Process struct {
	PID     int
	PPID    int
	Argv    []string
	Image   string // path, or "-" for an inline image, or "attached"
	Started time.Time

	fs   *vfs.VFS
	port syscalls.Port
	unit Unit

	mu       sync.Mutex
	cwd      string
	env      map[string]string
	fds      []*FileDescriptor
	state    string
	exitCode int
}

// SpawnOptions carries the optional parts of a process launch
type SpawnOptions struct {
	PPID int               `json:"ppid,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

func newProcess(fs *vfs.VFS, argv []string, image string, opts SpawnOptions) *Process {
	cwd := opts.Cwd
	if cwd == "" {
		cwd = "/"
	}
	env := maps.Clone(opts.Env)
	if env == nil {
		env = make(map[string]string)
	}
	return &Process{
		PPID:    opts.PPID,
		Argv:    append([]string(nil), argv...),
		Image:   image,
		Started: time.Now(),
		fs:      fs,
		cwd:     common.Clean(cwd),
		env:     env,
		state:   StateRunning,
	}
}

// Abs resolves path against the process cwd
func (p *Process) Abs(path string) string {
	return common.Abs(p.Getcwd(), path)
}

// --- Descriptors ---

// Open resolves path and stores a descriptor in the first free slot
func (p *Process) Open(path, modeName string) (int, error) {
	mode, err := ParseMode(modeName)
	if err != nil {
		return -1, err
	}
	abs := p.Abs(path)

	e, err := p.fs.Resolve(abs)
	if errors.Is(err, common.ErrPathNotFound) && mode.Create {
		if _, err = p.fs.Touch(abs); err != nil {
			return -1, err
		}
		e, err = p.fs.Resolve(abs)
	}
	if err != nil {
		return -1, err
	}
	if mode.Truncate {
		if err := e.SetData("", false); err != nil {
			return -1, err
		}
	}

	return p.install(&FileDescriptor{Path: abs, ModeName: modeName, Mode: mode, Entry: e}), nil
}

func (p *Process) install(fd *FileDescriptor) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, slot := range p.fds {
		if slot == nil {
			p.fds[i] = fd
			return i
		}
	}
	p.fds = append(p.fds, fd)
	return len(p.fds) - 1
}

// Descriptor returns the open descriptor at fd
func (p *Process) Descriptor(fd int) (*FileDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= len(p.fds) || p.fds[fd] == nil {
		return nil, fmt.Errorf("%w: %d", common.ErrBadDescriptor, fd)
	}
	return p.fds[fd], nil
}

// Read returns the full contents behind fd
func (p *Process) Read(fd int) (string, error) {
	d, err := p.Descriptor(fd)
	if err != nil {
		return "", err
	}
	return d.Read()
}

// Write writes data through fd
func (p *Process) Write(fd int, data string) error {
	d, err := p.Descriptor(fd)
	if err != nil {
		return err
	}
	return d.Write(data)
}

// Close releases fd so a later Open can reuse the slot
func (p *Process) Close(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= len(p.fds) || p.fds[fd] == nil {
		return fmt.Errorf("%w: %d", common.ErrBadDescriptor, fd)
	}
	p.fds[fd] = nil
	return nil
}

// Dup aliases fd into the first free slot
func (p *Process) Dup(fd int) (int, error) {
	d, err := p.Descriptor(fd)
	if err != nil {
		return -1, err
	}
	cp := *d
	return p.install(&cp), nil
}

// Dup2 aliases fd into slot target, replacing whatever was there
func (p *Process) Dup2(fd, target int) (int, error) {
	if target < 0 {
		return -1, fmt.Errorf("%w: %d", common.ErrBadDescriptor, target)
	}
	d, err := p.Descriptor(fd)
	if err != nil {
		return -1, err
	}
	if fd == target {
		return target, nil
	}
	cp := *d
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.fds) <= target {
		p.fds = append(p.fds, nil)
	}
	p.fds[target] = &cp
	return target, nil
}

// Descriptors lists the open descriptors
func (p *Process) Descriptors() []FDInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []FDInfo
	for i, d := range p.fds {
		if d == nil {
			continue
		}
		out = append(out, FDInfo{FD: i, Path: d.Path, Mode: d.ModeName, Kind: d.Kind().String(), Inode: d.Entry.ID()})
	}
	return out
}

// pinned adds the inode ids held open inside backend b to ids
func (p *Process) pinned(b vfs.Backend, ids map[int]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.fds {
		if d != nil && d.Entry.Backend == b {
			ids[d.Entry.ID()] = true
		}
	}
}

// --- Working directory and environment ---

// Chdir changes the cwd to path, which must be a directory
func (p *Process) Chdir(path string) error {
	abs := p.Abs(path)
	e, err := p.fs.Resolve(abs)
	if err != nil {
		return err
	}
	if e.Kind() != vfs.KindDirectory {
		return fmt.Errorf("%w: %s", common.ErrNotDir, abs)
	}
	p.mu.Lock()
	p.cwd = abs
	p.mu.Unlock()
	return nil
}

// Getcwd returns the current working directory
func (p *Process) Getcwd() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// Getenv returns the value of key and whether it is set
func (p *Process) Getenv(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.env[key]
	return v, ok
}

// Setenv sets key; an empty key is rejected
func (p *Process) Setenv(key, value string) error {
	if key == "" || strings.Contains(key, "=") {
		return fmt.Errorf("%w: env key %q", common.ErrBadArgument, key)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.env[key] = value
	return nil
}

// Environ returns a copy of the environment
func (p *Process) Environ() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.env)
}

// --- Lifecycle ---

// State returns the lifecycle state and exit code
func (p *Process) State() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.exitCode
}

func (p *Process) setUnit(u Unit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unit = u
}

// takeUnit hands the unit to the caller exactly once
func (p *Process) takeUnit() Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.unit
	p.unit = nil
	return u
}

// markExited records the exit and drops the descriptor table.
// Returns false if the process had already exited.
func (p *Process) markExited(code int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateExited {
		return false
	}
	p.state = StateExited
	p.exitCode = code
	p.fds = nil
	return true
}

// ProcessInfo is the wire view of a process
type ProcessInfo struct {
	PID      int       `json:"pid"`
	PPID     int       `json:"ppid"`
	Argv     []string  `json:"argv"`
	Image    string    `json:"image"`
	Cwd      string    `json:"cwd"`
	State    string    `json:"state"`
	ExitCode int       `json:"exit_code"`
	FDs      int       `json:"fds"`
	Started  time.Time `json:"started"`
}

// Info snapshots the process
func (p *Process) Info() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := 0
	for _, d := range p.fds {
		if d != nil {
			open++
		}
	}
	return ProcessInfo{
		PID:      p.PID,
		PPID:     p.PPID,
		Argv:     append([]string(nil), p.Argv...),
		Image:    p.Image,
		Cwd:      p.cwd,
		State:    p.state,
		ExitCode: p.exitCode,
		FDs:      open,
		Started:  p.Started,
	}
}

// environLines renders the environment as sorted KEY=value lines
func (p *Process) environLines() string {
	env := p.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	return b.String()
}
