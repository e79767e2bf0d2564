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

// Package kernel owns the process table, the namespace and the syscall
// dispatcher. A single loop handles one message to completion before
// reading the next; each process has one pump feeding that loop, so
// requests from the same process are handled in send order.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"vkernel/internal/common"
	"vkernel/internal/syscalls"
	"vkernel/internal/vfs"
)

// BackendFactory creates a backend for the mount syscall. source is
// backend specific (a DSN for sql, ignored for memory).
type BackendFactory func(source string) (vfs.Backend, error)

// Options configures a Kernel
type Options struct {
	Console   io.Writer                 // console syscall output; discarded when nil
	Factory   UnitFactory               // launches spawned programs
	Backends  map[string]BackendFactory // extra backend kinds for mount
	InboxSize int
}

type message struct {
	proc *Process
	data []byte
}

// Kernel is the context object for one running system
type Kernel struct {
	fs         *vfs.VFS
	procs      *ProcessTable
	dispatcher *syscalls.Dispatcher[*Process]
	factory    UnitFactory

	backendsMu sync.RWMutex
	backends   map[string]BackendFactory

	inbox    chan message
	stop     chan struct{}
	stopOnce sync.Once

	consoleMu sync.Mutex
	console   io.Writer

	started time.Time
}

// New creates a kernel over fs and registers the standard syscalls
func New(fs *vfs.VFS, opts Options) *Kernel {
	size := opts.InboxSize
	if size <= 0 {
		size = 256
	}
	console := opts.Console
	if console == nil {
		console = io.Discard
	}
	k := &Kernel{
		fs:         fs,
		procs:      NewProcessTable(),
		dispatcher: syscalls.NewDispatcher[*Process](),
		factory:    opts.Factory,
		backends:   make(map[string]BackendFactory),
		inbox:      make(chan message, size),
		stop:       make(chan struct{}),
		console:    console,
		started:    time.Now(),
	}
	k.backends["memory"] = func(string) (vfs.Backend, error) { return vfs.NewMemoryFS(), nil }
	k.backends["proc"] = func(string) (vfs.Backend, error) { return NewProcFS(k.procs), nil }
	for name, f := range opts.Backends {
		k.backends[name] = f
	}
	k.registerHandlers()
	return k
}

// FS returns the namespace
func (k *Kernel) FS() *vfs.VFS { return k.fs }

// Processes returns the process table
func (k *Kernel) Processes() *ProcessTable { return k.procs }

// Dispatcher returns the syscall dispatcher, e.g. to register extra syscalls
func (k *Kernel) Dispatcher() *syscalls.Dispatcher[*Process] { return k.dispatcher }

// Uptime returns the time since New
func (k *Kernel) Uptime() time.Duration { return time.Since(k.started) }

// BackendKinds lists the backend kinds accepted by Mount
func (k *Kernel) BackendKinds() []string {
	k.backendsMu.RLock()
	defer k.backendsMu.RUnlock()
	out := make([]string, 0, len(k.backends))
	for name := range k.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run is the dispatch loop. It returns when ctx is done or Stop is called,
// after exiting every remaining process.
func (k *Kernel) Run(ctx context.Context) error {
	log.Infof("[Kernel] dispatch loop started")
	defer k.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-k.stop:
			return nil
		case msg := <-k.inbox:
			k.handle(ctx, msg)
		}
	}
}

// Stop ends Run
func (k *Kernel) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
}

func (k *Kernel) shutdown() {
	k.Stop()
	n := 0
	for _, p := range k.procs.List() {
		if state, _ := p.State(); state == StateRunning {
			_ = k.Exit(p.PID, 143)
			n++
		}
	}
	log.Infof("[Kernel] dispatch loop stopped (%d processes terminated)", n)
}

func (k *Kernel) handle(ctx context.Context, msg message) {
	if state, _ := msg.proc.State(); state != StateRunning {
		log.Tracef("[Kernel] dropping message from exited pid %d", msg.proc.PID)
		return
	}
	resp := k.dispatcher.Handle(ctx, msg.proc, msg.data)
	if state, _ := msg.proc.State(); state != StateRunning {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("[Kernel] encode response for pid %d: %v", msg.proc.PID, err)
		return
	}
	if err := msg.proc.port.Send(data); err != nil {
		log.Debugf("[Kernel] send to pid %d: %v", msg.proc.PID, err)
	}
}

// pump forwards p's messages into the inbox in arrival order
func (k *Kernel) pump(p *Process) {
	for {
		data, err := p.port.Recv()
		if err != nil {
			if state, _ := p.State(); state == StateRunning {
				log.Debugf("[Kernel] pid %d hung up: %v", p.PID, err)
				_ = k.Exit(p.PID, 0)
			}
			return
		}
		select {
		case k.inbox <- message{proc: p, data: data}:
		case <-k.stop:
			return
		}
	}
}

// Spawn launches a process running image text
func (k *Kernel) Spawn(image string, argv []string, opts SpawnOptions) (int, error) {
	if len(argv) == 0 {
		argv = []string{ProgramName(image)}
	}
	return k.launch(image, "-", argv, opts)
}

// Exec launches a process from the image file at path. The file needs
// read and execute permission.
func (k *Kernel) Exec(path string, argv []string, opts SpawnOptions) (int, error) {
	abs := common.Abs(opts.Cwd, path)
	e, err := k.fs.Resolve(abs)
	if err != nil {
		return 0, err
	}
	if e.Kind() == vfs.KindDirectory {
		return 0, fmt.Errorf("%w: %s", common.ErrIsDir, abs)
	}
	perms, err := e.Perms()
	if err != nil {
		return 0, err
	}
	if !perms.Execute {
		return 0, fmt.Errorf("%w: %s is not executable", common.ErrPermissionDenied, abs)
	}
	image, err := e.Data()
	if err != nil {
		return 0, err
	}
	if len(argv) == 0 {
		argv = []string{abs}
	}
	return k.launch(image, abs, argv, opts)
}

func (k *Kernel) launch(image, imagePath string, argv []string, opts SpawnOptions) (int, error) {
	if k.factory == nil {
		return 0, fmt.Errorf("%w: no unit factory configured", common.ErrBadArgument)
	}
	kernEnd, unitEnd := syscalls.Pipe()
	p := newProcess(k.fs, argv, imagePath, opts)
	p.port = kernEnd
	pid := k.procs.Allocate(p)

	unit, err := k.factory.Start(&Invocation{PID: pid, Argv: p.Argv, Image: image}, unitEnd)
	if err != nil {
		k.procs.Release(pid)
		kernEnd.Close()
		return 0, err
	}
	p.setUnit(unit)
	if state, _ := p.State(); state != StateRunning {
		// killed before the unit was recorded
		if u := p.takeUnit(); u != nil {
			u.Stop()
		}
		return pid, nil
	}
	go k.pump(p)
	log.Debugf("[Kernel] spawned pid=%d ppid=%d image=%s argv=%v", pid, p.PPID, imagePath, p.Argv)
	return pid, nil
}

// Attach registers an externally driven unit talking over port
func (k *Kernel) Attach(port syscalls.Port, argv []string, opts SpawnOptions) *Process {
	p := newProcess(k.fs, argv, "attached", opts)
	p.port = port
	p.setUnit(portUnit{port: port})
	k.procs.Allocate(p)
	go k.pump(p)
	log.Debugf("[Kernel] attached pid=%d argv=%v", p.PID, p.Argv)
	return p
}

// Exit tears pid down: its unit is stopped, its descriptors dropped and
// its port closed, which abandons calls still in flight. The entry stays
// in the table until its parent reaps it with Wait, unless it has no
// running parent.
func (k *Kernel) Exit(pid, code int) error {
	p, err := k.procs.Running(pid)
	if err != nil {
		return err
	}
	if !p.markExited(code) {
		return fmt.Errorf("%w: pid %d has exited", common.ErrNoSuchProcess, pid)
	}
	p.port.Close()
	if u := p.takeUnit(); u != nil {
		u.Stop()
	}

	if _, err := k.procs.Running(p.PPID); p.PPID == 0 || err != nil {
		k.procs.Release(pid)
	}
	for _, child := range k.procs.Children(pid) {
		if state, _ := child.State(); state == StateExited {
			k.procs.Release(child.PID)
		}
	}
	log.Debugf("[Kernel] pid %d exited with %d", pid, code)
	return nil
}

// Wait reports the state of child pid of ppid, reaping it if it has exited
func (k *Kernel) Wait(ppid, pid int) (ProcessInfo, error) {
	p, err := k.procs.Get(pid)
	if err != nil {
		return ProcessInfo{}, err
	}
	if p.PPID != ppid {
		return ProcessInfo{}, fmt.Errorf("%w: pid %d is not a child of %d", common.ErrNoSuchProcess, pid, ppid)
	}
	info := p.Info()
	if info.State == StateExited {
		k.procs.Release(pid)
	}
	return info, nil
}

// Mount creates a backend of the given kind and mounts it at path
func (k *Kernel) Mount(kind, source, path string) error {
	k.backendsMu.RLock()
	f, ok := k.backends[kind]
	k.backendsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown backend %q", common.ErrBadArgument, kind)
	}
	b, err := f(source)
	if err != nil {
		return err
	}
	if err := k.fs.Mount(b, path); err != nil {
		if c, ok := b.(io.Closer); ok {
			c.Close()
		}
		return err
	}
	return nil
}

// Unmount removes the newest mount at path, closing its backend if it holds resources
func (k *Kernel) Unmount(path string) error {
	b, err := k.fs.Unmount(path)
	if err != nil {
		return err
	}
	if c, ok := b.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warnf("[Kernel] closing %s backend at %s: %v", b.Name(), path, err)
		}
	}
	return nil
}

// Reclaim frees unreachable inodes in every reclaiming backend,
// keeping whatever an open descriptor still refers to
func (k *Kernel) Reclaim() int {
	procs := k.procs.List()
	return k.fs.Reclaim(func(b vfs.Backend) map[int]bool {
		ids := make(map[int]bool)
		for _, p := range procs {
			p.pinned(b, ids)
		}
		return ids
	})
}

// WriteConsole writes text to the console
func (k *Kernel) WriteConsole(text string) (int, error) {
	k.consoleMu.Lock()
	defer k.consoleMu.Unlock()
	return io.WriteString(k.console, text)
}
