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

// Package daemon hosts a kernel behind a unix socket: every connection is
// an attached process. It also owns the config directory, the optional
// NFS export and the single-instance lock.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vkernel/internal/common"
	"vkernel/internal/kernel"
	"vkernel/internal/loader"
	"vkernel/internal/ofs"
	"vkernel/internal/storage"
	"vkernel/internal/syscalls"
	"vkernel/internal/userland"
	"vkernel/internal/vfs"
)

func init() {
	// Default logging to discard until the daemon configures it
	log.SetOutput(io.Discard)
}

// maxLogSize is the size past which the log file is cut in half at start
const maxLogSize = 50 * 1024 * 1024

// Daemon runs one kernel and its IPC and NFS front ends
type Daemon struct {
	Settings *GlobalSettings
	Version  string

	// Console receives console syscall output; the log file when nil
	Console io.Writer

	kernel  *kernel.Kernel
	factory *kernel.GoroutineFactory
	ipc     *Server
	nfs     *NFSServer
	logFile *os.File
	cancel  context.CancelFunc
}

// New creates a new daemon instance
func New(settings *GlobalSettings) *Daemon {
	return &Daemon{Settings: settings, Version: "dev"}
}

// Kernel returns the kernel once Boot has run
func (d *Daemon) Kernel() *kernel.Kernel { return d.kernel }

// ParseLogLevel maps a settings log level onto logrus. ok is false for "none".
func ParseLogLevel(level string) (lvl log.Level, ok bool) {
	switch (&GlobalSettings{LogLevel: level}).NormalizedLogLevel() {
	case "none":
		return log.PanicLevel, false
	case "trace":
		return log.TraceLevel, true
	case "debug":
		return log.DebugLevel, true
	case "info":
		return log.InfoLevel, true
	case "warn":
		return log.WarnLevel, true
	default:
		return log.DebugLevel, true
	}
}

// setupLogging sends logrus to the log file at the configured level, or
// discards it for "none"
func (d *Daemon) setupLogging() error {
	level, ok := ParseLogLevel(d.Settings.LogLevel)
	if !ok {
		log.SetOutput(io.Discard)
		return nil
	}
	if err := truncateLogFile(LogPath(), maxLogSize); err != nil {
		// Non-fatal, just report to stderr
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	log.SetOutput(logFile)
	log.SetLevel(level)
	return nil
}

// truncateLogFile keeps the last half of path once it exceeds maxSize bytes
func truncateLogFile(path string, maxSize int64) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	start := len(data) - len(data)/2
	// Don't cut a line in the middle
	for i := start; i < len(data); i++ {
		if data[i] == '\n' {
			start = i + 1
			break
		}
	}
	kept := data[start:]
	header := []byte(fmt.Sprintf("--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(kept)))
	return os.WriteFile(path, append(header, kept...), 0600)
}

// backendFactories are the mount kinds the daemon adds to memory and proc
func backendFactories() map[string]kernel.BackendFactory {
	return map[string]kernel.BackendFactory{
		"sql": func(source string) (vfs.Backend, error) {
			if source == "" {
				return nil, fmt.Errorf("%w: sql backend needs a database path", common.ErrBadArgument)
			}
			if !filepath.IsAbs(source) {
				source = filepath.Join(ConfigDir(), source)
			}
			return storage.Open(source)
		},
		"host": func(source string) (vfs.Backend, error) {
			if source == "" {
				return nil, fmt.Errorf("%w: host backend needs a directory", common.ErrBadArgument)
			}
			return loadHostTree(source, loader.DefaultIgnoreFile, nil)
		},
	}
}

// loadHostTree copies hostDir into a fresh memory backend
func loadHostTree(hostDir, ignoreFile string, excludes []string) (*vfs.MemoryFS, error) {
	store := ofs.New()
	filter := loader.BuildFilter(hostDir, ignoreFile, excludes)
	if _, err := loader.Load(context.Background(), store, hostDir, filter); err != nil {
		return nil, fmt.Errorf("load %s: %w", hostDir, err)
	}
	return vfs.NewMemoryFSFrom(store), nil
}

// Boot builds the namespace and the kernel from the settings: the root
// backend (seeded from rootfs when set), then every configured mount.
// It does not start the dispatch loop.
func (d *Daemon) Boot() (*kernel.Kernel, error) {
	fs := vfs.New()
	var root vfs.Backend = vfs.NewMemoryFS()
	if d.Settings.RootFS != "" {
		seeded, err := loadHostTree(d.Settings.RootFS, d.Settings.IgnoreFile, d.Settings.Excludes)
		if err != nil {
			return nil, err
		}
		root = seeded
	}
	if err := fs.Mount(root, "/"); err != nil {
		return nil, err
	}

	console := d.Console
	if console == nil {
		console = log.StandardLogger().WriterLevel(log.InfoLevel)
	}
	d.factory = kernel.NewGoroutineFactory()
	userland.Register(d.factory)
	k := kernel.New(fs, kernel.Options{
		Console:  console,
		Factory:  d.factory,
		Backends: backendFactories(),
	})

	for _, m := range d.Settings.Mounts {
		if err := kernel.MkdirAll(fs, m.Path); err != nil {
			return nil, fmt.Errorf("mount %s: %w", m.Path, err)
		}
		if err := k.Mount(m.Backend, m.Source, m.Path); err != nil {
			return nil, fmt.Errorf("mount %s at %s: %w", m.Backend, m.Path, err)
		}
		log.Infof("[Kernel] mounted %s at %s", m.Backend, m.Path)
	}
	d.kernel = k
	d.registerSyscalls()
	return k, nil
}

// registerSyscalls adds the daemon-level syscalls
func (d *Daemon) registerSyscalls() {
	d.kernel.Dispatcher().Register(SyscallInfo, func(context.Context, *kernel.Process, syscalls.Args) (any, error) {
		return d.Info(), nil
	})
	d.kernel.Dispatcher().Register(SyscallShutdown, func(_ context.Context, p *kernel.Process, _ syscalls.Args) (any, error) {
		log.Infof("[Kernel] shutdown requested by pid %d", p.PID)
		if d.cancel != nil {
			d.cancel()
		}
		return nil, nil
	})
}

// Info describes the running daemon
func (d *Daemon) Info() Info {
	info := Info{
		PID:       os.Getpid(),
		Version:   d.Version,
		Uptime:    d.kernel.Uptime().Round(time.Second).String(),
		Socket:    d.Settings.SocketOrDefault(),
		Processes: d.kernel.Processes().Len(),
		Backends:  d.kernel.BackendKinds(),
		Programs:  d.factory.Programs(),
	}
	if d.nfs != nil {
		info.NFS = d.nfs.Addr()
	}
	return info
}

// Run starts the daemon and blocks until ctx is done, a signal arrives or
// a client calls shutdown
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	// Acquire exclusive lock
	lock := flock.New(LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer lock.Unlock()

	if err := d.setupLogging(); err != nil {
		return err
	}
	if d.logFile != nil {
		defer d.logFile.Close()
	}

	socket := d.Settings.SocketOrDefault()
	if result := CleanupStale(socket); result.CleanedPidFile || result.CleanedSocket {
		log.Infof("[Kernel] startup cleanup: %s", FormatCleanupResult(result))
	}

	if err := writePidFile(); err != nil {
		return err
	}
	defer removePidFile()

	k, err := d.Boot()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.cancel = cancel

	d.ipc = NewServer(socket, k)
	if err := d.ipc.Start(); err != nil {
		return err
	}
	defer d.ipc.Stop()

	if d.Settings.NFSListen != "" {
		d.nfs = NewNFSServer(k.FS())
		if err := d.nfs.Listen(d.Settings.NFSListen); err != nil {
			return err
		}
	}

	log.Infof("[Kernel] daemon started (PID %d, version %s)", os.Getpid(), d.Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return k.Run(gctx)
	})
	if d.nfs != nil {
		g.Go(d.nfs.Serve)
	}
	g.Go(func() error {
		<-gctx.Done()
		d.ipc.Stop()
		if d.nfs != nil {
			d.nfs.Shutdown()
		}
		k.Stop()
		return nil
	})

	err = g.Wait()
	mounts := k.FS().Mounts()
	for i := len(mounts) - 1; i >= 0; i-- {
		// newest first, so nested mounts go before their parents
		if m := mounts[i]; m.Path != "/" {
			if uerr := k.Unmount(m.Path); uerr != nil {
				log.Warnf("[Kernel] unmount %s: %v", m.Path, uerr)
			}
		}
	}
	log.Infof("[Kernel] daemon stopped")
	return err
}
