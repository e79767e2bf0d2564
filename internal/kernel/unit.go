package kernel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"vkernel/internal/common"
	"vkernel/internal/syscalls"
)

// Unit is a running execution unit. Stop tears it down; it must be safe to
// call after the unit has already finished.
type Unit interface {
	Stop()
}

// UnitFactory launches an execution unit for a program image. The unit talks
// to the kernel only through port.
type UnitFactory interface {
	Start(inv *Invocation, port syscalls.Port) (Unit, error)
}

// Invocation is what a program receives at start
type Invocation struct {
	PID    int
	Argv   []string
	Image  string
	Client *syscalls.Client
}

// Program is the body of a goroutine-backed process. The return value is
// the exit code, sent to the kernel automatically.
type Program func(ctx context.Context, inv *Invocation) int

// Interpreter names the program used for images without a "#!" line
const Interpreter = "sh"

// ProgramName returns the program named by the image's "#!name" line,
// or Interpreter when there is none
func ProgramName(image string) string {
	line, _, _ := strings.Cut(image, "\n")
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "#!") {
		return Interpreter
	}
	fields := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(fields) == 0 {
		return Interpreter
	}
	// "#!/bin/echo" and "#!echo" both name echo
	return common.Name(fields[0])
}

// GoroutineFactory runs registered Programs on goroutines
type GoroutineFactory struct {
	mu       sync.RWMutex
	programs map[string]Program
}

// NewGoroutineFactory creates a factory with no programs
func NewGoroutineFactory() *GoroutineFactory {
	return &GoroutineFactory{programs: make(map[string]Program)}
}

// Register adds or replaces a program
func (f *GoroutineFactory) Register(name string, p Program) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programs[name] = p
}

// Programs returns the registered names, sorted
func (f *GoroutineFactory) Programs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.programs))
	for n := range f.programs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *GoroutineFactory) Start(inv *Invocation, port syscalls.Port) (Unit, error) {
	name := ProgramName(inv.Image)
	f.mu.RLock()
	prog, ok := f.programs[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no program %q", common.ErrBadArgument, name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &goroutineUnit{cancel: cancel, done: make(chan struct{})}
	inv.Client = syscalls.NewClient(port)

	go func() {
		defer close(u.done)
		defer inv.Client.Close()
		code := runProgram(ctx, name, prog, inv)
		if ctx.Err() != nil {
			return
		}
		if _, err := inv.Client.Call(ctx, "exit", code); err != nil {
			log.Tracef("[Kernel] pid %d exit call: %v", inv.PID, err)
		}
	}()
	return u, nil
}

func runProgram(ctx context.Context, name string, prog Program, inv *Invocation) (code int) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Kernel] program %s (pid %d) panicked: %v", name, inv.PID, r)
			code = 134
		}
	}()
	return prog(ctx, inv)
}

type goroutineUnit struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (u *goroutineUnit) Stop() {
	u.cancel()
}

// Done is closed once the program goroutine has returned
func (u *goroutineUnit) Done() <-chan struct{} {
	return u.done
}

// portUnit is an externally driven unit, e.g. an IPC connection.
// Stopping it closes the transport.
type portUnit struct {
	port syscalls.Port
}

func (u portUnit) Stop() {
	u.port.Close()
}
