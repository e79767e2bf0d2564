package kernel

import (
	"fmt"
	"sort"
	"sync"

	"vkernel/internal/common"
)

// ProcessTable holds every process, running or exited but not yet reaped
type ProcessTable struct {
	mu      sync.RWMutex
	procs   map[int]*Process
	nextPID int
}

// NewProcessTable creates an empty table; the first pid is 1
func NewProcessTable() *ProcessTable {
	return &ProcessTable{
		procs:   make(map[int]*Process),
		nextPID: 1,
	}
}

// Allocate assigns the next pid to p and registers it
func (t *ProcessTable) Allocate(p *Process) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid := t.nextPID
	t.nextPID++
	p.PID = pid
	t.procs[pid] = p
	return pid
}

// Get returns the process with pid, including exited ones awaiting reaping
func (t *ProcessTable) Get(pid int) (*Process, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[pid]
	if !ok {
		return nil, fmt.Errorf("%w: pid %d", common.ErrNoSuchProcess, pid)
	}
	return p, nil
}

// Running returns the process with pid only if it has not exited
func (t *ProcessTable) Running(pid int) (*Process, error) {
	p, err := t.Get(pid)
	if err != nil {
		return nil, err
	}
	if state, _ := p.State(); state != StateRunning {
		return nil, fmt.Errorf("%w: pid %d has exited", common.ErrNoSuchProcess, pid)
	}
	return p, nil
}

// Release removes pid from the table
func (t *ProcessTable) Release(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// List returns all processes ordered by pid
func (t *ProcessTable) List() []*Process {
	t.mu.RLock()
	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Children returns the processes whose parent is ppid
func (t *ProcessTable) Children(ppid int) []*Process {
	var out []*Process
	for _, p := range t.List() {
		if p.PPID == ppid {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of entries, exited ones included
func (t *ProcessTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}

// Clear removes every entry, returning how many were removed.
// Pids are not reused afterwards.
func (t *ProcessTable) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := len(t.procs)
	t.procs = make(map[int]*Process)
	return count
}
