package kernel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"vkernel/internal/common"
	"vkernel/internal/vfs"
)

// procFiles are the read-only files under /proc/<pid>
var procFiles = []string{"cmdline", "cwd", "environ", "status", "fds"}

// ProcFS is a read-only live view of the process table.
// Ids: 0 is the root, pid<<4 is a pid directory, pid<<4|n+1 is procFiles[n].
type ProcFS struct {
	procs *ProcessTable
}

// NewProcFS creates a view over procs
func NewProcFS(procs *ProcessTable) *ProcFS {
	return &ProcFS{procs: procs}
}

func (fs *ProcFS) Name() string { return "proc" }

func (fs *ProcFS) Resolve(segs []string) (vfs.Container, error) {
	return fs.ResolveHard(segs)
}

func (fs *ProcFS) ResolveHard(segs []string) (vfs.Container, error) {
	if common.IsRoot(segs) {
		return &procNode{fs: fs, id: 0, kind: vfs.KindDirectory}, nil
	}
	pid, err := strconv.Atoi(segs[0])
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("%w: /proc/%s", common.ErrPathNotFound, segs[0])
	}
	if _, err := fs.procs.Get(pid); err != nil {
		return nil, fmt.Errorf("%w: /proc/%d", common.ErrPathNotFound, pid)
	}
	switch len(segs) {
	case 1:
		return &procNode{fs: fs, id: pid << 4, pid: pid, kind: vfs.KindDirectory}, nil
	case 2:
		for i, name := range procFiles {
			if segs[1] == name {
				return &procNode{fs: fs, id: pid<<4 | (i + 1), pid: pid, file: name, kind: vfs.KindFile}, nil
			}
		}
		return nil, fmt.Errorf("%w: /proc/%d/%s", common.ErrPathNotFound, pid, segs[1])
	default:
		return nil, fmt.Errorf("%w: /proc/%s", common.ErrNotDir, strings.Join(segs[:2], "/"))
	}
}

type procNode struct {
	fs   *ProcFS
	id   int
	pid  int
	file string
	kind vfs.Kind
}

func (n *procNode) ID() int        { return n.id }
func (n *procNode) Kind() vfs.Kind { return n.kind }

func (n *procNode) Stat() (*vfs.Stat, error) {
	perms := vfs.Perms{Read: true}
	size := 0
	if n.kind == vfs.KindDirectory {
		perms.Execute = true
		children, err := n.Children()
		if err != nil {
			return nil, err
		}
		size = len(children)
	} else {
		data, err := n.Data()
		if err != nil {
			return nil, err
		}
		size = len(data)
	}
	return &vfs.Stat{
		ID:    n.id,
		Kind:  n.kind.String(),
		Perms: perms,
		Mode:  perms.String(),
		Links: 1,
		Size:  size,
	}, nil
}

func (n *procNode) Data() (string, error) {
	if n.kind == vfs.KindDirectory {
		return "", fmt.Errorf("%w: /proc/%d", common.ErrIsDir, n.pid)
	}
	p, err := n.fs.procs.Get(n.pid)
	if err != nil {
		return "", fmt.Errorf("%w: /proc/%d", common.ErrStaleInode, n.pid)
	}
	switch n.file {
	case "cmdline":
		return strings.Join(p.Argv, "\x00"), nil
	case "cwd":
		return p.Getcwd(), nil
	case "environ":
		return p.environLines(), nil
	case "status":
		data, err := json.MarshalIndent(p.Info(), "", "  ")
		return string(data), err
	case "fds":
		data, err := json.MarshalIndent(p.Descriptors(), "", "  ")
		return string(data), err
	}
	return "", fmt.Errorf("%w: /proc/%d/%s", common.ErrPathNotFound, n.pid, n.file)
}

func (n *procNode) SetData(string, bool) error {
	return fmt.Errorf("%w: /proc", common.ErrReadOnly)
}

func (n *procNode) Children() (map[string]int, error) {
	if n.kind != vfs.KindDirectory {
		return nil, fmt.Errorf("%w: /proc/%d/%s", common.ErrNotDir, n.pid, n.file)
	}
	if n.id == 0 {
		out := map[string]int{".": 0, "..": 0}
		for _, p := range n.fs.procs.List() {
			out[strconv.Itoa(p.PID)] = p.PID << 4
		}
		return out, nil
	}
	if _, err := n.fs.procs.Get(n.pid); err != nil {
		return nil, fmt.Errorf("%w: /proc/%d", common.ErrStaleInode, n.pid)
	}
	out := map[string]int{".": n.id, "..": 0}
	for i, name := range procFiles {
		out[name] = n.id | (i + 1)
	}
	return out, nil
}
