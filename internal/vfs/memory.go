package vfs

import (
	"fmt"

	"vkernel/internal/common"
	"vkernel/internal/ofs"
)

// MemoryFS mounts an ofs.Store
type MemoryFS struct {
	store *ofs.Store
}

// NewMemoryFS creates a backend over a fresh store
func NewMemoryFS() *MemoryFS {
	return &MemoryFS{store: ofs.New()}
}

// NewMemoryFSFrom wraps an existing store, e.g. one seeded by the loader
func NewMemoryFSFrom(store *ofs.Store) *MemoryFS {
	return &MemoryFS{store: store}
}

// Store returns the underlying inode store
func (m *MemoryFS) Store() *ofs.Store {
	return m.store
}

func (m *MemoryFS) Name() string { return "memory" }

func (m *MemoryFS) Resolve(segs []string) (Container, error) {
	n, err := m.store.Resolve(segs)
	if err != nil {
		return nil, err
	}
	return m.wrap(n), nil
}

func (m *MemoryFS) ResolveHard(segs []string) (Container, error) {
	n, err := m.store.ResolveHard(segs)
	if err != nil {
		return nil, err
	}
	return m.wrap(n), nil
}

func (m *MemoryFS) CreateFile(parent, name string) (Container, error) {
	n, err := m.store.CreateFile(parent, name)
	if err != nil {
		return nil, err
	}
	return m.wrap(n), nil
}

func (m *MemoryFS) CreateDirectory(parent, name string) (Container, error) {
	n, err := m.store.CreateDirectory(parent, name)
	if err != nil {
		return nil, err
	}
	return m.wrap(n), nil
}

func (m *MemoryFS) AddLink(parent, name string, target int) error {
	_, err := m.store.AddLink(parent, name, target)
	return err
}

func (m *MemoryFS) AddSymlink(parent, name, target string) error {
	_, err := m.store.AddSymlink(parent, name, target)
	return err
}

func (m *MemoryFS) Remove(parent, name string) error {
	return m.store.Remove(parent, name)
}

func (m *MemoryFS) SetPerms(id int, p Perms) error {
	return m.store.SetPerms(id, p)
}

func (m *MemoryFS) Reclaim(pinned map[int]bool) int {
	return m.store.Reclaim(pinned)
}

func (m *MemoryFS) wrap(n *ofs.Inode) *memNode {
	return &memNode{store: m.store, ref: n.Ref(), kind: n.Kind}
}

// memNode is a generation-checked handle on one inode
type memNode struct {
	store *ofs.Store
	ref   ofs.Ref
	kind  Kind
}

func (n *memNode) ID() int    { return n.ref.ID }
func (n *memNode) Kind() Kind { return n.kind }

func (n *memNode) Stat() (*Stat, error) {
	in, err := n.store.Lookup(n.ref)
	if err != nil {
		return nil, err
	}
	return &Stat{
		ID:     in.ID,
		Gen:    in.Gen,
		Kind:   in.Kind.String(),
		Perms:  in.Perms,
		Mode:   in.Perms.String(),
		Links:  in.Links,
		Size:   in.Size(),
		Target: in.Target,
	}, nil
}

func (n *memNode) Data() (string, error) {
	if _, err := n.store.Lookup(n.ref); err != nil {
		return "", err
	}
	return n.store.ReadContents(n.ref.ID)
}

func (n *memNode) SetData(data string, appendMode bool) error {
	if _, err := n.store.Lookup(n.ref); err != nil {
		return err
	}
	if n.kind == KindSymlink {
		return fmt.Errorf("%w: cannot write symlink inode %d", common.ErrBadArgument, n.ref.ID)
	}
	if appendMode {
		return n.store.AppendContents(n.ref.ID, data)
	}
	return n.store.WriteContents(n.ref.ID, data)
}

func (n *memNode) Children() (map[string]int, error) {
	in, err := n.store.Lookup(n.ref)
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		return nil, fmt.Errorf("%w: inode %d", common.ErrNotDir, in.ID)
	}
	return in.Children, nil
}
