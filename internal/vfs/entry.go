package vfs

import (
	"fmt"
	"sort"

	"vkernel/internal/common"
)

// Entry is the router's uniform view over a resolved container.
// Access is gated by the container's permission bits and kind.
type Entry struct {
	Path    string // global, clean
	Local   string // path inside the owning backend
	Mount   string
	Backend Backend
	c       Container
}

// NewEntry wraps a container that was resolved outside the router
func NewEntry(path, mountPath string, b Backend, c Container) *Entry {
	return &Entry{
		Path:    common.Clean(path),
		Local:   common.TrimPrefix(path, mountPath),
		Mount:   common.Clean(mountPath),
		Backend: b,
		c:       c,
	}
}

func (e *Entry) ID() int              { return e.c.ID() }
func (e *Entry) Kind() Kind           { return e.c.Kind() }
func (e *Entry) Container() Container { return e.c }

// Stat returns live attributes with the owning mount filled in
func (e *Entry) Stat() (*Stat, error) {
	st, err := e.c.Stat()
	if err != nil {
		return nil, err
	}
	st.Mount = e.Mount
	return st, nil
}

// Perms returns the current permission bits
func (e *Entry) Perms() (Perms, error) {
	st, err := e.c.Stat()
	if err != nil {
		return Perms{}, err
	}
	return st.Perms, nil
}

// Data returns the contents; requires read permission and a non-directory
func (e *Entry) Data() (string, error) {
	if e.c.Kind() == KindDirectory {
		return "", fmt.Errorf("%w: %s", common.ErrIsDir, e.Path)
	}
	p, err := e.Perms()
	if err != nil {
		return "", err
	}
	if !p.Read {
		return "", fmt.Errorf("%w: read %s", common.ErrPermissionDenied, e.Path)
	}
	return e.c.Data()
}

// SetData replaces or appends contents; requires write permission
func (e *Entry) SetData(data string, appendMode bool) error {
	if e.c.Kind() == KindDirectory {
		return fmt.Errorf("%w: %s", common.ErrIsDir, e.Path)
	}
	p, err := e.Perms()
	if err != nil {
		return err
	}
	if !p.Write {
		return fmt.Errorf("%w: write %s", common.ErrPermissionDenied, e.Path)
	}
	return e.c.SetData(data, appendMode)
}

// ListChildren returns the sorted child names, without "." and ".."
func (e *Entry) ListChildren() ([]string, error) {
	if e.c.Kind() != KindDirectory {
		return nil, fmt.Errorf("%w: %s", common.ErrNotDir, e.Path)
	}
	p, err := e.Perms()
	if err != nil {
		return nil, err
	}
	if !p.Read {
		return nil, fmt.Errorf("%w: list %s", common.ErrPermissionDenied, e.Path)
	}
	children, err := e.c.Children()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(children))
	for name := range children {
		if name == "." || name == ".." {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
