package ofs

import (
	"fmt"
	"maps"
)

// Kind is the type of a filesystem entry
type Kind int

const (
	// KindFile is a regular file
	KindFile Kind = iota
	// KindDirectory is a directory
	KindDirectory
	// KindSymlink is a symbolic link
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Perms is the read/write/execute tuple carried by every inode
type Perms struct {
	Read    bool `json:"read"`
	Write   bool `json:"write"`
	Execute bool `json:"execute"`
}

// Default permissions
var (
	DefaultFilePerms    = Perms{Read: true, Write: true}
	DefaultDirPerms     = Perms{Read: true, Write: true, Execute: true}
	DefaultSymlinkPerms = Perms{Read: true, Write: true, Execute: true}
)

// String renders perms as "rwx" with "-" for missing bits
func (p Perms) String() string {
	b := []byte("---")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	return string(b)
}

// ParsePerms parses the three-character form produced by Perms.String
func ParsePerms(s string) (Perms, error) {
	if len(s) != 3 {
		return Perms{}, fmt.Errorf("perms %q: want 3 characters", s)
	}
	var p Perms
	for i, want := range []byte("rwx") {
		switch s[i] {
		case want:
			switch i {
			case 0:
				p.Read = true
			case 1:
				p.Write = true
			case 2:
				p.Execute = true
			}
		case '-':
		default:
			return Perms{}, fmt.Errorf("perms %q: unexpected %q at %d", s, s[i], i)
		}
	}
	return p, nil
}

// Ref identifies an inode slot at a particular generation.
// A Ref taken before its slot was reclaimed no longer resolves.
type Ref struct {
	ID  int
	Gen uint32
}

// Inode represents one filesystem entry
type Inode struct {
	ID       int
	Gen      uint32
	Kind     Kind
	Links    int
	Perms    Perms
	Contents string         // files only
	Children map[string]int // directories only; always holds "." and ".."
	Target   string         // symlinks only, cleaned
}

// IsDir returns true if the inode is a directory
func (i *Inode) IsDir() bool {
	return i.Kind == KindDirectory
}

// IsFile returns true if the inode is a regular file
func (i *Inode) IsFile() bool {
	return i.Kind == KindFile
}

// IsSymlink returns true if the inode is a symbolic link
func (i *Inode) IsSymlink() bool {
	return i.Kind == KindSymlink
}

// Ref returns the generation-tagged reference for this inode
func (i *Inode) Ref() Ref {
	return Ref{ID: i.ID, Gen: i.Gen}
}

// Size is the content length for files and the target length for symlinks
func (i *Inode) Size() int {
	switch i.Kind {
	case KindFile:
		return len(i.Contents)
	case KindSymlink:
		return len(i.Target)
	default:
		return len(i.Children)
	}
}

// snapshot returns a copy safe to hand out past the store lock
func (i *Inode) snapshot() *Inode {
	cp := *i
	if i.Children != nil {
		cp.Children = maps.Clone(i.Children)
	}
	return &cp
}
