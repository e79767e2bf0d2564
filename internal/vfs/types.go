package vfs

import "vkernel/internal/ofs"

// Kind is the type of a filesystem entry
type Kind = ofs.Kind

// Perms is the read/write/execute tuple
type Perms = ofs.Perms

const (
	KindFile      = ofs.KindFile
	KindDirectory = ofs.KindDirectory
	KindSymlink   = ofs.KindSymlink
)

// Stat is the backend-neutral view of a container's attributes
type Stat struct {
	ID     int    `json:"id"`
	Gen    uint32 `json:"gen"`
	Kind   string `json:"kind"`
	Perms  Perms  `json:"perms"`
	Mode   string `json:"mode"`
	Links  int    `json:"links"`
	Size   int    `json:"size"`
	Target string `json:"target,omitempty"`
	Digest string `json:"digest,omitempty"`
	Mount  string `json:"mount,omitempty"`
}

// IsDir returns true if the stat describes a directory
func (s *Stat) IsDir() bool {
	return s.Kind == KindDirectory.String()
}

// MountInfo describes one mount table registration
type MountInfo struct {
	Path    string `json:"path"`
	Backend string `json:"backend"`
	Seq     uint64 `json:"seq"`
}
