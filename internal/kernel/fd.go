package kernel

import (
	"fmt"

	"vkernel/internal/common"
	"vkernel/internal/vfs"
)

// Mode is the access vector fixed when a descriptor is opened
type Mode struct {
	Read     bool `json:"read"`
	Write    bool `json:"write"`
	Truncate bool `json:"truncate"`
	Create   bool `json:"create"`
	Append   bool `json:"append"`
}

var modes = map[string]Mode{
	"r":  {Read: true},
	"r+": {Read: true, Write: true},
	"w":  {Write: true, Truncate: true, Create: true},
	"w+": {Read: true, Write: true, Truncate: true, Create: true},
	"a":  {Write: true, Create: true, Append: true},
	"a+": {Read: true, Write: true, Create: true, Append: true},
}

// ParseMode maps an fopen-style mode string to its access vector
func ParseMode(s string) (Mode, error) {
	m, ok := modes[s]
	if !ok {
		return Mode{}, fmt.Errorf("%w: unknown open mode %q", common.ErrBadArgument, s)
	}
	return m, nil
}

// FileDescriptor binds one open call to a resolved entry
type FileDescriptor struct {
	Path     string
	ModeName string
	Mode     Mode
	Entry    *vfs.Entry
}

// Kind is the kind of the entry the descriptor was opened on
func (fd *FileDescriptor) Kind() vfs.Kind {
	return fd.Entry.Kind()
}

// Read returns the whole contents
func (fd *FileDescriptor) Read() (string, error) {
	if !fd.Mode.Read {
		return "", fmt.Errorf("%w: %s opened %q", common.ErrPermissionDenied, fd.Path, fd.ModeName)
	}
	return fd.Entry.Data()
}

// Write appends in append mode and replaces the contents otherwise
func (fd *FileDescriptor) Write(data string) error {
	if !fd.Mode.Write {
		return fmt.Errorf("%w: %s opened %q", common.ErrPermissionDenied, fd.Path, fd.ModeName)
	}
	return fd.Entry.SetData(data, fd.Mode.Append)
}

// FDInfo is the wire view of an open descriptor
type FDInfo struct {
	FD    int    `json:"fd"`
	Path  string `json:"path"`
	Mode  string `json:"mode"`
	Kind  string `json:"kind"`
	Inode int    `json:"inode"`
}
