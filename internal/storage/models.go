package storage

import (
	"github.com/uptrace/bun"

	"vkernel/internal/ofs"
)

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// InodeModel represents the inodes table
type InodeModel struct {
	bun.BaseModel `bun:"table:inodes"`

	Ino    int64  `bun:"ino,pk,autoincrement"`
	Kind   string `bun:"kind,notnull"`
	Perms  string `bun:"perms,notnull"`
	Nlink  int64  `bun:"nlink,notnull"`
	Parent int64  `bun:"parent,notnull"`
	Size   int64  `bun:"size,notnull"`
	Mtime  int64  `bun:"mtime,notnull"` // Unix timestamp
}

// IsDir returns true if the inode is a directory
func (m *InodeModel) IsDir() bool {
	return m.Kind == ofs.KindDirectory.String()
}

// IsSymlink returns true if the inode is a symbolic link
func (m *InodeModel) IsSymlink() bool {
	return m.Kind == ofs.KindSymlink.String()
}

// KindValue maps the stored kind name back to ofs.Kind
func (m *InodeModel) KindValue() ofs.Kind {
	switch m.Kind {
	case ofs.KindDirectory.String():
		return ofs.KindDirectory
	case ofs.KindSymlink.String():
		return ofs.KindSymlink
	}
	return ofs.KindFile
}

// DentryModel represents the dentries table
type DentryModel struct {
	bun.BaseModel `bun:"table:dentries"`

	ParentIno int64  `bun:"parent_ino,pk"`
	Name      string `bun:"name,pk"`
	Ino       int64  `bun:"ino,notnull"`
}

// ContentModel represents the content table
type ContentModel struct {
	bun.BaseModel `bun:"table:content"`

	Ino  int64  `bun:"ino,pk"`
	Data string `bun:"data,notnull"`
}

// SymlinkModel represents the symlinks table
type SymlinkModel struct {
	bun.BaseModel `bun:"table:symlinks"`

	Ino    int64  `bun:"ino,pk"`
	Target string `bun:"target,notnull"`
}
