package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"vkernel/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
// Every query takes a bun.IDB so it can run inside a transaction.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	return &BunDB{DB: bun.NewDB(sqlDB, sqlitedialect.New())}
}

// GetSchemaInfo retrieves a schema_info value by key
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().Model(&info).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return info.Value, err
}

// --- Inode Operations ---

// GetInode returns inode ino, or ErrStaleInode when it no longer exists
func (db *BunDB) GetInode(idb bun.IDB, ctx context.Context, ino int64) (*InodeModel, error) {
	var inode InodeModel
	err := idb.NewSelect().Model(&inode).Where("ino = ?", ino).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: inode %d", common.ErrStaleInode, ino)
	}
	if err != nil {
		return nil, err
	}
	return &inode, nil
}

// CreateInode inserts model and fills in its assigned ino.
// Uses RETURNING because libsql doesn't support LastInsertId.
func (db *BunDB) CreateInode(idb bun.IDB, ctx context.Context, model *InodeModel) error {
	model.Mtime = time.Now().Unix()
	_, err := idb.NewInsert().Model(model).Returning("ino").Exec(ctx)
	return err
}

// AdjustNlink adds delta to the link count of ino
func (db *BunDB) AdjustNlink(idb bun.IDB, ctx context.Context, ino, delta int64) error {
	_, err := idb.NewUpdate().
		Model((*InodeModel)(nil)).
		Set("nlink = nlink + ?", delta).
		Set("mtime = ?", time.Now().Unix()).
		Where("ino = ?", ino).
		Exec(ctx)
	return err
}

// SetPerms replaces the permission string of ino
func (db *BunDB) SetPerms(idb bun.IDB, ctx context.Context, ino int64, perms string) error {
	res, err := idb.NewUpdate().
		Model((*InodeModel)(nil)).
		Set("perms = ?", perms).
		Where("ino = ?", ino).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: inode %d", common.ErrStaleInode, ino)
	}
	return nil
}

// DeleteInode removes ino and everything hanging off it
func (db *BunDB) DeleteInode(idb bun.IDB, ctx context.Context, ino int64) error {
	if _, err := idb.NewDelete().Model((*ContentModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	if _, err := idb.NewDelete().Model((*SymlinkModel)(nil)).Where("ino = ?", ino).Exec(ctx); err != nil {
		return err
	}
	_, err := idb.NewDelete().Model((*InodeModel)(nil)).Where("ino = ?", ino).Exec(ctx)
	return err
}

// ListUnlinked returns inodes with no remaining directory entries
func (db *BunDB) ListUnlinked(idb bun.IDB, ctx context.Context) ([]int64, error) {
	var inos []int64
	err := idb.NewSelect().
		Model((*InodeModel)(nil)).
		Column("ino").
		Where("nlink <= 0").
		Where("ino != ?", RootIno).
		Order("ino").
		Scan(ctx, &inos)
	return inos, err
}

// CountInodes returns the number of stored inodes
func (db *BunDB) CountInodes(idb bun.IDB, ctx context.Context) (int, error) {
	return idb.NewSelect().Model((*InodeModel)(nil)).Count(ctx)
}

// --- Dentry Operations ---

// Lookup returns the ino named name inside parent, or ErrPathNotFound
func (db *BunDB) Lookup(idb bun.IDB, ctx context.Context, parent int64, name string) (int64, error) {
	var d DentryModel
	err := idb.NewSelect().
		Model(&d).
		Where("parent_ino = ?", parent).
		Where("name = ?", name).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, common.ErrPathNotFound
	}
	if err != nil {
		return 0, err
	}
	return d.Ino, nil
}

// CreateDentry links ino into parent as name
func (db *BunDB) CreateDentry(idb bun.IDB, ctx context.Context, parent int64, name string, ino int64) error {
	_, err := idb.NewInsert().
		Model(&DentryModel{ParentIno: parent, Name: name, Ino: ino}).
		Exec(ctx)
	return err
}

// DeleteDentry removes name from parent
func (db *BunDB) DeleteDentry(idb bun.IDB, ctx context.Context, parent int64, name string) error {
	_, err := idb.NewDelete().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parent).
		Where("name = ?", name).
		Exec(ctx)
	return err
}

// ListDentries returns every entry of parent
func (db *BunDB) ListDentries(idb bun.IDB, ctx context.Context, parent int64) ([]DentryModel, error) {
	var entries []DentryModel
	err := idb.NewSelect().
		Model(&entries).
		Where("parent_ino = ?", parent).
		Order("name").
		Scan(ctx)
	return entries, err
}

// CountDentries returns the number of entries in parent
func (db *BunDB) CountDentries(idb bun.IDB, ctx context.Context, parent int64) (int, error) {
	return idb.NewSelect().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parent).
		Count(ctx)
}

// --- Content Operations ---

// ReadContent returns the contents of file ino
func (db *BunDB) ReadContent(idb bun.IDB, ctx context.Context, ino int64) (string, error) {
	var c ContentModel
	err := idb.NewSelect().Model(&c).Where("ino = ?", ino).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return c.Data, err
}

// WriteContent replaces the contents of file ino and records its size
func (db *BunDB) WriteContent(idb bun.IDB, ctx context.Context, ino int64, data string) error {
	_, err := idb.NewInsert().
		Model(&ContentModel{Ino: ino, Data: data}).
		On("CONFLICT (ino) DO UPDATE").
		Set("data = EXCLUDED.data").
		Exec(ctx)
	if err != nil {
		return err
	}
	_, err = idb.NewUpdate().
		Model((*InodeModel)(nil)).
		Set("size = ?", len(data)).
		Set("mtime = ?", time.Now().Unix()).
		Where("ino = ?", ino).
		Exec(ctx)
	return err
}

// --- Symlink Operations ---

// ReadSymlink returns the stored target of ino
func (db *BunDB) ReadSymlink(idb bun.IDB, ctx context.Context, ino int64) (string, error) {
	var s SymlinkModel
	err := idb.NewSelect().Model(&s).Where("ino = ?", ino).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: symlink %d has no target", common.ErrStaleInode, ino)
	}
	return s.Target, err
}

// CreateSymlink records the target of ino
func (db *BunDB) CreateSymlink(idb bun.IDB, ctx context.Context, ino int64, target string) error {
	_, err := idb.NewInsert().Model(&SymlinkModel{Ino: ino, Target: target}).Exec(ctx)
	return err
}
