// Copyright 2024 vkernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage is a persistent mountable backend: inodes, directory
// entries, contents and symlink targets live in a SQLite database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"vkernel/internal/common"
	"vkernel/internal/ofs"
	"vkernel/internal/util"
	"vkernel/internal/vfs"
)

// SQLFS is a vfs backend over one database file
type SQLFS struct {
	path  string
	db    *sql.DB
	bunDB *BunDB

	// mu serializes namespace changes; each also runs in a transaction
	mu sync.Mutex
}

var (
	_ vfs.Mutable   = (*SQLFS)(nil)
	_ vfs.Reclaimer = (*SQLFS)(nil)
)

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters.
func applyPragmas(db *sql.DB) error {
	// Busy timeout first so journal_mode=WAL waits for locks instead of failing
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout())); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	return nil
}

// Open opens the database at path, creating it and its root directory if needed
func Open(path string) (*SQLFS, error) {
	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps transactions and PRAGMAs on the same session
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := execStatements(db, fsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := execStatements(db, initRootDir, SchemaVersion, ofs.DefaultDirPerms.String()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize root: %w", err)
	}

	fs := &SQLFS{path: path, db: db, bunDB: NewBunDB(db)}
	version, err := fs.bunDB.GetSchemaInfo(context.Background(), "version")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if version != SchemaVersion {
		db.Close()
		return nil, fmt.Errorf("%w: %s has schema version %q, want %q", common.ErrBadArgument, path, version, SchemaVersion)
	}
	log.Debugf("[SQLFS] opened %s", path)
	return fs, nil
}

// Path returns the database file path
func (fs *SQLFS) Path() string { return fs.path }

// DB returns the Bun wrapper, for inspection
func (fs *SQLFS) DB() *BunDB { return fs.bunDB }

// Close closes the database
func (fs *SQLFS) Close() error {
	log.Debugf("[SQLFS] closing %s", fs.path)
	return fs.db.Close()
}

func (fs *SQLFS) Name() string { return "sql" }

// write runs fn in a transaction, retrying while the database is locked
func (fs *SQLFS) write(fn func(ctx context.Context, tx bun.Tx) error) error {
	ctx := context.Background()
	return util.Retry(ctx, func() error {
		return fs.bunDB.RunInTx(ctx, nil, fn)
	}, util.DatabaseRetryOptions(ctx)...)
}

// --- Resolution ---

func (fs *SQLFS) resolveHard(idb bun.IDB, ctx context.Context, segs []string) (*InodeModel, error) {
	cur, err := fs.bunDB.GetInode(idb, ctx, RootIno)
	if err != nil {
		return nil, err
	}
	if common.IsRoot(segs) {
		return cur, nil
	}
	for i, seg := range segs {
		if !cur.IsDir() {
			return nil, fmt.Errorf("%w: /%s", common.ErrNotDir, strings.Join(segs[:i], "/"))
		}
		ino, err := fs.bunDB.Lookup(idb, ctx, cur.Ino, seg)
		if errors.Is(err, common.ErrPathNotFound) {
			return nil, fmt.Errorf("%w: /%s", common.ErrPathNotFound, strings.Join(segs[:i+1], "/"))
		}
		if err != nil {
			return nil, err
		}
		if cur, err = fs.bunDB.GetInode(idb, ctx, ino); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func (fs *SQLFS) resolve(idb bun.IDB, ctx context.Context, segs []string) (*InodeModel, error) {
	for hops := 0; ; hops++ {
		if hops >= ofs.MaxSymlinkHops {
			return nil, fmt.Errorf("%w: /%s", common.ErrSymlinkLoop, strings.Join(segs, "/"))
		}
		n, err := fs.resolveHard(idb, ctx, segs)
		if err != nil {
			return nil, err
		}
		if !n.IsSymlink() {
			return n, nil
		}
		target, err := fs.bunDB.ReadSymlink(idb, ctx, n.Ino)
		if err != nil {
			return nil, err
		}
		segs = common.Segments(target)
	}
}

func (fs *SQLFS) Resolve(segs []string) (vfs.Container, error) {
	n, err := fs.resolve(fs.bunDB, context.Background(), segs)
	if err != nil {
		return nil, err
	}
	return fs.wrap(n), nil
}

func (fs *SQLFS) ResolveHard(segs []string) (vfs.Container, error) {
	n, err := fs.resolveHard(fs.bunDB, context.Background(), segs)
	if err != nil {
		return nil, err
	}
	return fs.wrap(n), nil
}

// --- Namespace changes ---

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", common.ErrInvalidName, name)
	}
	return nil
}

// parentTx resolves parentPath to a directory and checks name is free
func (fs *SQLFS) parentTx(tx bun.Tx, ctx context.Context, parentPath, name string) (*InodeModel, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	parent, err := fs.resolve(tx, ctx, common.Segments(parentPath))
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, fmt.Errorf("%w: %s", common.ErrNotDir, common.Clean(parentPath))
	}
	_, err = fs.bunDB.Lookup(tx, ctx, parent.Ino, name)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", common.ErrExists, common.Join(parentPath, name))
	case !errors.Is(err, common.ErrPathNotFound):
		return nil, err
	}
	return parent, nil
}

// create inserts a new inode of kind under parentPath/name
func (fs *SQLFS) create(parentPath, name string, kind ofs.Kind, perms ofs.Perms, target string) (*InodeModel, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var created *InodeModel
	err := fs.write(func(ctx context.Context, tx bun.Tx) error {
		parent, err := fs.parentTx(tx, ctx, parentPath, name)
		if err != nil {
			return err
		}
		n := &InodeModel{Kind: kind.String(), Perms: perms.String(), Nlink: 1}
		if kind == ofs.KindDirectory {
			n.Parent = parent.Ino
		}
		if err := fs.bunDB.CreateInode(tx, ctx, n); err != nil {
			return err
		}
		switch kind {
		case ofs.KindFile:
			err = fs.bunDB.WriteContent(tx, ctx, n.Ino, "")
		case ofs.KindSymlink:
			err = fs.bunDB.CreateSymlink(tx, ctx, n.Ino, target)
		}
		if err != nil {
			return err
		}
		if err := fs.bunDB.CreateDentry(tx, ctx, parent.Ino, name, n.Ino); err != nil {
			return err
		}
		created = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Tracef("[SQLFS] create %s %s/%s → ino=%d", kind, common.Clean(parentPath), name, created.Ino)
	return created, nil
}

func (fs *SQLFS) CreateFile(parent, name string) (vfs.Container, error) {
	n, err := fs.create(parent, name, ofs.KindFile, ofs.DefaultFilePerms, "")
	if err != nil {
		return nil, err
	}
	return fs.wrap(n), nil
}

func (fs *SQLFS) CreateDirectory(parent, name string) (vfs.Container, error) {
	n, err := fs.create(parent, name, ofs.KindDirectory, ofs.DefaultDirPerms, "")
	if err != nil {
		return nil, err
	}
	return fs.wrap(n), nil
}

func (fs *SQLFS) AddSymlink(parent, name, target string) error {
	_, err := fs.create(parent, name, ofs.KindSymlink, ofs.DefaultSymlinkPerms, common.Clean(target))
	return err
}

func (fs *SQLFS) AddLink(parentPath, name string, target int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.write(func(ctx context.Context, tx bun.Tx) error {
		parent, err := fs.parentTx(tx, ctx, parentPath, name)
		if err != nil {
			return err
		}
		n, err := fs.bunDB.GetInode(tx, ctx, int64(target))
		if err != nil {
			return err
		}
		if n.IsDir() {
			return fmt.Errorf("%w: cannot hard link inode %d", common.ErrIsDir, target)
		}
		if err := fs.bunDB.CreateDentry(tx, ctx, parent.Ino, name, n.Ino); err != nil {
			return err
		}
		return fs.bunDB.AdjustNlink(tx, ctx, n.Ino, 1)
	})
}

// Remove deletes the entry. The inode row stays until Reclaim, so open
// descriptors keep working.
func (fs *SQLFS) Remove(parentPath, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.write(func(ctx context.Context, tx bun.Tx) error {
		parent, err := fs.resolve(tx, ctx, common.Segments(parentPath))
		if err != nil {
			return err
		}
		if !parent.IsDir() {
			return fmt.Errorf("%w: %s", common.ErrNotDir, common.Clean(parentPath))
		}
		ino, err := fs.bunDB.Lookup(tx, ctx, parent.Ino, name)
		if errors.Is(err, common.ErrPathNotFound) {
			return fmt.Errorf("%w: %s", common.ErrPathNotFound, common.Join(parentPath, name))
		}
		if err != nil {
			return err
		}
		n, err := fs.bunDB.GetInode(tx, ctx, ino)
		if err != nil {
			return err
		}
		if n.IsDir() {
			count, err := fs.bunDB.CountDentries(tx, ctx, ino)
			if err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("%w: %s", common.ErrNotEmpty, common.Join(parentPath, name))
			}
		}
		if err := fs.bunDB.DeleteDentry(tx, ctx, parent.Ino, name); err != nil {
			return err
		}
		return fs.bunDB.AdjustNlink(tx, ctx, ino, -1)
	})
}

func (fs *SQLFS) SetPerms(id int, p ofs.Perms) error {
	return fs.write(func(ctx context.Context, tx bun.Tx) error {
		return fs.bunDB.SetPerms(tx, ctx, int64(id), p.String())
	})
}

// Reclaim deletes inodes that have no directory entries left, except pinned ones
func (fs *SQLFS) Reclaim(pinned map[int]bool) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	freed := 0
	err := fs.write(func(ctx context.Context, tx bun.Tx) error {
		freed = 0
		inos, err := fs.bunDB.ListUnlinked(tx, ctx)
		if err != nil {
			return err
		}
		for _, ino := range inos {
			if pinned[int(ino)] {
				continue
			}
			if err := fs.bunDB.DeleteInode(tx, ctx, ino); err != nil {
				return err
			}
			freed++
		}
		return nil
	})
	if err != nil {
		log.Warnf("[SQLFS] reclaim %s: %v", fs.path, err)
		return 0
	}
	log.Debugf("[SQLFS] reclaimed %d inodes from %s", freed, fs.path)
	return freed
}

func (fs *SQLFS) wrap(n *InodeModel) *sqlNode {
	return &sqlNode{fs: fs, ino: n.Ino, kind: n.KindValue()}
}

// sqlNode is a handle on one inode row; a deleted row reads as stale
type sqlNode struct {
	fs   *SQLFS
	ino  int64
	kind vfs.Kind
}

func (n *sqlNode) ID() int        { return int(n.ino) }
func (n *sqlNode) Kind() vfs.Kind { return n.kind }

func (n *sqlNode) Stat() (*vfs.Stat, error) {
	ctx := context.Background()
	db := n.fs.bunDB
	in, err := db.GetInode(db, ctx, n.ino)
	if err != nil {
		return nil, err
	}
	perms, err := ofs.ParsePerms(in.Perms)
	if err != nil {
		return nil, err
	}
	st := &vfs.Stat{
		ID:    int(in.Ino),
		Kind:  in.Kind,
		Perms: perms,
		Mode:  in.Perms,
		Links: int(in.Nlink),
		Size:  int(in.Size),
	}
	switch {
	case in.IsDir():
		count, err := db.CountDentries(db, ctx, in.Ino)
		if err != nil {
			return nil, err
		}
		st.Size = count + 2
	case in.IsSymlink():
		if st.Target, err = db.ReadSymlink(db, ctx, in.Ino); err != nil {
			return nil, err
		}
		st.Size = len(st.Target)
	}
	return st, nil
}

func (n *sqlNode) Data() (string, error) {
	ctx := context.Background()
	db := n.fs.bunDB
	in, err := db.GetInode(db, ctx, n.ino)
	if err != nil {
		return "", err
	}
	switch {
	case in.IsDir():
		return "", fmt.Errorf("%w: inode %d", common.ErrIsDir, n.ino)
	case in.IsSymlink():
		return db.ReadSymlink(db, ctx, n.ino)
	}
	return db.ReadContent(db, ctx, n.ino)
}

func (n *sqlNode) SetData(data string, appendMode bool) error {
	switch n.kind {
	case vfs.KindDirectory:
		return fmt.Errorf("%w: inode %d", common.ErrIsDir, n.ino)
	case vfs.KindSymlink:
		return fmt.Errorf("%w: cannot write symlink inode %d", common.ErrBadArgument, n.ino)
	}
	return n.fs.write(func(ctx context.Context, tx bun.Tx) error {
		if _, err := n.fs.bunDB.GetInode(tx, ctx, n.ino); err != nil {
			return err
		}
		contents := data
		if appendMode {
			cur, err := n.fs.bunDB.ReadContent(tx, ctx, n.ino)
			if err != nil {
				return err
			}
			contents = cur + data
		}
		return n.fs.bunDB.WriteContent(tx, ctx, n.ino, contents)
	})
}

func (n *sqlNode) Children() (map[string]int, error) {
	ctx := context.Background()
	db := n.fs.bunDB
	in, err := db.GetInode(db, ctx, n.ino)
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		return nil, fmt.Errorf("%w: inode %d", common.ErrNotDir, n.ino)
	}
	entries, err := db.ListDentries(db, ctx, in.Ino)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(entries)+2)
	out["."] = int(in.Ino)
	out[".."] = int(in.Parent)
	for _, e := range entries {
		out[e.Name] = int(e.Ino)
	}
	return out, nil
}
