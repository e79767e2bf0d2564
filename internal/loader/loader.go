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

// Package loader seeds an inode store from a directory on the host.
package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"vkernel/internal/common"
	"vkernel/internal/ofs"
)

// Stats summarizes one Load
type Stats struct {
	Dirs     int
	Files    int
	Symlinks int
	Skipped  int
	Bytes    uint64
}

// Load copies the tree under hostDir into store, rooted at "/".
// filter may be nil. Symlinks are kept when their target lies inside
// hostDir; the rest are skipped.
func Load(ctx context.Context, store *ofs.Store, hostDir string, filter Filter) (Stats, error) {
	var st Stats
	root, err := filepath.Abs(hostDir)
	if err != nil {
		return st, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return st, err
	}
	if !info.IsDir() {
		return st, fmt.Errorf("%w: %s", common.ErrNotDir, root)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if filter != nil && !filter(rel, d.IsDir()) {
			st.Skipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		vpath := "/" + rel
		parent, name := common.Parent(vpath), common.Name(vpath)

		switch {
		case d.IsDir():
			if _, err := store.CreateDirectory(parent, name); err != nil {
				return err
			}
			st.Dirs++
		case d.Type()&fs.ModeSymlink != 0:
			target, ok := linkTarget(root, path, vpath)
			if !ok {
				log.Debugf("[Loader] skipping symlink %s pointing outside %s", rel, root)
				st.Skipped++
				return nil
			}
			if _, err := store.AddSymlink(parent, name, target); err != nil {
				return err
			}
			st.Symlinks++
		case d.Type().IsRegular():
			n, err := loadFile(store, path, parent, name)
			if err != nil {
				return err
			}
			st.Files++
			st.Bytes += n
		default:
			st.Skipped++
		}
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("load %s: %w", root, err)
	}

	log.Infof("[Loader] seeded from %s: %d dirs, %d files, %d symlinks (%s), %d skipped",
		root, st.Dirs, st.Files, st.Symlinks, humanize.Bytes(st.Bytes), st.Skipped)
	return st, nil
}

func loadFile(store *ofs.Store, path, parent, name string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	node, err := store.CreateFile(parent, name)
	if err != nil {
		return 0, err
	}
	if err := store.WriteContents(node.ID, string(data)); err != nil {
		return 0, err
	}
	mode := info.Mode().Perm()
	perms := ofs.Perms{Read: true, Write: mode&0o200 != 0, Execute: mode&0o100 != 0}
	if err := store.SetPerms(node.ID, perms); err != nil {
		return 0, err
	}
	return uint64(len(data)), nil
}

// linkTarget maps the host symlink at path to an absolute path in the store
func linkTarget(root, path, vpath string) (string, bool) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(target) {
		return common.Join(common.Parent(vpath), filepath.ToSlash(target)), true
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return "/" + filepath.ToSlash(rel), true
}
