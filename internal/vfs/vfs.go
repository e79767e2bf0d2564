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

// Package vfs composes backends into a single namespace. Each path is owned
// by the deepest mount whose path is one of its prefixes; when several
// registrations share that path, the most recent one wins.
package vfs

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"vkernel/internal/common"
	"vkernel/internal/ofs"
)

type mount struct {
	path    string
	backend Backend
	seq     uint64
	depth   int
}

// VFS is the mount table plus path routing
type VFS struct {
	mu      sync.RWMutex
	mounts  []*mount
	nextSeq uint64
}

// New creates an empty VFS. The first mount must be at "/".
func New() *VFS {
	return &VFS{nextSeq: 1}
}

// Mount registers backend at mountPath. The check that mountPath is a
// directory and the insert happen under one lock.
func (v *VFS) Mount(backend Backend, mountPath string) error {
	clean := common.Clean(mountPath)

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.mounts) == 0 {
		if clean != "/" {
			return fmt.Errorf("%w: first mount must be /, got %s", common.ErrMountConflict, clean)
		}
	} else {
		e, err := v.resolveLocked(clean, true)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", common.ErrMountConflict, clean, err)
		}
		if e.Kind() != KindDirectory {
			return fmt.Errorf("%w: %s is not a directory", common.ErrMountConflict, clean)
		}
	}

	m := &mount{path: clean, backend: backend, seq: v.nextSeq, depth: common.Depth(clean)}
	v.nextSeq++
	v.mounts = append(v.mounts, m)
	log.Debugf("[VFS] Mount %s backend=%s seq=%d", clean, backend.Name(), m.seq)
	return nil
}

// Unmount removes the most recent registration at mountPath and returns its backend.
// The last registration at "/" stays, and so does any mount with mounts below it.
func (v *VFS) Unmount(mountPath string) (Backend, error) {
	clean := common.Clean(mountPath)

	v.mu.Lock()
	defer v.mu.Unlock()
	idx, same := -1, 0
	for i, m := range v.mounts {
		if m.path != clean {
			if isUnder(m.path, clean) {
				return nil, fmt.Errorf("%w: %s has %s mounted below it", common.ErrMountConflict, clean, m.path)
			}
			continue
		}
		same++
		if idx < 0 || m.seq > v.mounts[idx].seq {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", common.ErrNotMounted, clean)
	}
	if clean == "/" && same == 1 {
		return nil, fmt.Errorf("%w: cannot unmount the root", common.ErrMountConflict)
	}
	b := v.mounts[idx].backend
	v.mounts = append(v.mounts[:idx], v.mounts[idx+1:]...)
	log.Debugf("[VFS] Unmount %s backend=%s", clean, b.Name())
	return b, nil
}

// isUnder reports whether dir is one of path's ancestors
func isUnder(path, dir string) bool {
	for _, p := range common.Prefixes(path) {
		if p == dir {
			return true
		}
	}
	return false
}

// Mounts lists registrations in mount order
func (v *VFS) Mounts() []MountInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]MountInfo, 0, len(v.mounts))
	for _, m := range v.mounts {
		out = append(out, MountInfo{Path: m.path, Backend: m.backend.Name(), Seq: m.seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// IsMountPoint reports whether path is a registered mount path
func (v *VFS) IsMountPoint(path string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.isMountPointLocked(path)
}

func (v *VFS) isMountPointLocked(path string) bool {
	clean := common.Clean(path)
	for _, m := range v.mounts {
		if m.path == clean {
			return true
		}
	}
	return false
}

// Locate returns the backend owning path and the path local to it
func (v *VFS) Locate(path string) (Backend, string, error) {
	m, err := v.locate(path)
	if err != nil {
		return nil, "", err
	}
	return m.backend, common.TrimPrefix(path, m.path), nil
}

func (v *VFS) locate(path string) (*mount, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.locateLocked(path)
}

func (v *VFS) locateLocked(path string) (*mount, error) {
	want := make(map[string]bool)
	for _, p := range common.Prefixes(path) {
		want[p] = true
	}

	var best *mount
	for _, m := range v.mounts {
		if !want[m.path] {
			continue
		}
		if best == nil || m.depth > best.depth || (m.depth == best.depth && m.seq > best.seq) {
			best = m
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no mount owns %s", common.ErrNotMounted, common.Clean(path))
	}
	return best, nil
}

// Resolve returns the entry at path, following a final symlink.
// Redirect targets are global paths and may cross into other mounts.
func (v *VFS) Resolve(path string) (*Entry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.resolveLocked(path, true)
}

// Lresolve returns the entry at path without following a final symlink
func (v *VFS) Lresolve(path string) (*Entry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.resolveLocked(path, false)
}

// resolveLocked walks each hop with the owning backend's ResolveHard and
// re-locates symlink targets through the mount table, sharing one hop budget
// across mounts. Mount and Local on the result name where the container lives.
func (v *VFS) resolveLocked(path string, follow bool) (*Entry, error) {
	cur := common.Clean(path)
	for hops := 0; ; hops++ {
		if hops >= ofs.MaxSymlinkHops {
			return nil, fmt.Errorf("%w: %s", common.ErrSymlinkLoop, common.Clean(path))
		}
		m, err := v.locateLocked(cur)
		if err != nil {
			return nil, err
		}
		local := common.TrimPrefix(cur, m.path)
		c, err := m.backend.ResolveHard(common.Segments(local))
		if err != nil {
			log.Tracef("[VFS] resolve %s (mount %s, local %s): %v", cur, m.path, local, err)
			return nil, err
		}
		if !follow || c.Kind() != KindSymlink {
			return &Entry{Path: common.Clean(path), Local: local, Mount: m.path, Backend: m.backend, c: c}, nil
		}
		st, err := c.Stat()
		if err != nil {
			return nil, err
		}
		cur = common.Clean(st.Target)
	}
}

// mutable locates path and returns its backend as Mutable, or ErrReadOnly
func (v *VFS) mutable(path string) (Mutable, *mount, string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mutableLocked(path)
}

func (v *VFS) mutableLocked(path string) (Mutable, *mount, string, error) {
	m, err := v.locateLocked(path)
	if err != nil {
		return nil, nil, "", err
	}
	mb, ok := m.backend.(Mutable)
	if !ok {
		return nil, nil, "", fmt.Errorf("%w: %s (%s)", common.ErrReadOnly, common.Clean(path), m.backend.Name())
	}
	return mb, m, common.TrimPrefix(path, m.path), nil
}

func (v *VFS) create(path string, dir bool) (*Entry, error) {
	mb, m, local, err := v.mutable(path)
	if err != nil {
		return nil, err
	}
	if local == "/" {
		return nil, fmt.Errorf("%w: %s", common.ErrExists, common.Clean(path))
	}
	var c Container
	if dir {
		c, err = mb.CreateDirectory(common.Parent(local), common.Name(local))
	} else {
		c, err = mb.CreateFile(common.Parent(local), common.Name(local))
	}
	if err != nil {
		return nil, err
	}
	return &Entry{Path: common.Clean(path), Local: local, Mount: m.path, Backend: m.backend, c: c}, nil
}

// Touch creates an empty file at path
func (v *VFS) Touch(path string) (*Entry, error) {
	return v.create(path, false)
}

// Mkdir creates a directory at path
func (v *VFS) Mkdir(path string) (*Entry, error) {
	return v.create(path, true)
}

// Link adds newPath as a hard link to the inode at oldPath
func (v *VFS) Link(oldPath, newPath string) error {
	src, err := v.Lresolve(oldPath)
	if err != nil {
		return err
	}
	mb, m, local, err := v.mutable(newPath)
	if err != nil {
		return err
	}
	if m.backend != src.Backend {
		return fmt.Errorf("%w: %s (%s) -> %s (%s)", common.ErrCrossMount,
			src.Path, src.Mount, common.Clean(newPath), m.path)
	}
	if local == "/" {
		return fmt.Errorf("%w: %s", common.ErrExists, common.Clean(newPath))
	}
	return mb.AddLink(common.Parent(local), common.Name(local), src.ID())
}

// Symlink creates path as a symbolic link to target. The target is stored
// as a clean global path and may live under any mount, or nowhere yet.
func (v *VFS) Symlink(target, path string) error {
	mb, _, local, err := v.mutable(path)
	if err != nil {
		return err
	}
	if local == "/" {
		return fmt.Errorf("%w: %s", common.ErrExists, common.Clean(path))
	}
	return mb.AddSymlink(common.Parent(local), common.Name(local), common.Clean(target))
}

// Remove unlinks path. Mount points cannot be removed, and a Mount
// cannot land between that check and the unlink.
func (v *VFS) Remove(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.isMountPointLocked(path) {
		return fmt.Errorf("%w: %s is a mount point", common.ErrMountConflict, common.Clean(path))
	}
	mb, _, local, err := v.mutableLocked(path)
	if err != nil {
		return err
	}
	return mb.Remove(common.Parent(local), common.Name(local))
}

// Chmod replaces the permission bits of the entry at path, in whichever
// backend the path resolves into
func (v *VFS) Chmod(path string, p Perms) error {
	e, err := v.Resolve(path)
	if err != nil {
		return err
	}
	mb, ok := e.Backend.(Mutable)
	if !ok {
		return fmt.Errorf("%w: %s (%s)", common.ErrReadOnly, common.Clean(path), e.Backend.Name())
	}
	return mb.SetPerms(e.ID(), p)
}

// Reclaim runs Reclaim on every mounted backend that supports it.
// pinned returns the ids held open inside a given backend.
func (v *VFS) Reclaim(pinned func(Backend) map[int]bool) int {
	v.mu.RLock()
	seen := make(map[Backend]bool)
	var targets []Reclaimer
	var backends []Backend
	for _, m := range v.mounts {
		r, ok := m.backend.(Reclaimer)
		if !ok || seen[m.backend] {
			continue
		}
		seen[m.backend] = true
		targets = append(targets, r)
		backends = append(backends, m.backend)
	}
	v.mu.RUnlock()

	total := 0
	for i, r := range targets {
		var pins map[int]bool
		if pinned != nil {
			pins = pinned(backends[i])
		}
		total += r.Reclaim(pins)
	}
	return total
}
