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

// Package ofs is the in-memory inode store: one filesystem tree held in an
// arena of inode slots. Slot 0 is always the root directory.
//
// Ids are stable. A slot is only reused after Reclaim has found it
// unreachable; reuse bumps the slot generation so stale Refs are detected.
package ofs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
	log "github.com/sirupsen/logrus"

	"vkernel/internal/common"
)

// MaxSymlinkHops bounds symlink redirects during Resolve.
const MaxSymlinkHops = 50

// RootID is the id of the root directory in every store
const RootID = 0

type slot struct {
	node *Inode // nil once reclaimed
	gen  uint32
}

// Store is an inode arena forming a single tree
type Store struct {
	mu    sync.RWMutex
	slots []slot
	free  *roaring.Bitmap
}

// New creates a store holding only the root directory
func New() *Store {
	s := &Store{free: roaring.New()}
	root := &Inode{
		Kind:     KindDirectory,
		Links:    1,
		Perms:    DefaultDirPerms,
		Children: map[string]int{".": RootID, "..": RootID},
	}
	s.slots = append(s.slots, slot{node: root})
	return s
}

// Len returns the number of slots, live or free
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// FreeCount returns how many slots are waiting for reuse
func (s *Store) FreeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.free.GetCardinality())
}

// Get returns a snapshot of the inode in slot id
func (s *Store) Get(id int) (*Inode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	return n.snapshot(), nil
}

// Lookup returns a snapshot of the inode for ref, failing if the slot was reclaimed since
func (s *Store) Lookup(ref Ref) (*Inode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.lookupLocked(ref)
	if err != nil {
		return nil, err
	}
	return n.snapshot(), nil
}

func (s *Store) getLocked(id int) (*Inode, error) {
	if id < 0 || id >= len(s.slots) || s.slots[id].node == nil {
		return nil, fmt.Errorf("%w: inode %d", common.ErrStaleInode, id)
	}
	return s.slots[id].node, nil
}

func (s *Store) lookupLocked(ref Ref) (*Inode, error) {
	n, err := s.getLocked(ref.ID)
	if err != nil {
		return nil, err
	}
	if n.Gen != ref.Gen {
		return nil, fmt.Errorf("%w: inode %d generation %d (current %d)", common.ErrStaleInode, ref.ID, ref.Gen, n.Gen)
	}
	return n, nil
}

// --- Resolution ---

// ResolveHard walks segs from the root without following symlinks
func (s *Store) ResolveHard(segs []string) (*Inode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.resolveHardLocked(segs)
	if err != nil {
		return nil, err
	}
	return n.snapshot(), nil
}

// Resolve walks segs from the root, redirecting through a final symlink up to MaxSymlinkHops times
func (s *Store) Resolve(segs []string) (*Inode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.resolveLocked(segs)
	if err != nil {
		return nil, err
	}
	return n.snapshot(), nil
}

// ResolvePath is Resolve over a path string
func (s *Store) ResolvePath(path string) (*Inode, error) {
	return s.Resolve(common.Segments(path))
}

func (s *Store) resolveHardLocked(segs []string) (*Inode, error) {
	cur := s.slots[RootID].node
	if common.IsRoot(segs) {
		return cur, nil
	}
	for i, seg := range segs {
		if cur.Children == nil {
			return nil, fmt.Errorf("%w: /%s", common.ErrNotDir, strings.Join(segs[:i], "/"))
		}
		id, ok := cur.Children[seg]
		if !ok {
			return nil, fmt.Errorf("%w: /%s", common.ErrPathNotFound, strings.Join(segs[:i+1], "/"))
		}
		next, err := s.getLocked(id)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func (s *Store) resolveLocked(segs []string) (*Inode, error) {
	for hops := 0; ; hops++ {
		if hops >= MaxSymlinkHops {
			return nil, fmt.Errorf("%w: /%s", common.ErrSymlinkLoop, strings.Join(segs, "/"))
		}
		n, err := s.resolveHardLocked(segs)
		if err != nil {
			return nil, err
		}
		if n.Kind != KindSymlink {
			return n, nil
		}
		segs = common.Segments(n.Target)
	}
}

// --- Creation ---

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", common.ErrInvalidName, name)
	}
	return nil
}

// parentLocked resolves parentPath to a directory and checks name is free
func (s *Store) parentLocked(parentPath, name string) (*Inode, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	parent, err := s.resolveLocked(common.Segments(parentPath))
	if err != nil {
		return nil, err
	}
	if parent.Children == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrNotDir, common.Clean(parentPath))
	}
	if _, exists := parent.Children[name]; exists {
		return nil, fmt.Errorf("%w: %s", common.ErrExists, common.Join(parentPath, name))
	}
	return parent, nil
}

// allocLocked places n in the lowest free slot, or appends a new one
func (s *Store) allocLocked(n *Inode) *Inode {
	if !s.free.IsEmpty() {
		id := s.free.Minimum()
		s.free.Remove(id)
		n.ID = int(id)
		n.Gen = s.slots[id].gen
		s.slots[id].node = n
		return n
	}
	n.ID = len(s.slots)
	s.slots = append(s.slots, slot{node: n})
	return n
}

// CreateFile creates an empty file named name inside parentPath
func (s *Store) CreateFile(parentPath, name string) (*Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, err := s.parentLocked(parentPath, name)
	if err != nil {
		return nil, err
	}
	n := s.allocLocked(&Inode{Kind: KindFile, Links: 1, Perms: DefaultFilePerms})
	parent.Children[name] = n.ID
	log.Tracef("[OFS] CreateFile %s/%s → ino=%d gen=%d", common.Clean(parentPath), name, n.ID, n.Gen)
	return n.snapshot(), nil
}

// CreateDirectory creates a directory named name inside parentPath, seeded with "." and ".."
func (s *Store) CreateDirectory(parentPath, name string) (*Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, err := s.parentLocked(parentPath, name)
	if err != nil {
		return nil, err
	}
	n := s.allocLocked(&Inode{Kind: KindDirectory, Links: 1, Perms: DefaultDirPerms})
	n.Children = map[string]int{".": n.ID, "..": parent.ID}
	parent.Children[name] = n.ID
	log.Tracef("[OFS] CreateDirectory %s/%s → ino=%d gen=%d", common.Clean(parentPath), name, n.ID, n.Gen)
	return n.snapshot(), nil
}

// AddLink aliases the existing inode target under a new name (hard link)
func (s *Store) AddLink(parentPath, name string, target int) (*Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, err := s.parentLocked(parentPath, name)
	if err != nil {
		return nil, err
	}
	n, err := s.getLocked(target)
	if err != nil {
		return nil, err
	}
	if n.Kind == KindDirectory {
		return nil, fmt.Errorf("%w: cannot hard link inode %d", common.ErrIsDir, target)
	}
	parent.Children[name] = n.ID
	n.Links++
	return n.snapshot(), nil
}

// AddSymlink creates a symlink named name pointing at the cleaned target path
func (s *Store) AddSymlink(parentPath, name, target string) (*Inode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, err := s.parentLocked(parentPath, name)
	if err != nil {
		return nil, err
	}
	n := s.allocLocked(&Inode{Kind: KindSymlink, Links: 1, Perms: DefaultSymlinkPerms, Target: common.Clean(target)})
	parent.Children[name] = n.ID
	return n.snapshot(), nil
}

// Remove deletes name from the parent's children. The target slot is left
// intact; only Reclaim frees it.
func (s *Store) Remove(parentPath, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validName(name); err != nil {
		return err
	}
	parent, err := s.resolveLocked(common.Segments(parentPath))
	if err != nil {
		return err
	}
	if parent.Children == nil {
		return fmt.Errorf("%w: %s", common.ErrNotDir, common.Clean(parentPath))
	}
	id, ok := parent.Children[name]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrPathNotFound, common.Join(parentPath, name))
	}
	n, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if n.Kind == KindDirectory && len(n.Children) > 2 {
		return fmt.Errorf("%w: %s", common.ErrNotEmpty, common.Join(parentPath, name))
	}
	delete(parent.Children, name)
	if n.Links > 0 {
		n.Links--
	}
	log.Tracef("[OFS] Remove %s/%s (ino=%d links=%d)", common.Clean(parentPath), name, id, n.Links)
	return nil
}

// --- Contents ---

func (s *Store) fileLocked(id int) (*Inode, error) {
	n, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if n.Kind == KindDirectory {
		return nil, fmt.Errorf("%w: inode %d", common.ErrIsDir, id)
	}
	return n, nil
}

// ReadContents returns the file contents of inode id
func (s *Store) ReadContents(id int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.fileLocked(id)
	if err != nil {
		return "", err
	}
	if n.Kind == KindSymlink {
		return n.Target, nil
	}
	return n.Contents, nil
}

// WriteContents replaces the contents of file id
func (s *Store) WriteContents(id int, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.fileLocked(id)
	if err != nil {
		return err
	}
	n.Contents = data
	return nil
}

// AppendContents appends data to file id
func (s *Store) AppendContents(id int, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.fileLocked(id)
	if err != nil {
		return err
	}
	n.Contents += data
	return nil
}

// Truncate clears the contents of file id
func (s *Store) Truncate(id int) error {
	return s.WriteContents(id, "")
}

// Stat returns a snapshot of inode id
func (s *Store) Stat(id int) (*Inode, error) {
	return s.Get(id)
}

// SetPerms replaces the permission bits of inode id
func (s *Store) SetPerms(id int, p Perms) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.getLocked(id)
	if err != nil {
		return err
	}
	n.Perms = p
	return nil
}

// --- Reclamation ---

// Reclaim frees every slot that is neither reachable from the root nor
// reachable from a pinned id. Freed slots get a new generation.
// Returns the number of slots freed.
func (s *Store) Reclaim(pinned map[int]bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := roaring.New()
	stack := []int{RootID}
	for id := range pinned {
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id < 0 || id >= len(s.slots) || s.slots[id].node == nil || !live.CheckedAdd(uint32(id)) {
			continue
		}
		for _, child := range s.slots[id].node.Children {
			stack = append(stack, child)
		}
	}

	freed := 0
	for id := range s.slots {
		if s.slots[id].node == nil || live.Contains(uint32(id)) {
			continue
		}
		s.slots[id].node = nil
		s.slots[id].gen++
		s.free.Add(uint32(id))
		freed++
	}
	if freed > 0 {
		log.Debugf("[OFS] Reclaim freed %d slots (%d live, %d free)", freed, live.GetCardinality(), s.free.GetCardinality())
	}
	return freed
}
