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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"vkernel/internal/cache"
	"vkernel/internal/common"
	"vkernel/internal/vfs"
)

// Stat cache settings for the export. Changes made through syscalls are
// seen once the TTL runs out.
const (
	nfsStatTTL     = time.Second
	nfsStatMaxSize = 65536
)

// NFSServer exports the kernel namespace over NFSv3
type NFSServer struct {
	adapter  *BillyAdapter
	server   *nfs.Server
	cancel   context.CancelFunc
	mu       sync.Mutex
	listener net.Listener
}

// NewNFSServer creates a new NFS server for the given namespace
func NewNFSServer(v *vfs.VFS) *NFSServer {
	// Set go-nfs log level to match daemon's log level
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	adapter := NewBillyAdapter(v)
	handler := nfshelper.NewNullAuthHandler(adapter)
	cacheHelper := nfshelper.NewCachingHandler(handler, 65536)

	ctx, cancel := context.WithCancel(context.Background())
	return &NFSServer{
		adapter: adapter,
		server: &nfs.Server{
			Handler: cacheHelper,
			Context: ctx,
		},
		cancel: cancel,
	}
}

// Listen binds addr; Serve must follow
func (s *NFSServer) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	log.Infof("[NFS] exporting / on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, or "" before Listen
func (s *NFSServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve handles NFS requests until Shutdown
func (s *NFSServer) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("nfs: Serve called before Listen")
	}
	err := s.server.Serve(listener)
	if s.server.Context.Err() != nil {
		return nil
	}
	return err
}

// Shutdown stops the NFS server
func (s *NFSServer) Shutdown() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
}

// BillyAdapter presents a vfs.VFS as a billy.Filesystem. File contents are
// whole strings in the kernel, so reads and writes splice at the offset.
type BillyAdapter struct {
	fs    *vfs.VFS
	stats *cache.StatCache
	uid   uint32 // cached os.Getuid()
	gid   uint32 // cached os.Getgid()
	boot  time.Time

	mountsMu sync.Mutex
	mountIDs map[string]uint64
}

// NewBillyAdapter creates a Billy adapter for v
func NewBillyAdapter(v *vfs.VFS) *BillyAdapter {
	return &BillyAdapter{
		fs:       v,
		stats:    cache.NewStatCache(nfsStatTTL, nfsStatMaxSize),
		uid:      uint32(os.Getuid()),
		gid:      uint32(os.Getgid()),
		boot:     time.Now(),
		mountIDs: make(map[string]uint64),
	}
}

// pathError converts a kernel error into what go-nfs understands
func pathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &os.PathError{Op: op, Path: name, Err: vfs.Errno(err)}
}

func clean(name string) string {
	return common.Clean("/" + strings.TrimPrefix(name, "/"))
}

// fileID keeps ids from different mounts apart: backend ids are only
// unique within their backend
func (b *BillyAdapter) fileID(st *vfs.Stat) uint64 {
	b.mountsMu.Lock()
	defer b.mountsMu.Unlock()
	n, ok := b.mountIDs[st.Mount]
	if !ok {
		n = uint64(len(b.mountIDs))
		b.mountIDs[st.Mount] = n
	}
	return n<<32 | uint64(uint32(st.ID))
}

func (b *BillyAdapter) info(name string, st *vfs.Stat) *BillyFileInfo {
	return &BillyFileInfo{name: path.Base(name), stat: st, adapter: b}
}

func (b *BillyAdapter) stat(name string, follow bool) (*vfs.Stat, error) {
	p := clean(name)
	key := p
	if !follow {
		key = "\x00l" + p
	}
	if st := b.stats.Get(key); st != nil {
		return st, nil
	}
	var (
		e   *vfs.Entry
		err error
	)
	if follow {
		e, err = b.fs.Resolve(p)
	} else {
		e, err = b.fs.Lresolve(p)
	}
	if err != nil {
		return nil, err
	}
	st, err := e.Stat()
	if err != nil {
		return nil, err
	}
	b.stats.Set(key, st)
	return st, nil
}

// invalidate drops cached stats touched by a change to name
func (b *BillyAdapter) invalidate(name string) {
	p := clean(name)
	parent := common.Parent(p)
	b.stats.InvalidatePathAndParent(p, parent)
	b.stats.InvalidatePathAndParent("\x00l"+p, "\x00l"+parent)
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	p := clean(filename)
	e, err := b.fs.Resolve(p)
	switch {
	case err == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, pathError("open", p, common.ErrExists)
		}
	case errors.Is(err, common.ErrPathNotFound) && flag&os.O_CREATE != 0:
		if e, err = b.fs.Touch(p); err != nil {
			return nil, pathError("open", p, err)
		}
		if perm != 0 {
			if err := b.fs.Chmod(p, permsFromMode(perm)); err != nil {
				return nil, pathError("open", p, err)
			}
		}
		b.invalidate(p)
	default:
		return nil, pathError("open", p, err)
	}

	if flag&os.O_TRUNC != 0 && e.Kind() == vfs.KindFile {
		if err := e.SetData("", false); err != nil {
			return nil, pathError("open", p, err)
		}
		b.invalidate(p)
	}
	log.Tracef("[NFS] open %s flag=%#x", p, flag)
	return &BillyFile{adapter: b, entry: e, name: p, flags: flag}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	st, err := b.stat(filename, true)
	if err != nil {
		return nil, pathError("stat", filename, err)
	}
	return b.info(filename, st), nil
}

func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	st, err := b.stat(filename, false)
	if err != nil {
		return nil, pathError("lstat", filename, err)
	}
	return b.info(filename, st), nil
}

// Rename moves a file by linking it under the new name and unlinking the
// old one. Directories cannot be hard linked, so they cannot be renamed.
func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	from, to := clean(oldpath), clean(newpath)
	if from == to {
		return nil
	}
	if _, err := b.fs.Lresolve(to); err == nil {
		if err := b.fs.Remove(to); err != nil {
			return pathError("rename", to, err)
		}
	}
	if err := b.fs.Link(from, to); err != nil {
		return pathError("rename", from, err)
	}
	if err := b.fs.Remove(from); err != nil {
		return pathError("rename", from, err)
	}
	b.invalidate(from)
	b.invalidate(to)
	return nil
}

func (b *BillyAdapter) Remove(filename string) error {
	p := clean(filename)
	if err := b.fs.Remove(p); err != nil {
		return pathError("remove", p, err)
	}
	b.stats.InvalidatePrefix(p)
	b.invalidate(p)
	return nil
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	p := clean(dirname)
	e, err := b.fs.Resolve(p)
	if err != nil {
		return nil, pathError("readdir", p, err)
	}
	names, err := e.ListChildren()
	if err != nil {
		return nil, pathError("readdir", p, err)
	}

	result := make([]os.FileInfo, 0, len(names))
	for _, name := range names {
		child := common.Join(p, name)
		st, err := b.stat(child, false)
		if err != nil {
			// raced with a removal
			log.Debugf("[NFS] readdir %s: skipping %s: %v", p, name, err)
			continue
		}
		result = append(result, b.info(child, st))
	}
	return result, nil
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	for _, p := range common.Prefixes(clean(filename))[1:] {
		if _, err := b.fs.Mkdir(p); err != nil && !errors.Is(err, common.ErrExists) {
			return pathError("mkdir", p, err)
		}
		b.invalidate(p)
	}
	return nil
}

func (b *BillyAdapter) Symlink(target, link string) error {
	p := clean(link)
	if err := b.fs.Symlink(target, p); err != nil {
		return pathError("symlink", p, err)
	}
	b.invalidate(p)
	return nil
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	st, err := b.stat(link, false)
	if err != nil {
		return "", pathError("readlink", link, err)
	}
	if st.Kind != vfs.KindSymlink.String() {
		return "", pathError("readlink", link, common.ErrBadArgument)
	}
	return st.Target, nil
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	p := clean(name)
	if err := b.fs.Chmod(p, permsFromMode(mode)); err != nil {
		return pathError("chmod", p, err)
	}
	b.invalidate(p)
	return nil
}

func (b *BillyAdapter) Lchown(name string, uid, gid int) error            { return nil }
func (b *BillyAdapter) Chown(name string, uid, gid int) error             { return nil }
func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error { return nil }

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

// permsFromMode reads the owner bits of mode
func permsFromMode(mode os.FileMode) vfs.Perms {
	return vfs.Perms{
		Read:    mode&0400 != 0,
		Write:   mode&0200 != 0,
		Execute: mode&0100 != 0,
	}
}

// modeFromPerms maps perms onto owner bits; read and execute are also
// granted to group and others
func modeFromPerms(p vfs.Perms) os.FileMode {
	var mode os.FileMode
	if p.Read {
		mode |= 0444
	}
	if p.Write {
		mode |= 0200
	}
	if p.Execute {
		mode |= 0111
	}
	return mode
}

// BillyFile is an open file on the adapter. It keeps the entry resolved
// at open time, like a descriptor.
type BillyFile struct {
	adapter *BillyAdapter
	entry   *vfs.Entry
	name    string
	flags   int

	mu     sync.Mutex
	offset int64
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags&os.O_APPEND != 0 {
		data, err := f.entry.Data()
		if err != nil {
			return 0, pathError("write", f.name, err)
		}
		f.offset = int64(len(data))
	}
	n, err := f.writeAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *BillyFile) writeAt(p []byte, off int64) (int, error) {
	if f.flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, pathError("write", f.name, common.ErrBadDescriptor)
	}
	data, err := f.entry.Data()
	if err != nil {
		return 0, pathError("write", f.name, err)
	}
	if off == int64(len(data)) {
		err = f.entry.SetData(string(p), true)
	} else {
		buf := []byte(data)
		if end := off + int64(len(p)); end > int64(len(buf)) {
			buf = append(buf, make([]byte, end-int64(len(buf)))...)
		}
		copy(buf[off:], p)
		err = f.entry.SetData(string(buf), false)
	}
	if err != nil {
		return 0, pathError("write", f.name, err)
	}
	f.adapter.invalidate(f.name)
	return len(p), nil
}

func (f *BillyFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *BillyFile) ReadAt(p []byte, off int64) (int, error) {
	return f.readAt(p, off)
}

func (f *BillyFile) readAt(p []byte, off int64) (int, error) {
	data, err := f.entry.Data()
	if err != nil {
		return 0, pathError("read", f.name, err)
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		data, err := f.entry.Data()
		if err != nil {
			return 0, pathError("seek", f.name, err)
		}
		f.offset = int64(len(data)) + offset
	}
	if f.offset < 0 {
		f.offset = 0
		return 0, pathError("seek", f.name, common.ErrBadArgument)
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	return nil
}

func (f *BillyFile) Lock() error {
	return nil
}

func (f *BillyFile) Unlock() error {
	return nil
}

func (f *BillyFile) Truncate(size int64) error {
	data, err := f.entry.Data()
	if err != nil {
		return pathError("truncate", f.name, err)
	}
	if size < int64(len(data)) {
		data = data[:size]
	} else {
		data += string(make([]byte, size-int64(len(data))))
	}
	if err := f.entry.SetData(data, false); err != nil {
		return pathError("truncate", f.name, err)
	}
	f.adapter.invalidate(f.name)
	return nil
}

// BillyFileInfo is an os.FileInfo over a vfs.Stat
type BillyFileInfo struct {
	name    string
	stat    *vfs.Stat
	adapter *BillyAdapter
}

func (fi *BillyFileInfo) Name() string {
	return fi.name
}

func (fi *BillyFileInfo) Size() int64 {
	return int64(fi.stat.Size)
}

func (fi *BillyFileInfo) Mode() os.FileMode {
	mode := modeFromPerms(fi.stat.Perms)
	switch fi.stat.Kind {
	case vfs.KindDirectory.String():
		mode |= os.ModeDir
	case vfs.KindSymlink.String():
		mode = os.ModeSymlink | 0777
	}
	return mode
}

func (fi *BillyFileInfo) ModTime() time.Time {
	// The kernel keeps no timestamps
	return fi.adapter.boot
}

func (fi *BillyFileInfo) IsDir() bool {
	return fi.stat.IsDir()
}

func (fi *BillyFileInfo) Sys() interface{} {
	// go-nfs's GetInfo() only recognizes file.FileInfo or *file.FileInfo
	nlink := uint32(fi.stat.Links)
	if nlink == 0 {
		nlink = 1
	}
	return &nfsfile.FileInfo{
		Nlink:  nlink,
		UID:    fi.adapter.uid,
		GID:    fi.adapter.gid,
		Fileid: fi.adapter.fileID(fi.stat),
	}
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
)
