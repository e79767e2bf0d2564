package daemon

import (
	"io"
	"os"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nfsfile "github.com/willscott/go-nfs/file"

	"vkernel/internal/vfs"
)

func newAdapter(t *testing.T) (*BillyAdapter, *vfs.VFS) {
	t.Helper()
	v := vfs.New()
	require.NoError(t, v.Mount(vfs.NewMemoryFS(), "/"))
	return NewBillyAdapter(v), v
}

func readAll(t *testing.T, b *BillyAdapter, name string) string {
	t.Helper()
	f, err := b.Open(name)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestBillyAdapter_ReadWrite(t *testing.T) {
	t.Parallel()
	b, _ := newAdapter(t)

	f, err := b.Create("/notes")
	require.NoError(t, err)
	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, f.Close())
	assert.Equal(t, "hello", readAll(t, b, "/notes"))

	t.Run("splice at offset", func(t *testing.T) {
		f, err := b.OpenFile("/notes", os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.Seek(2, io.SeekStart)
		require.NoError(t, err)
		_, err = f.Write([]byte("XY"))
		require.NoError(t, err)
		assert.Equal(t, "heXYo", readAll(t, b, "/notes"))

		pos, err := f.Seek(2, io.SeekEnd)
		require.NoError(t, err)
		assert.Equal(t, int64(7), pos)
		_, err = f.Write([]byte("!"))
		require.NoError(t, err)
		assert.Equal(t, "heXYo\x00\x00!", readAll(t, b, "/notes"))

		require.NoError(t, f.Truncate(3))
		assert.Equal(t, "heX", readAll(t, b, "/notes"))

		buf := make([]byte, 8)
		n, err := f.ReadAt(buf, 1)
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, "eX", string(buf[:n]))
	})

	t.Run("append", func(t *testing.T) {
		f, err := b.OpenFile("/notes", os.O_WRONLY|os.O_APPEND, 0)
		require.NoError(t, err)
		_, err = f.Write([]byte("+1"))
		require.NoError(t, err)
		assert.Equal(t, "heX+1", readAll(t, b, "/notes"))
	})

	t.Run("read only handle", func(t *testing.T) {
		f, err := b.Open("/notes")
		require.NoError(t, err)
		_, err = f.Write([]byte("x"))
		var pe *os.PathError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, vfs.EBADF, pe.Err)
	})

	t.Run("truncate on open", func(t *testing.T) {
		f, err := b.OpenFile("/notes", os.O_RDWR|os.O_TRUNC, 0)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		assert.Equal(t, "", readAll(t, b, "/notes"))
	})
}

func TestBillyAdapter_Errors(t *testing.T) {
	t.Parallel()
	b, _ := newAdapter(t)

	_, err := b.Open("/missing")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = b.Create("/x")
	require.NoError(t, err)
	_, err = b.OpenFile("/x", os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	assert.ErrorIs(t, err, os.ErrExist)

	_, err = b.Stat("/x/y")
	require.Error(t, err)
	var pe *os.PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, vfs.ENOTDIR, pe.Err)

	_, err = b.TempFile("/", "tmp")
	assert.ErrorIs(t, err, os.ErrInvalid)
	_, err = b.Chroot("/")
	assert.ErrorIs(t, err, os.ErrInvalid)
}

func TestBillyAdapter_Directories(t *testing.T) {
	t.Parallel()
	b, _ := newAdapter(t)

	require.NoError(t, b.MkdirAll("/a/b/c", 0755))
	require.NoError(t, b.MkdirAll("/a/b", 0755), "existing parents are fine")
	_, err := b.Create("/a/f")
	require.NoError(t, err)

	infos, err := b.ReadDir("/a")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "b", infos[0].Name())
	assert.True(t, infos[0].IsDir())
	assert.Equal(t, os.ModeDir|0755, infos[0].Mode())
	assert.Equal(t, "f", infos[1].Name())
	assert.Equal(t, os.FileMode(0644), infos[1].Mode())

	t.Run("rename file", func(t *testing.T) {
		require.NoError(t, b.Rename("/a/f", "/a/g"))
		_, err := b.Stat("/a/f")
		assert.ErrorIs(t, err, os.ErrNotExist)
		_, err = b.Stat("/a/g")
		assert.NoError(t, err)
	})

	t.Run("rename replaces target", func(t *testing.T) {
		f, err := b.Create("/a/h")
		require.NoError(t, err)
		_, err = f.Write([]byte("new"))
		require.NoError(t, err)
		require.NoError(t, b.Rename("/a/h", "/a/g"))
		assert.Equal(t, "new", readAll(t, b, "/a/g"))
	})

	t.Run("directories cannot be renamed", func(t *testing.T) {
		assert.Error(t, b.Rename("/a/b", "/a/b2"))
	})

	t.Run("remove", func(t *testing.T) {
		assert.Error(t, b.Remove("/a/b"), "not empty")
		require.NoError(t, b.Remove("/a/b/c"))
		require.NoError(t, b.Remove("/a/b"))
		_, err := b.Stat("/a/b")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestBillyAdapter_SymlinksAndModes(t *testing.T) {
	t.Parallel()
	b, _ := newAdapter(t)

	f, err := b.Create("/target")
	require.NoError(t, err)
	_, err = f.Write([]byte("data"))
	require.NoError(t, err)

	require.NoError(t, b.Symlink("/target", "/link"))
	target, err := b.Readlink("/link")
	require.NoError(t, err)
	assert.Equal(t, "/target", target)

	lfi, err := b.Lstat("/link")
	require.NoError(t, err)
	assert.Equal(t, os.ModeSymlink, lfi.Mode()&os.ModeType)
	fi, err := b.Stat("/link")
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
	assert.Equal(t, int64(4), fi.Size())

	_, err = b.Readlink("/target")
	assert.Error(t, err)

	require.NoError(t, b.Chmod("/target", 0500))
	fi, err = b.Stat("/target")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0555), fi.Mode())

	w, err := b.OpenFile("/target", os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestBillyFileInfo_Sys(t *testing.T) {
	t.Parallel()
	b, v := newAdapter(t)
	_, err := v.Mkdir("/mnt")
	require.NoError(t, err)
	require.NoError(t, v.Mount(vfs.NewMemoryFS(), "/mnt"))

	root, err := b.Stat("/")
	require.NoError(t, err)
	mnt, err := b.Stat("/mnt")
	require.NoError(t, err)

	rootSys, ok := root.Sys().(*nfsfile.FileInfo)
	require.True(t, ok)
	mntSys, ok := mnt.Sys().(*nfsfile.FileInfo)
	require.True(t, ok)
	assert.NotEqual(t, rootSys.Fileid, mntSys.Fileid, "ids are scoped by mount")
	assert.Equal(t, uint32(os.Getuid()), rootSys.UID)
	assert.GreaterOrEqual(t, rootSys.Nlink, uint32(1))
}

func TestBillyAdapter_StatCacheExpires(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	b, v := newAdapter(t)

	_, err := b.Create("/f")
	require.NoError(t, err)
	fi, err := b.Stat("/f")
	require.NoError(t, err)
	require.Equal(t, int64(0), fi.Size())

	// a write that bypasses the adapter
	e, err := v.Resolve("/f")
	require.NoError(t, err)
	require.NoError(t, e.SetData("abc", false))

	g.Eventually(func() int64 {
		fi, err := b.Stat("/f")
		if err != nil {
			return -1
		}
		return fi.Size()
	}, 3*time.Second, 50*time.Millisecond).Should(Equal(int64(3)))
}

func TestNFSServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	v := vfs.New()
	require.NoError(t, v.Mount(vfs.NewMemoryFS(), "/"))

	s := NewNFSServer(v)
	assert.Empty(t, s.Addr())
	assert.Error(t, s.Serve(), "serve before listen")

	require.NoError(t, s.Listen("127.0.0.1:0"))
	assert.NotEmpty(t, s.Addr())

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()
	s.Shutdown()
	g.Eventually(done, 5*time.Second).Should(Receive(BeNil()))
}
