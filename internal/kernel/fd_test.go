package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vkernel/internal/common"
	"vkernel/internal/vfs"
)

func newTestProcess(t *testing.T) (*Process, *vfs.VFS) {
	t.Helper()
	fs := vfs.New()
	require.NoError(t, fs.Mount(vfs.NewMemoryFS(), "/"))
	return newProcess(fs, []string{"test"}, "-", SpawnOptions{}), fs
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode string
		want Mode
	}{
		{"r", Mode{Read: true}},
		{"r+", Mode{Read: true, Write: true}},
		{"w", Mode{Write: true, Truncate: true, Create: true}},
		{"w+", Mode{Read: true, Write: true, Truncate: true, Create: true}},
		{"a", Mode{Write: true, Create: true, Append: true}},
		{"a+", Mode{Read: true, Write: true, Create: true, Append: true}},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			t.Parallel()
			got, err := ParseMode(tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "rw", "x", "W", "r++"} {
		_, err := ParseMode(bad)
		assert.ErrorIs(t, err, common.ErrBadArgument, "mode %q", bad)
	}
}

func TestOpen_CreateSemantics(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcess(t)

	_, err := p.Open("/new.txt", "r")
	assert.ErrorIs(t, err, common.ErrPathNotFound)
	_, err = p.Open("/new.txt", "r+")
	assert.ErrorIs(t, err, common.ErrPathNotFound)

	fd, err := p.Open("/new.txt", "w")
	require.NoError(t, err)
	assert.Equal(t, 0, fd)

	rfd, err := p.Open("/new.txt", "r")
	require.NoError(t, err)
	data, err := p.Read(rfd)
	require.NoError(t, err)
	assert.Equal(t, "", data)
}

func TestOpen_ModeGates(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcess(t)

	w, err := p.Open("/f", "w")
	require.NoError(t, err)
	require.NoError(t, p.Write(w, "hello"))
	_, err = p.Read(w)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)

	r, err := p.Open("/f", "r")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Write(r, "x"), common.ErrPermissionDenied)
	data, err := p.Read(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", data)
}

func TestOpen_TruncateAndAppend(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcess(t)

	fd, err := p.Open("/log", "a+")
	require.NoError(t, err)
	require.NoError(t, p.Write(fd, "one\n"))
	require.NoError(t, p.Write(fd, "two\n"))
	data, err := p.Read(fd)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", data)

	// r+ replaces instead of appending
	rw, err := p.Open("/log", "r+")
	require.NoError(t, err)
	require.NoError(t, p.Write(rw, "three\n"))
	data, err = p.Read(rw)
	require.NoError(t, err)
	assert.Equal(t, "three\n", data)

	// w+ truncates at open
	wp, err := p.Open("/log", "w+")
	require.NoError(t, err)
	data, err = p.Read(wp)
	require.NoError(t, err)
	assert.Equal(t, "", data)
}

func TestOpen_RelativeToCwd(t *testing.T) {
	t.Parallel()

	p, fs := newTestProcess(t)
	_, err := fs.Mkdir("/home")
	require.NoError(t, err)
	require.NoError(t, p.Chdir("home"))
	assert.Equal(t, "/home", p.Getcwd())

	_, err = p.Open("notes", "w")
	require.NoError(t, err)
	_, err = fs.Resolve("/home/notes")
	assert.NoError(t, err)

	_, err = fs.Touch("/home/file")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Chdir("file"), common.ErrNotDir)
	assert.ErrorIs(t, p.Chdir("/missing"), common.ErrPathNotFound)
}

func TestDescriptorTable(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcess(t)

	a, err := p.Open("/a", "w")
	require.NoError(t, err)
	b, err := p.Open("/b", "w")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, []int{a, b})

	t.Run("close frees the slot for reuse", func(t *testing.T) {
		require.NoError(t, p.Close(a))
		assert.ErrorIs(t, p.Close(a), common.ErrBadDescriptor)
		_, err := p.Read(a)
		assert.ErrorIs(t, err, common.ErrBadDescriptor)

		c, err := p.Open("/c", "w")
		require.NoError(t, err)
		assert.Equal(t, 0, c)
	})

	t.Run("dup aliases the same file", func(t *testing.T) {
		d, err := p.Dup(b)
		require.NoError(t, err)
		assert.Equal(t, 2, d)
		require.NoError(t, p.Write(d, "via dup"))

		r, err := p.Open("/b", "r")
		require.NoError(t, err)
		data, err := p.Read(r)
		require.NoError(t, err)
		assert.Equal(t, "via dup", data)
	})

	t.Run("dup2 grows the table", func(t *testing.T) {
		got, err := p.Dup2(b, 10)
		require.NoError(t, err)
		assert.Equal(t, 10, got)
		desc, err := p.Descriptor(10)
		require.NoError(t, err)
		assert.Equal(t, "/b", desc.Path)

		_, err = p.Descriptor(9)
		assert.ErrorIs(t, err, common.ErrBadDescriptor)
		_, err = p.Dup2(99, 3)
		assert.ErrorIs(t, err, common.ErrBadDescriptor)
		_, err = p.Dup2(b, -1)
		assert.ErrorIs(t, err, common.ErrBadDescriptor)
	})

	t.Run("descriptors listing", func(t *testing.T) {
		infos := p.Descriptors()
		require.NotEmpty(t, infos)
		assert.Equal(t, "/c", infos[0].Path)
		assert.Equal(t, "file", infos[0].Kind)
	})
}

func TestEnv(t *testing.T) {
	t.Parallel()

	p, _ := newTestProcess(t)
	_, ok := p.Getenv("HOME")
	assert.False(t, ok)

	require.NoError(t, p.Setenv("HOME", "/home"))
	v, ok := p.Getenv("HOME")
	assert.True(t, ok)
	assert.Equal(t, "/home", v)

	assert.ErrorIs(t, p.Setenv("", "x"), common.ErrBadArgument)
	assert.ErrorIs(t, p.Setenv("A=B", "x"), common.ErrBadArgument)

	env := p.Environ()
	env["HOME"] = "changed"
	v, _ = p.Getenv("HOME")
	assert.Equal(t, "/home", v)
	assert.Equal(t, "HOME=/home\n", p.environLines())
}

func TestProgramName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "echo", ProgramName("#!echo\n"))
	assert.Equal(t, "echo", ProgramName("#!/bin/echo -n\nrest"))
	assert.Equal(t, "cat", ProgramName("  #! cat  "))
	assert.Equal(t, Interpreter, ProgramName("echo hi\n"))
	assert.Equal(t, Interpreter, ProgramName("#!\n"))
	assert.Equal(t, Interpreter, ProgramName(""))
}
