package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		// Empty and root
		{"empty", "", "/"},
		{"root", "/", "/"},
		{"double_root", "//", "/"},
		{"dot", ".", "/"},

		// Simple paths
		{"relative", "foo", "/foo"},
		{"leading_slash", "/foo", "/foo"},
		{"trailing_slash", "/foo/", "/foo"},

		// Dots
		{"dot_middle", "/a/./b", "/a/b"},
		{"dot_and_dotdot", "/a/./b/../c", "/a/c"},
		{"dotdot_suffix", "/foo/..", "/"},

		// Never underflows past root
		{"dotdot_root", "/..", "/"},
		{"dotdot_twice", "/../../x", "/x"},
		{"dotdot_relative", "../foo", "/foo"},

		// Multiple slashes
		{"many_slashes", "///foo///bar///", "/foo/bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Clean(tt.input), "Clean(%q)", tt.input)
		})
	}
}

func TestClean_Idempotent(t *testing.T) {
	t.Parallel()

	for _, p := range []string{"", "/", "/a/../b", "x/./y//z", "/../.."} {
		once := Clean(p)
		assert.Equal(t, once, Clean(once), "Clean not idempotent for %q", p)
	}
}

func TestSegments(t *testing.T) {
	t.Parallel()

	t.Run("root yields sentinel", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, []string{RootSegment}, Segments("/"))
		assert.Equal(t, []string{RootSegment}, Segments(""))
		assert.Equal(t, []string{RootSegment}, Segments("/a/.."))
		assert.True(t, IsRoot(Segments("/")))
	})

	t.Run("nested path", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, []string{"a", "b", "c"}, Segments("/a/b/./c/"))
		assert.False(t, IsRoot(Segments("/a")))
	})
}

func TestPrefixes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"/"}, Prefixes("/"))
	assert.Equal(t, []string{"/", "/dev"}, Prefixes("/dev"))
	assert.Equal(t, []string{"/", "/dev", "/dev/dom", "/dev/dom/x"}, Prefixes("/dev/dom/x"))
}

func TestDepth(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, Depth("/"))
	assert.Equal(t, 1, Depth("/a"))
	assert.Equal(t, 3, Depth("/a/b/c/"))
}

func TestNameParts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		name     string
		basename string
		exts     []string
		parent   string
	}{
		{"/", "/", "/", nil, "/"},
		{"/a", "a", "a", nil, "/"},
		{"/src/main.go", "main.go", "main", []string{"go"}, "/src"},
		{"/x/archive.tar.gz", "archive.tar.gz", "archive", []string{"tar", "gz"}, "/x"},
		{"/home/.bashrc", ".bashrc", ".bashrc", nil, "/home"},
		{"/home/.config.yaml", ".config.yaml", ".config", []string{"yaml"}, "/home"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.name, Name(tt.path))
			assert.Equal(t, tt.basename, Basename(tt.path))
			assert.Equal(t, tt.exts, Extensions(tt.path))
			assert.Equal(t, tt.parent, Parent(tt.path))
		})
	}
}

func TestAbs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/etc/passwd", Abs("/home", "/etc/passwd"))
	assert.Equal(t, "/home/user/notes", Abs("/home/user", "notes"))
	assert.Equal(t, "/home/notes", Abs("/home/user", "../notes"))
	assert.Equal(t, "/notes", Abs("", "notes"))
}

func TestJoin(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/a/b", Join("a", "b"))
	assert.Equal(t, "/a/c", Join("/a/b", "../c"))
	assert.Equal(t, "/", Join())
}

func TestTrimPrefix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/x", TrimPrefix("/dev/dom/x", "/dev/dom"))
	assert.Equal(t, "/", TrimPrefix("/dev/dom", "/dev/dom"))
	assert.Equal(t, "/dev/dom/x", TrimPrefix("/dev/dom/x", "/"))
}
