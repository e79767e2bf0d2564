package userland

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vkernel/internal/common"
	"vkernel/internal/kernel"
	"vkernel/internal/syscalls"
	"vkernel/internal/util"
	"vkernel/internal/vfs"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var testWait = util.PollConfig{Timeout: 5 * time.Second, Interval: 5 * time.Millisecond}

// boot starts a kernel with every program registered and returns a Sys
// for an attached process, plus the console
func boot(t *testing.T) (*kernel.Kernel, *Sys, *syncBuffer) {
	t.Helper()

	fs := vfs.New()
	require.NoError(t, fs.Mount(vfs.NewMemoryFS(), "/"))
	factory := kernel.NewGoroutineFactory()
	Register(factory)
	console := &syncBuffer{}
	k := kernel.New(fs, kernel.Options{Console: console, Factory: factory})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = k.Run(ctx)
	}()

	procEnd, kernEnd := syscalls.Pipe()
	k.Attach(kernEnd, []string{"test"}, kernel.SpawnOptions{})
	c := syscalls.NewClient(procEnd)
	t.Cleanup(func() {
		c.Close()
		cancel()
		<-done
	})
	return k, NewSys(context.Background(), c), console
}

// run spawns image with argv and returns its exit code
func run(t *testing.T, sys *Sys, image string, argv ...string) int {
	t.Helper()
	pid, err := sys.Spawn(image, argv)
	require.NoError(t, err)
	code, err := sys.Wait(pid, testWait)
	require.NoError(t, err)
	return code
}

func TestRegister(t *testing.T) {
	t.Parallel()
	f := kernel.NewGoroutineFactory()
	Register(f)
	assert.Equal(t, []string{"cat", "echo", "false", "ls", "mkdir", "sh", "true", "write"}, f.Programs())
}

func TestTrueFalse(t *testing.T) {
	t.Parallel()
	_, sys, _ := boot(t)
	assert.Equal(t, 0, run(t, sys, "#!true\n"))
	assert.Equal(t, 1, run(t, sys, "#!false\n"))
}

func TestEcho(t *testing.T) {
	t.Parallel()
	_, sys, console := boot(t)

	assert.Equal(t, 0, run(t, sys, "#!echo\n", "echo", "hello", "world"))
	assert.Equal(t, 0, run(t, sys, "#!echo\n", "echo", "-n", "no", "newline"))
	assert.Equal(t, "hello world\nno newline", console.String())
}

func TestFilePrograms(t *testing.T) {
	t.Parallel()
	_, sys, console := boot(t)

	assert.Equal(t, 0, run(t, sys, "#!mkdir\n", "mkdir", "-p", "/home/user"))
	assert.Equal(t, 1, run(t, sys, "#!mkdir\n", "mkdir", "/x/y"))
	assert.Equal(t, 0, run(t, sys, "#!write\n", "write", "/home/user/notes", "first"))
	assert.Equal(t, 0, run(t, sys, "#!write\n", "write", "-a", "/home/user/notes", "second", "line"))

	data, err := sys.ReadFile("/home/user/notes")
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond line\n", data)

	before := len(console.String())
	assert.Equal(t, 0, run(t, sys, "#!cat\n", "cat", "/home/user/notes"))
	assert.Equal(t, "first\nsecond line\n", console.String()[before:])

	before = len(console.String())
	assert.Equal(t, 1, run(t, sys, "#!cat\n", "cat", "/missing"))
	assert.Contains(t, console.String()[before:], "cat: /missing:")
	assert.Contains(t, console.String()[before:], common.CodePathNotFound)

	before = len(console.String())
	assert.Equal(t, 0, run(t, sys, "#!ls\n", "ls", "/home", "/home/user/notes"))
	assert.Equal(t, "/home:\nuser\n/home/user/notes\n", console.String()[before:])
}

func TestShell_Script(t *testing.T) {
	t.Parallel()
	k, sys, console := boot(t)

	_, err := k.FS().Mkdir("/bin")
	require.NoError(t, err)
	require.NoError(t, sys.WriteFile("/bin/greet", "#!echo\n", false))
	require.NoError(t, k.FS().Chmod("/bin/greet", vfs.Perms{Read: true, Write: true, Execute: true}))

	script := strings.Join([]string{
		"# setup",
		"mkdir -p /a/b",
		"write /a/b/f hello world",
		"cat /a/b/f",
		"greet from bin",
		"",
		"export NAME=vk",
		"echo $NAME $?",
		"false",
		"echo status $?",
		"nosuch",
		"echo status $?",
		"cd /a/b",
		"cat f",
		"exit 4",
		"echo unreachable",
	}, "\n")

	assert.Equal(t, 4, run(t, sys, script))

	out := console.String()
	assert.True(t, strings.HasPrefix(out, "hello world\nfrom bin\nvk 0\nstatus 1\nsh: nosuch:"), out)
	assert.True(t, strings.HasSuffix(out, "status 127\nhello world\n"), out)
	assert.NotContains(t, out, "unreachable")
}

func TestShell_CommandFlag(t *testing.T) {
	t.Parallel()
	_, sys, console := boot(t)

	code := run(t, sys, "#!sh\n", "sh", "-c", "echo one\necho two")
	assert.Equal(t, 0, code)
	assert.Equal(t, "one\ntwo\n", console.String())
}

func TestShell_ExecNeedsExecuteBit(t *testing.T) {
	t.Parallel()
	_, sys, console := boot(t)

	require.NoError(t, sys.WriteFile("/script", "#!echo\n", false))
	assert.Equal(t, 126, run(t, sys, "/script"))
	assert.Contains(t, console.String(), "sh: /script:")
}

func TestShell_ChildrenAreReaped(t *testing.T) {
	t.Parallel()
	k, sys, _ := boot(t)

	assert.Equal(t, 0, run(t, sys, "true\ntrue\ntrue"))

	g := NewWithT(t)
	g.Eventually(func() int { return k.Processes().Len() }, "2s", "10ms").Should(Equal(1),
		"only the attached test process remains")
}

func TestScript(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		inv  kernel.Invocation
		want []string
	}{
		{"plain image", kernel.Invocation{Image: "echo a\necho b"}, []string{"echo a", "echo b"}},
		{"shebang stripped", kernel.Invocation{Image: "#!sh\necho a"}, []string{"echo a"}},
		{"dash c wins", kernel.Invocation{Image: "echo a", Argv: []string{"sh", "-c", "true"}}, []string{"true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inv := tt.inv
			assert.Equal(t, tt.want, Script(&inv))
		})
	}
}
