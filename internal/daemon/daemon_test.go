package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vkernel/internal/common"
	"vkernel/internal/kernel"
	"vkernel/internal/syscalls"
	"vkernel/internal/vfs"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want log.Level
		ok   bool
	}{
		{"", log.PanicLevel, false},
		{"none", log.PanicLevel, false},
		{"off", log.PanicLevel, false},
		{"trace", log.TraceLevel, true},
		{"DEBUG", log.DebugLevel, true},
		{"info", log.InfoLevel, true},
		{"warn", log.WarnLevel, true},
		{"chatty", log.DebugLevel, true},
	}
	for _, tt := range tests {
		lvl, ok := ParseLogLevel(tt.in)
		assert.Equal(t, tt.ok, ok, "level %q", tt.in)
		if ok {
			assert.Equal(t, tt.want, lvl, "level %q", tt.in)
		}
	}
}

func TestTruncateLogFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kernel.log")

	require.NoError(t, truncateLogFile(path, 10), "missing file is fine")

	var lines []string
	for i := range 100 {
		lines = append(lines, strings.Repeat(string(rune('a'+i%26)), 9))
	}
	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	require.NoError(t, truncateLogFile(path, int64(len(content))))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data), "under the limit")

	require.NoError(t, truncateLogFile(path, 100))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	got := string(data)
	assert.True(t, strings.HasPrefix(got, "--- Log truncated at "))
	assert.Less(t, len(got), len(content))
	assert.True(t, strings.HasSuffix(got, lines[99]+"\n"), "recent lines are kept")
}

func TestBoot(t *testing.T) {
	isolate(t)
	rootfs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "etc", "motd"), []byte("hi\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "etc", "secret"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, ".kernelignore"), []byte("secret\n"), 0644))

	d := New(&GlobalSettings{
		RootFS:     rootfs,
		IgnoreFile: ".kernelignore",
		Mounts: []MountSpec{
			{Path: "/proc", Backend: "proc"},
			{Path: "/var/tmp", Backend: "memory"},
			{Path: "/data", Backend: "sql", Source: "data.db"},
		},
	})
	k, err := d.Boot()
	require.NoError(t, err)
	defer func() {
		for _, m := range []string{"/data", "/var/tmp", "/proc"} {
			assert.NoError(t, k.Unmount(m))
		}
	}()

	e, err := k.FS().Resolve("/etc/motd")
	require.NoError(t, err)
	data, err := e.Data()
	require.NoError(t, err)
	assert.Equal(t, "hi\n", data)

	_, err = k.FS().Resolve("/etc/secret")
	assert.ErrorIs(t, err, common.ErrPathNotFound)

	var backends []string
	for _, m := range k.FS().Mounts() {
		backends = append(backends, m.Path+"="+m.Backend)
	}
	assert.Equal(t, []string{"/=memory", "/proc=proc", "/var/tmp=memory", "/data=sql"}, backends)
	assert.FileExists(t, filepath.Join(ConfigDir(), "data.db"))

	assert.Subset(t, k.BackendKinds(), []string{"host", "memory", "proc", "sql"})
	assert.Contains(t, k.Dispatcher().Names(), SyscallInfo)
	assert.Contains(t, k.Dispatcher().Names(), SyscallShutdown)
}

func TestBoot_Errors(t *testing.T) {
	isolate(t)

	t.Run("missing rootfs", func(t *testing.T) {
		d := New(&GlobalSettings{RootFS: filepath.Join(t.TempDir(), "nope")})
		_, err := d.Boot()
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		d := New(&GlobalSettings{Mounts: []MountSpec{{Path: "/x", Backend: "tape"}}})
		_, err := d.Boot()
		assert.ErrorIs(t, err, common.ErrBadArgument)
	})

	t.Run("sql without source", func(t *testing.T) {
		d := New(&GlobalSettings{Mounts: []MountSpec{{Path: "/x", Backend: "sql"}}})
		_, err := d.Boot()
		assert.ErrorIs(t, err, common.ErrBadArgument)
	})
}

func TestHostBackend(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme"), []byte("host file"), 0644))

	b, err := backendFactories()["host"](dir)
	require.NoError(t, err)
	v := vfs.New()
	require.NoError(t, v.Mount(b, "/"))
	e, err := v.Resolve("/readme")
	require.NoError(t, err)
	data, err := e.Data()
	require.NoError(t, err)
	assert.Equal(t, "host file", data)
}

// startDaemon runs a daemon in an isolated config dir and returns a
// connected client plus the channel Run reports on
func startDaemon(t *testing.T, settings *GlobalSettings) (*Daemon, *syscalls.Client, <-chan error) {
	t.Helper()
	g := NewWithT(t)
	isolate(t)
	if settings.Socket == "" {
		// unix socket paths are length limited; keep it short
		sockDir, err := os.MkdirTemp("", "vk")
		require.NoError(t, err)
		t.Cleanup(func() { os.RemoveAll(sockDir) })
		settings.Socket = filepath.Join(sockDir, "k.sock")
	}

	d := New(settings)
	d.Version = "test"
	ctx, cancel := context.WithCancel(context.Background())
	// stopped is for cleanup; done belongs to the test and may be drained
	stopped := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	g.Eventually(func() bool { return IsDaemonRunning(settings.Socket) }, 5*time.Second, 10*time.Millisecond).Should(BeTrue())
	c, err := Dial(context.Background(), settings.Socket)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return d, c, done
}

func TestDaemon_RunServesSyscalls(t *testing.T) {
	settings := loadDefaultGlobalSettings()
	d, c, _ := startDaemon(t, &settings)
	ctx := context.Background()

	assert.FileExists(t, PidPath())

	var info Info
	require.NoError(t, c.CallInto(ctx, &info, SyscallInfo))
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "test", info.Version)
	assert.Contains(t, info.Programs, "sh")
	assert.Contains(t, info.Backends, "sql")
	assert.GreaterOrEqual(t, info.Processes, 1)

	var fd int
	require.NoError(t, c.CallInto(ctx, &fd, "open", "/tmp/note", "w"))
	_, err := c.Call(ctx, "write", fd, "over the socket")
	require.NoError(t, err)
	_, err = c.Call(ctx, "close", fd)
	require.NoError(t, err)

	e, err := d.Kernel().FS().Resolve("/tmp/note")
	require.NoError(t, err)
	data, err := e.Data()
	require.NoError(t, err)
	assert.Equal(t, "over the socket", data)

	var cwd string
	require.NoError(t, c.CallInto(ctx, &cwd, "getcwd"))
	assert.Equal(t, "/", cwd)

	t.Run("second instance is refused", func(t *testing.T) {
		other := New(&GlobalSettings{Socket: filepath.Join(filepath.Dir(settings.Socket), "other.sock")})
		err := other.Run(context.Background())
		assert.ErrorContains(t, err, "already running")
	})
}

func TestDaemon_SpawnAndWait(t *testing.T) {
	settings := loadDefaultGlobalSettings()
	_, c, _ := startDaemon(t, &settings)
	ctx := context.Background()
	g := NewWithT(t)

	var pid int
	require.NoError(t, c.CallInto(ctx, &pid, "spawn", "#!sh\nmkdir -p /tmp/a/b\nwrite /tmp/a/b/f made by sh\n", []string{"sh"}))

	g.Eventually(func() string {
		var info kernel.ProcessInfo
		if err := c.CallInto(ctx, &info, "wait", pid); err != nil {
			return err.Error()
		}
		return info.State
	}, 5*time.Second, 10*time.Millisecond).Should(Equal(kernel.StateExited))

	var fd int
	require.NoError(t, c.CallInto(ctx, &fd, "open", "/tmp/a/b/f", "r"))
	var data string
	require.NoError(t, c.CallInto(ctx, &data, "read", fd))
	assert.Equal(t, "made by sh\n", data)
}

func TestDaemon_Shutdown(t *testing.T) {
	settings := loadDefaultGlobalSettings()
	_, c, done := startDaemon(t, &settings)
	g := NewWithT(t)

	_, err := c.Call(context.Background(), SyscallShutdown)
	require.NoError(t, err)

	g.Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	assert.NoFileExists(t, PidPath())
	assert.NoFileExists(t, settings.Socket)
	g.Consistently(done, 100*time.Millisecond).ShouldNot(Receive(), "Run reports once")
}

func TestDaemon_NFSExport(t *testing.T) {
	settings := loadDefaultGlobalSettings()
	settings.NFSListen = "127.0.0.1:0"
	_, c, _ := startDaemon(t, &settings)

	var info Info
	require.NoError(t, c.CallInto(context.Background(), &info, SyscallInfo))
	assert.True(t, strings.HasPrefix(info.NFS, "127.0.0.1:"), "bound address %q", info.NFS)
}
