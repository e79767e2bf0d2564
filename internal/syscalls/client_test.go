package syscalls

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vkernel/internal/common"
)

// serve answers requests from port through d. Each request is handled on its
// own goroutine after a random delay, so responses come back out of order.
func serve(t *testing.T, port Port, d *Dispatcher[*caller]) {
	t.Helper()
	go func() {
		for {
			msg, err := port.Recv()
			if err != nil {
				return
			}
			go func(msg []byte) {
				time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
				resp := d.Handle(context.Background(), &caller{name: "svc"}, msg)
				data, _ := json.Marshal(resp)
				_ = port.Send(data)
			}(msg)
		}
	}()
}

func TestClient_ConcurrentCallsCorrelate(t *testing.T) {
	t.Parallel()

	procEnd, kernEnd := Pipe()
	serve(t, kernEnd, newTestDispatcher())
	client := NewClient(procEnd)
	defer client.Close()

	const n = 50
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = client.CallInto(context.Background(), &results[i], "echo", fmt.Sprintf("msg-%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("msg-%d", i), results[i])
	}
	assert.Equal(t, 0, client.Pending())
}

func TestClient_RemoteError(t *testing.T) {
	t.Parallel()

	procEnd, kernEnd := Pipe()
	serve(t, kernEnd, newTestDispatcher())
	client := NewClient(procEnd)
	defer client.Close()

	_, err := client.Call(context.Background(), "fail")
	assert.ErrorIs(t, err, common.ErrPathNotFound)

	_, err = client.Call(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrInvalidRequest)
}

func TestClient_DropsUnknownAndDuplicateIDs(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	procEnd, kernEnd := Pipe()
	client := NewClient(procEnd)
	defer client.Close()

	done := make(chan string, 1)
	go func() {
		var out string
		if err := client.CallInto(context.Background(), &out, "echo", "x"); err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- out
	}()

	msg, err := kernEnd.Recv()
	require.NoError(t, err)
	_, id, err := ParseRequest(msg)
	require.NoError(t, err)

	// Unknown id first, then the real answer twice
	stray, _ := json.Marshal(Success(json.RawMessage(`"not-a-call"`), "stray"))
	require.NoError(t, kernEnd.Send(stray))
	first, _ := json.Marshal(Success(id, "first"))
	require.NoError(t, kernEnd.Send(first))
	second, _ := json.Marshal(Success(id, "second"))
	require.NoError(t, kernEnd.Send(second))

	g.Eventually(done).Should(Receive(Equal("first")))
	g.Consistently(done, 50*time.Millisecond).ShouldNot(Receive())
	g.Expect(client.Pending()).To(Equal(0))
}

func TestClient_CloseAbandonsPending(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	procEnd, kernEnd := Pipe()
	client := NewClient(procEnd)

	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := client.Call(context.Background(), "echo", "never answered")
			errCh <- err
		}()
	}
	// Wait until all three requests are on the wire
	for i := 0; i < 3; i++ {
		_, err := kernEnd.Recv()
		require.NoError(t, err)
	}
	g.Expect(client.Pending()).To(Equal(3))

	require.NoError(t, client.Close())
	for i := 0; i < 3; i++ {
		var err error
		g.Eventually(errCh).Should(Receive(&err))
		g.Expect(err).To(MatchError(common.ErrAbandoned))
	}

	_, err := client.Call(context.Background(), "echo", "late")
	assert.ErrorIs(t, err, common.ErrAbandoned)
}

func TestClient_ContextCancel(t *testing.T) {
	t.Parallel()

	procEnd, _ := Pipe()
	client := NewClient(procEnd)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "echo", "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, client.Pending())
}

func TestStreamPort(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	left := NewStreamPort(a)
	right := NewStreamPort(b)
	serve(t, right, newTestDispatcher())

	client := NewClient(left)
	var out string
	require.NoError(t, client.CallInto(context.Background(), &out, "echo", "over the wire"))
	assert.Equal(t, "over the wire", out)

	require.NoError(t, client.Close())
	select {
	case <-client.Done():
	default:
		t.Fatal("read loop still running after Close")
	}
}

func TestPipe_CloseDrains(t *testing.T) {
	t.Parallel()

	a, b := Pipe()
	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Close())

	msg, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, "one", string(msg))
	_, err = b.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, b.Send([]byte("x")), io.ErrClosedPipe)
}

func TestMailbox(t *testing.T) {
	t.Parallel()

	m := NewMailbox()
	ch, err := m.Register("a")
	require.NoError(t, err)
	_, err = m.Register("a")
	assert.ErrorIs(t, err, common.ErrBadArgument)

	assert.True(t, m.Resolve("a", &Response{Status: StatusSuccess}))
	assert.False(t, m.Resolve("a", &Response{Status: StatusSuccess}))
	assert.Equal(t, StatusSuccess, (<-ch).Status)

	_, err = m.Register("b")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Abandon("shutdown"))
	_, err = m.Register("c")
	assert.ErrorIs(t, err, common.ErrAbandoned)
}
