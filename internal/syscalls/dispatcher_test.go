package syscalls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vkernel/internal/common"
)

type caller struct{ name string }

func newTestDispatcher() *Dispatcher[*caller] {
	d := NewDispatcher[*caller]()
	d.Register("echo", func(_ context.Context, _ *caller, args Args) (any, error) {
		if err := args.Want(1, 1); err != nil {
			return nil, err
		}
		return args.String(0)
	})
	d.Register("whoami", func(_ context.Context, c *caller, _ Args) (any, error) {
		return c.name, nil
	})
	d.Register("fail", func(context.Context, *caller, Args) (any, error) {
		return nil, fmt.Errorf("%w: /nope", common.ErrPathNotFound)
	})
	d.Register("panic", func(context.Context, *caller, Args) (any, error) {
		panic("boom")
	})
	d.Register("nothing", func(context.Context, *caller, Args) (any, error) {
		return nil, nil
	})
	return d
}

func decode(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestDispatcher_Success(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	resp := d.Handle(context.Background(), &caller{name: "init"},
		[]byte(`{"type":"syscall","name":"echo","args":["hi"],"id":"abc"}`))

	m := decode(t, resp)
	assert.Equal(t, "success", m["status"])
	assert.Equal(t, "hi", m["result"])
	assert.Equal(t, "abc", m["id"])
	assert.NotContains(t, m, "reason")

	resp = d.Handle(context.Background(), &caller{name: "init"},
		[]byte(`{"type":"syscall","name":"whoami","args":[],"id":7}`))
	m = decode(t, resp)
	assert.Equal(t, "init", m["result"])
	assert.Equal(t, float64(7), m["id"])
}

func TestDispatcher_NullResultStillAnswers(t *testing.T) {
	t.Parallel()

	resp := newTestDispatcher().Handle(context.Background(), &caller{},
		[]byte(`{"type":"syscall","name":"nothing","args":[],"id":"x"}`))
	m := decode(t, resp)
	assert.Equal(t, "success", m["status"])
	assert.Contains(t, m, "result")
	assert.Nil(t, m["result"])
}

func TestDispatcher_InvalidEnvelopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		wantID any
	}{
		{"not json", `{nope`, nil},
		{"wrong type", `{"type":"event","name":"echo","args":[],"id":"1"}`, "1"},
		{"missing type", `{"name":"echo","args":[],"id":"1"}`, "1"},
		{"missing id", `{"type":"syscall","name":"echo","args":["x"]}`, nil},
		{"null id", `{"type":"syscall","name":"echo","args":["x"],"id":null}`, nil},
		{"missing name", `{"type":"syscall","args":[],"id":"2"}`, "2"},
		{"unknown name", `{"type":"syscall","name":"nope","args":[],"id":"3"}`, "3"},
		{"args not array", `{"type":"syscall","name":"echo","args":{"a":1},"id":"4"}`, "4"},
		{"args missing", `{"type":"syscall","name":"echo","id":"5"}`, "5"},
		{"array envelope", `[1,2,3]`, nil},
	}

	d := newTestDispatcher()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := d.Handle(context.Background(), &caller{}, []byte(tt.input))
			m := decode(t, resp)
			assert.Equal(t, "error", m["status"])
			assert.Equal(t, common.CodeInvalidRequest, m["reason"])
			assert.Contains(t, m, "id")
			assert.Equal(t, tt.wantID, m["id"])
		})
	}
}

func TestDispatcher_HandlerErrors(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()

	t.Run("typed error", func(t *testing.T) {
		t.Parallel()
		resp := d.Handle(context.Background(), &caller{}, []byte(`{"type":"syscall","name":"fail","args":[],"id":"f"}`))
		assert.Equal(t, StatusError, resp.Status)
		assert.Equal(t, common.CodePathNotFound, resp.Reason)
		assert.Contains(t, resp.Message, "/nope")
		assert.ErrorIs(t, resp.Err(), common.ErrPathNotFound)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		t.Parallel()
		resp := d.Handle(context.Background(), &caller{}, []byte(`{"type":"syscall","name":"panic","args":[],"id":"p"}`))
		assert.Equal(t, StatusError, resp.Status)
		assert.Equal(t, common.CodeInternal, resp.Reason)
		assert.Equal(t, json.RawMessage(`"p"`), resp.ID)
	})

	t.Run("bad arity", func(t *testing.T) {
		t.Parallel()
		resp := d.Handle(context.Background(), &caller{}, []byte(`{"type":"syscall","name":"echo","args":[],"id":"a"}`))
		assert.Equal(t, common.CodeBadArgument, resp.Reason)
	})

	t.Run("bad type", func(t *testing.T) {
		t.Parallel()
		resp := d.Handle(context.Background(), &caller{}, []byte(`{"type":"syscall","name":"echo","args":[42],"id":"a"}`))
		assert.Equal(t, common.CodeBadArgument, resp.Reason)
	})
}

func TestDispatcher_Names(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"echo", "fail", "nothing", "panic", "whoami"}, newTestDispatcher().Names())
}

func TestArgs(t *testing.T) {
	t.Parallel()

	args, err := ParseArgs(json.RawMessage(`["s", 3, true, ["a","b"], {"k":"v"}, null]`))
	require.NoError(t, err)
	assert.Equal(t, 6, args.Len())

	s, err := args.String(0)
	require.NoError(t, err)
	assert.Equal(t, "s", s)

	n, err := args.Int(1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	b, err := args.Bool(2)
	require.NoError(t, err)
	assert.True(t, b)

	list, err := args.Strings(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)

	m, err := args.StringMap(4)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, m)

	_, err = args.String(5)
	assert.ErrorIs(t, err, common.ErrBadArgument)
	def, err := args.StringOr(5, "dflt")
	require.NoError(t, err)
	assert.Equal(t, "dflt", def)
	def, err = args.StringOr(9, "far")
	require.NoError(t, err)
	assert.Equal(t, "far", def)

	_, err = args.Int(0)
	assert.ErrorIs(t, err, common.ErrBadArgument)
	_, err = args.String(10)
	assert.ErrorIs(t, err, common.ErrBadArgument)

	assert.NoError(t, args.Want(1, 6))
	assert.ErrorIs(t, args.Want(0, 2), common.ErrBadArgument)
	assert.ErrorIs(t, args.Want(7, 7), common.ErrBadArgument)
}

func TestRemoteError(t *testing.T) {
	t.Parallel()

	err := (&Response{Status: StatusError, Reason: common.CodeSymlinkLoop, Message: "/a"}).Err()
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "SymlinkLoopExceeded: /a", remote.Error())
	assert.ErrorIs(t, err, common.ErrSymlinkLoop)

	assert.NoError(t, (&Response{Status: StatusSuccess}).Err())
}

func TestNewRequest(t *testing.T) {
	t.Parallel()

	data, err := NewRequest("id-1", "open", "/a", "r")
	require.NoError(t, err)
	req, id, err := ParseRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "open", req.Name)
	assert.JSONEq(t, `"id-1"`, string(id))
	assert.JSONEq(t, `["/a","r"]`, string(req.Args))

	data, err = NewRequest("id-2", "getpid")
	require.NoError(t, err)
	req, _, err = ParseRequest(data)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(req.Args))
}
