package util

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollUntil(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	err := PollUntil(context.Background(), PollConfig{Timeout: time.Second, Interval: time.Millisecond}, func() bool {
		return n.Add(1) >= 3
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), n.Load())

	err = PollUntil(context.Background(), PollConfig{Timeout: 20 * time.Millisecond, Interval: 5 * time.Millisecond}, func() bool {
		return false
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollUntil_Config(t *testing.T) {
	t.Parallel()

	// zero values fall back to the startup config
	cfg := PollConfig{}.withDefaults()
	assert.Equal(t, StartupPollConfig(), cfg)
	assert.Equal(t, time.Hour, ExitPollConfig().Timeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := PollUntil(ctx, ExitPollConfig(), func() bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_DatabaseLocked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	}, DatabaseRetryOptions(ctx)...)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	sentinel := errors.New("constraint failed")
	calls = 0
	err = Retry(ctx, func() error {
		calls++
		return sentinel
	}, DatabaseRetryOptions(ctx)...)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls, "non-lock errors are not retried")
}

func TestRetryWithResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	calls := 0
	got, err := RetryWithResult(ctx, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestIsProcessRunning(t *testing.T) {
	t.Parallel()
	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-1))
}

func TestIsDatabaseLocked(t *testing.T) {
	t.Parallel()
	assert.False(t, IsDatabaseLocked(nil))
	assert.True(t, IsDatabaseLocked(errors.New("SQLITE_BUSY: database is locked")))
	assert.False(t, IsDatabaseLocked(errors.New("no such table")))
}
