package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, c := range codes {
			require.NotNil(t, c.err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, c := range codes {
			msg := c.err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})

	t.Run("all codes are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, c := range codes {
			assert.False(t, seen[c.code], "duplicate code: %s", c.code)
			seen[c.code] = true
		}
	})
}

func TestCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"bare sentinel", ErrPathNotFound, CodePathNotFound},
		{"wrapped sentinel", fmt.Errorf("%w: /a/b", ErrSymlinkLoop), CodeSymlinkLoop},
		{"double wrapped", fmt.Errorf("open: %w", fmt.Errorf("%w: x", ErrPermissionDenied)), CodePermissionDenied},
		{"foreign error", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestFromCode(t *testing.T) {
	t.Parallel()

	for _, c := range codes {
		assert.Equal(t, c.err, FromCode(c.code))
	}
	assert.Equal(t, ErrInternal, FromCode("NoSuchCode"))
}
