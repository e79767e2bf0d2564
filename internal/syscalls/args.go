package syscalls

import (
	"encoding/json"
	"fmt"

	"vkernel/internal/common"
)

// Args is the positional argument list of a request
type Args []json.RawMessage

// ParseArgs splits a JSON array into positional arguments
func ParseArgs(raw json.RawMessage) (Args, error) {
	var args Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: args: %v", common.ErrInvalidRequest, err)
	}
	return args, nil
}

// Len returns the number of arguments
func (a Args) Len() int { return len(a) }

// Want fails unless the call has between min and max arguments
func (a Args) Want(min, max int) error {
	if len(a) < min || len(a) > max {
		if min == max {
			return fmt.Errorf("%w: want %d args, got %d", common.ErrBadArgument, min, len(a))
		}
		return fmt.Errorf("%w: want %d-%d args, got %d", common.ErrBadArgument, min, max, len(a))
	}
	return nil
}

func (a Args) decode(i int, out any, kind string) error {
	if i >= len(a) {
		return fmt.Errorf("%w: missing arg %d (%s)", common.ErrBadArgument, i, kind)
	}
	if isNull(a[i]) {
		return fmt.Errorf("%w: arg %d is null, want %s", common.ErrBadArgument, i, kind)
	}
	if err := json.Unmarshal(a[i], out); err != nil {
		return fmt.Errorf("%w: arg %d: want %s", common.ErrBadArgument, i, kind)
	}
	return nil
}

// String returns argument i as a string
func (a Args) String(i int) (string, error) {
	var s string
	err := a.decode(i, &s, "string")
	return s, err
}

// Int returns argument i as an integer
func (a Args) Int(i int) (int, error) {
	var n int
	err := a.decode(i, &n, "integer")
	return n, err
}

// Bool returns argument i as a boolean
func (a Args) Bool(i int) (bool, error) {
	var b bool
	err := a.decode(i, &b, "boolean")
	return b, err
}

// Strings returns argument i as a list of strings
func (a Args) Strings(i int) ([]string, error) {
	var s []string
	err := a.decode(i, &s, "string list")
	return s, err
}

// StringMap returns argument i as a string-to-string object
func (a Args) StringMap(i int) (map[string]string, error) {
	var m map[string]string
	err := a.decode(i, &m, "string map")
	return m, err
}

// StringOr returns argument i as a string, or def when absent or null
func (a Args) StringOr(i int, def string) (string, error) {
	if i >= len(a) || isNull(a[i]) {
		return def, nil
	}
	return a.String(i)
}

// IntOr returns argument i as an integer, or def when absent or null
func (a Args) IntOr(i int, def int) (int, error) {
	if i >= len(a) || isNull(a[i]) {
		return def, nil
	}
	return a.Int(i)
}

// StringsOr returns argument i as a string list, or def when absent or null
func (a Args) StringsOr(i int, def []string) ([]string, error) {
	if i >= len(a) || isNull(a[i]) {
		return def, nil
	}
	return a.Strings(i)
}

// Decode unmarshals argument i into out
func (a Args) Decode(i int, out any) error {
	return a.decode(i, out, fmt.Sprintf("%T", out))
}
