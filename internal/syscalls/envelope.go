// Copyright 2024 vkernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package syscalls implements the request/response protocol between a
// process and the kernel: JSON envelopes matched by correlation id.
package syscalls

import (
	"bytes"
	"encoding/json"
	"fmt"

	"vkernel/internal/common"
)

// TypeSyscall is the only request type the kernel accepts
const TypeSyscall = "syscall"

// Response statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request is a syscall envelope sent by a process
type Request struct {
	Type string          `json:"type"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	ID   json.RawMessage `json:"id"`
}

// Response is the kernel's answer to exactly one Request
type Response struct {
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// OK reports whether the response carries a result
func (r *Response) OK() bool {
	return r.Status == StatusSuccess
}

// Err converts an error response into a *RemoteError, nil on success
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return &RemoteError{Reason: r.Reason, Message: r.Message}
}

// RemoteError is an error reported by the kernel. It unwraps to the
// matching sentinel in internal/common so errors.Is works across the wire.
type RemoteError struct {
	Reason  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Message
}

func (e *RemoteError) Unwrap() error {
	return common.FromCode(e.Reason)
}

// NewRequest encodes a syscall request. id is any JSON-encodable token.
func NewRequest(id any, name string, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: encode args for %s: %v", common.ErrBadArgument, name, err)
	}
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("%w: encode id for %s: %v", common.ErrBadArgument, name, err)
	}
	return json.Marshal(&Request{Type: TypeSyscall, Name: name, Args: rawArgs, ID: rawID})
}

// Success builds a success response echoing id
func Success(id json.RawMessage, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return Failure(id, fmt.Errorf("%w: encode result: %v", common.ErrInternal, err))
	}
	return &Response{Status: StatusSuccess, Result: raw, ID: id}
}

// Failure builds an error response echoing id
func Failure(id json.RawMessage, err error) *Response {
	return &Response{Status: StatusError, Reason: common.Code(err), Message: err.Error(), ID: id}
}

// isNull reports whether raw is absent or the JSON literal null
func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// isArray reports whether raw is a JSON array
func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// ParseRequest decodes and validates the envelope shape. The returned id is
// whatever could be recovered, so even an invalid request can be answered.
func ParseRequest(data []byte) (*Request, json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		// Best effort: pull just the id out of a structurally odd envelope
		var partial struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(data, &partial)
		return nil, partial.ID, fmt.Errorf("%w: malformed envelope: %v", common.ErrInvalidRequest, err)
	}
	if req.Type != TypeSyscall {
		return nil, req.ID, fmt.Errorf("%w: type %q", common.ErrInvalidRequest, req.Type)
	}
	if isNull(req.ID) {
		return nil, nil, fmt.Errorf("%w: missing id", common.ErrInvalidRequest)
	}
	if req.Name == "" {
		return nil, req.ID, fmt.Errorf("%w: missing name", common.ErrInvalidRequest)
	}
	if !isArray(req.Args) {
		return nil, req.ID, fmt.Errorf("%w: args must be an array", common.ErrInvalidRequest)
	}
	return &req, req.ID, nil
}
