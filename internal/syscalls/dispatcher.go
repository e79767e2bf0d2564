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

package syscalls

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"vkernel/internal/common"
)

// Handler runs one syscall for caller. The returned value becomes the
// response result; a non-nil error becomes an error response instead.
type Handler[P any] func(ctx context.Context, caller P, args Args) (any, error)

// Dispatcher routes validated requests to registered handlers
type Dispatcher[P any] struct {
	mu       sync.RWMutex
	handlers map[string]Handler[P]
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher[P any]() *Dispatcher[P] {
	return &Dispatcher[P]{handlers: make(map[string]Handler[P])}
}

// Register adds or replaces the handler for name
func (d *Dispatcher[P]) Register(name string, h Handler[P]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Names returns the registered syscall names, sorted
func (d *Dispatcher[P]) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher[P]) lookup(name string) (Handler[P], bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

// Handle validates data as a request envelope and runs its handler.
// It always returns exactly one response carrying the request id.
func (d *Dispatcher[P]) Handle(ctx context.Context, caller P, data []byte) *Response {
	req, id, err := ParseRequest(data)
	if err != nil {
		log.Debugf("[Syscall] rejected envelope: %v", err)
		return Failure(id, err)
	}
	h, ok := d.lookup(req.Name)
	if !ok {
		return Failure(id, fmt.Errorf("%w: unknown syscall %q", common.ErrInvalidRequest, req.Name))
	}
	args, err := ParseArgs(req.Args)
	if err != nil {
		return Failure(id, err)
	}

	result, err := d.invoke(ctx, req.Name, h, caller, args)
	if err != nil {
		log.Tracef("[Syscall] %s failed: %v", req.Name, err)
		return Failure(id, err)
	}
	return Success(id, result)
}

// invoke runs h, turning a panic into an Internal error
func (d *Dispatcher[P]) invoke(ctx context.Context, name string, h Handler[P], caller P, args Args) (result any, err error) {
	defer recoverPanic(name, &err)
	return h(ctx, caller, args)
}

// recoverPanic recovers from panics and converts them to errors
func recoverPanic(operation string, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[Syscall] PANIC RECOVERED in %s: %v\nStack:\n%s", operation, r, debug.Stack())
		if err != nil {
			*err = fmt.Errorf("%w: panic in %s: %v", common.ErrInternal, operation, r)
		}
	}
}
