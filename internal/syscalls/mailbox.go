package syscalls

import (
	"fmt"
	"sync"

	"vkernel/internal/common"
)

// Mailbox tracks outstanding calls by correlation id. Each id resolves at most once.
type Mailbox struct {
	mu      sync.Mutex
	pending map[string]chan *Response
	closed  bool
}

// NewMailbox creates an empty mailbox
func NewMailbox() *Mailbox {
	return &Mailbox{pending: make(map[string]chan *Response)}
}

// Register reserves id and returns the channel its response will arrive on
func (m *Mailbox) Register(id string) (<-chan *Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: mailbox closed", common.ErrAbandoned)
	}
	if _, dup := m.pending[id]; dup {
		return nil, fmt.Errorf("%w: duplicate correlation id %s", common.ErrBadArgument, id)
	}
	ch := make(chan *Response, 1)
	m.pending[id] = ch
	return ch, nil
}

// Resolve delivers resp to the waiter for id and forgets the id.
// Returns false when nobody is waiting (unknown, duplicate, or cancelled).
func (m *Mailbox) Resolve(id string, resp *Response) bool {
	m.mu.Lock()
	ch, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Cancel forgets id without delivering anything
func (m *Mailbox) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

// Pending returns the number of outstanding ids
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Abandon fails every outstanding call and rejects further registrations.
// Returns how many calls were abandoned.
func (m *Mailbox) Abandon(reason string) int {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]chan *Response)
	m.closed = true
	m.mu.Unlock()

	for id, ch := range pending {
		ch <- &Response{
			Status:  StatusError,
			Reason:  common.CodeAbandoned,
			Message: reason,
			ID:      []byte(fmt.Sprintf("%q", id)),
		}
	}
	return len(pending)
}
