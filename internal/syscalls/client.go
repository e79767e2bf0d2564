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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vkernel/internal/common"
)

// Client is the process side of the protocol. Calls may be issued
// concurrently; responses are matched back by correlation id.
type Client struct {
	port    Port
	mailbox *Mailbox

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient starts reading responses from port
func NewClient(port Port) *Client {
	c := &Client{
		port:    port,
		mailbox: NewMailbox(),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		data, err := c.port.Recv()
		if err != nil {
			n := c.mailbox.Abandon("port closed")
			if n > 0 {
				log.Debugf("[Client] port closed, abandoned %d pending calls", n)
			}
			return
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Warnf("[Client] dropping malformed response: %v", err)
			continue
		}
		var id string
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			log.Warnf("[Client] dropping response with non-string id %s", string(resp.ID))
			continue
		}
		if !c.mailbox.Resolve(id, &resp) {
			log.Warnf("[Client] dropping response for unknown id %s", id)
		}
	}
}

// Call sends one syscall and waits for its response.
// An error response is returned as a *RemoteError.
func (c *Client) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch, err := c.mailbox.Register(id)
	if err != nil {
		return nil, err
	}
	msg, err := NewRequest(id, name, args...)
	if err != nil {
		c.mailbox.Cancel(id)
		return nil, err
	}
	if err := c.port.Send(msg); err != nil {
		c.mailbox.Cancel(id)
		return nil, fmt.Errorf("%w: send %s: %v", common.ErrAbandoned, name, err)
	}

	select {
	case resp := <-ch:
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mailbox.Cancel(id)
		return nil, ctx.Err()
	}
}

// CallInto is Call followed by decoding the result into out
func (c *Client) CallInto(ctx context.Context, out any, name string, args ...any) error {
	raw, err := c.Call(ctx, name, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", common.ErrInternal, name, err)
	}
	return nil
}

// Pending returns the number of calls awaiting a response
func (c *Client) Pending() int {
	return c.mailbox.Pending()
}

// Done is closed once the read loop has stopped
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the port; outstanding calls fail with Abandoned
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.port.Close()
		<-c.done
	})
	return err
}
