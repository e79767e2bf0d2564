package syscalls

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
)

// maxMessageSize bounds a single newline-delimited envelope on a stream port
const maxMessageSize = 16 << 20

// Port is a bidirectional message channel between a process and the kernel.
// Recv returns io.EOF once the port is closed.
type Port interface {
	Send(msg []byte) error
	Recv() ([]byte, error)
	Close() error
}

// --- In-process pipe ---

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

// Pipe returns two connected in-memory ports. Messages are copied on send.
// Closing either end closes both.
func Pipe() (Port, Port) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	st := &pipeState{done: make(chan struct{})}
	return &pipeEnd{in: a, out: b, state: st}, &pipeEnd{in: b, out: a, state: st}
}

func (p *pipeEnd) Send(msg []byte) error {
	cp := bytes.Clone(msg)
	select {
	case <-p.state.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- cp:
		return nil
	case <-p.state.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeEnd) Recv() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.done:
		// Drain what was sent before the close
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}

// --- Stream port (unix socket, stdio) ---

// StreamPort frames messages as newline-delimited JSON over a byte stream
type StreamPort struct {
	rw      io.ReadWriteCloser
	scanner *bufio.Scanner
	sendMu  sync.Mutex
}

// NewStreamPort wraps rw, typically a net.Conn
func NewStreamPort(rw io.ReadWriteCloser) *StreamPort {
	sc := bufio.NewScanner(rw)
	sc.Buffer(make([]byte, 64*1024), maxMessageSize)
	return &StreamPort{rw: rw, scanner: sc}
}

func (p *StreamPort) Send(msg []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, bytes.TrimRight(msg, "\n")...)
	buf = append(buf, '\n')
	_, err := p.rw.Write(buf)
	return err
}

func (p *StreamPort) Recv() ([]byte, error) {
	for p.scanner.Scan() {
		line := bytes.TrimSpace(p.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return bytes.Clone(line), nil
	}
	if err := p.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (p *StreamPort) Close() error {
	return p.rw.Close()
}

// RecvContext runs p.Recv until it returns or ctx is done. A cancelled
// wait closes the port so the pending Recv unblocks.
func RecvContext(ctx context.Context, p Port) ([]byte, error) {
	type result struct {
		msg []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := p.Recv()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		p.Close()
		return nil, ctx.Err()
	}
}
