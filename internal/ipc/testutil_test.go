package ipc

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeChannel is an in-memory Channel. Reads are served from in, writes
// are appended to out, at most writeCap bytes per call when writeCap > 0.
type fakeChannel struct {
	mu       sync.Mutex
	in       []byte
	eof      bool
	out      bytes.Buffer
	writeCap int
	writeErr error
	closed   bool
	closes   int
	notify   func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{}
}

func (c *fakeChannel) Name() string { return "fake" }

func (c *fakeChannel) SetNotify(notify func()) {
	c.mu.Lock()
	c.notify = notify
	c.mu.Unlock()
}

func (c *fakeChannel) Ready() Ops {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	ops := OpWrite
	if len(c.in) > 0 || c.eof {
		ops |= OpRead
	}
	return ops
}

// feed makes p available to Read.
func (c *fakeChannel) feed(p []byte) {
	c.mu.Lock()
	c.in = append(c.in, p...)
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (c *fakeChannel) hangUp() {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrChannelClosed
	}
	if len(c.in) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrChannelClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	n := len(p)
	if c.writeCap > 0 {
		n = min(n, c.writeCap)
	}
	c.out.Write(p[:n])
	return n, nil
}

func (c *fakeChannel) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.out.Bytes())
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closes++
	return nil
}

// frame returns payload with its length prefix.
func frame(payload []byte) []byte {
	return append(AppendHeader(nil, len(payload)), payload...)
}

func mustLimits(t *testing.T, bufferSize, maxMessageSize int) Limits {
	t.Helper()
	l, err := NewLimits(bufferSize, maxMessageSize)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	return l
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type loopbackProps struct{}

func (loopbackProps) Kind() Kind { return KindTCP }

type pipeProps struct{}

func (pipeProps) Kind() Kind { return KindPipe }

// loopbackBackend binds every server to an ephemeral 127.0.0.1 port.
type loopbackBackend struct {
	limits Limits
	opened int
	closed int
	listen func(name string) (Listener, error)
}

func (b *loopbackBackend) Kind() Kind { return KindTCP }

func (b *loopbackBackend) Open(Properties) error {
	b.opened++
	return nil
}

func (b *loopbackBackend) Listen(name string) (Listener, error) {
	if b.listen != nil {
		return b.listen(name)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	bufSize := b.limits.BufferSize()
	return NewAcceptor(name, ln, func(conn net.Conn) (Channel, error) {
		return NewStreamChannel(name, conn, bufSize), nil
	}), nil
}

func (b *loopbackBackend) Close() error {
	b.closed++
	return nil
}

func startServer(t *testing.T, limits Limits, opts ...Option) (*Server, *loopbackBackend) {
	t.Helper()
	backend := &loopbackBackend{limits: limits}
	srv, err := NewServer(backend, limits, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(loopbackProps{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	return srv, backend
}

func dialServer(t *testing.T, srv *Server, name string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", srv.Addr(name), 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", name, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func echo() Callbacks {
	return CallbacksFunc(func(msg *Message) {
		_ = msg.Reply(msg.Payload)
	})
}
