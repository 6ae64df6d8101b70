package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// inboxDepth is how many read chunks may queue up before the read pump
// stops pulling from the socket.
const inboxDepth = 4

// StreamChannel adapts a blocking net.Conn to the non-blocking Channel
// contract. A read pump moves bytes from the socket into a bounded inbox
// and a write pump drains a bounded outbox, each signalling readiness
// through the notify hook. Both pumps stop when the channel is closed.
type StreamChannel struct {
	name    string
	conn    net.Conn
	bufSize int

	notify atomic.Pointer[func()]

	inbox   chan []byte
	eof     atomic.Bool
	readErr error // written by the read pump before inbox is closed

	rmu     sync.Mutex
	pending []byte

	wmu      sync.Mutex
	outbox   []byte
	spare    []byte
	inflight int
	writeErr error
	wsignal  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewStreamChannel wraps conn and starts its pumps. bufferSize bounds both
// the size of a single read and the number of bytes Write will accept
// before the peer has drained them.
func NewStreamChannel(name string, conn net.Conn, bufferSize int) *StreamChannel {
	c := &StreamChannel{
		name:    name,
		conn:    conn,
		bufSize: bufferSize,
		inbox:   make(chan []byte, inboxDepth),
		outbox:  make([]byte, 0, bufferSize),
		spare:   make([]byte, 0, bufferSize),
		wsignal: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c
}

func (c *StreamChannel) Name() string { return c.name }

// Conn exposes the wrapped connection for transport-specific tuning.
func (c *StreamChannel) Conn() net.Conn { return c.conn }

func (c *StreamChannel) SetNotify(notify func()) {
	if notify == nil {
		c.notify.Store(nil)
		return
	}
	c.notify.Store(&notify)
}

func (c *StreamChannel) wake() {
	if f := c.notify.Load(); f != nil {
		(*f)()
	}
}

func (c *StreamChannel) Ready() Ops {
	if c.closed.Load() {
		return 0
	}
	var ops Ops

	c.rmu.Lock()
	if len(c.pending) > 0 || len(c.inbox) > 0 || c.eof.Load() {
		ops |= OpRead
	}
	c.rmu.Unlock()

	c.wmu.Lock()
	if c.writeErr != nil || c.bufSize-len(c.outbox)-c.inflight > 0 {
		ops |= OpWrite
	}
	c.wmu.Unlock()

	return ops
}

func (c *StreamChannel) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}

	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(c.pending) == 0 {
		select {
		case chunk, ok := <-c.inbox:
			if !ok {
				return 0, c.terminalReadErr()
			}
			c.pending = chunk
		default:
			return 0, nil
		}
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *StreamChannel) terminalReadErr() error {
	switch {
	case c.readErr == nil, errors.Is(c.readErr, io.EOF):
		return io.EOF
	case errors.Is(c.readErr, net.ErrClosed):
		return ErrChannelClosed
	default:
		return fmt.Errorf("read %s: %w", c.name, c.readErr)
	}
}

func (c *StreamChannel) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeErr != nil {
		return 0, fmt.Errorf("write %s: %w", c.name, c.writeErr)
	}
	n := min(c.bufSize-len(c.outbox)-c.inflight, len(p))
	if n <= 0 {
		return 0, nil
	}
	c.outbox = append(c.outbox, p[:n]...)

	select {
	case c.wsignal <- struct{}{}:
	default:
	}
	return n, nil
}

func (c *StreamChannel) IsOpen() bool {
	return !c.closed.Load()
}

// Close closes the underlying connection once. Unsent outbox bytes and
// unread inbox bytes are discarded.
func (c *StreamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *StreamChannel) readPump() {
	defer func() {
		c.eof.Store(true)
		close(c.inbox)
		c.wake()
	}()

	for {
		buf := make([]byte, c.bufSize)
		n, err := c.conn.Read(buf)
		if n > 0 {
			select {
			case c.inbox <- buf[:n]:
				c.wake()
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.readErr = err
			return
		}
	}
}

func (c *StreamChannel) writePump() {
	for {
		select {
		case <-c.wsignal:
		case <-c.done:
			return
		}

		c.wmu.Lock()
		data := c.outbox
		c.outbox = c.spare[:0]
		c.inflight = len(data)
		c.wmu.Unlock()

		if len(data) == 0 {
			continue
		}
		_, err := c.conn.Write(data)

		c.wmu.Lock()
		c.spare = data[:0]
		c.inflight = 0
		if err != nil {
			c.writeErr = err
		}
		c.wmu.Unlock()

		c.wake()
		if err != nil {
			return
		}
	}
}
