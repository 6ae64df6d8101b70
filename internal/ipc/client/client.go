// Package client is the helper-process side of the ipc transport: it dials
// a named endpoint and exchanges framed messages over a blocking
// connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"hostipc/internal/ipc"
)

// Dialer resolves a logical server name to a connection. Backend
// properties and the endpoint directory both implement it.
type Dialer interface {
	Dial(ctx context.Context, name string) (net.Conn, error)
}

// Conn is one framed connection to a named server. WriteMessage and
// ReadMessage may be used from different goroutines.
type Conn struct {
	name    string
	conn    net.Conn
	maxSize int

	wmu sync.Mutex
	rmu sync.Mutex
}

// Dial connects to name through d. maxMessageSize bounds both directions
// and should match the server's limit.
func Dial(ctx context.Context, d Dialer, name string, maxMessageSize int) (*Conn, error) {
	if maxMessageSize <= 0 || int64(maxMessageSize) > ipc.MaxFrameSize {
		return nil, fmt.Errorf("%w: max message size %d", ipc.ErrInvalidLimits, maxMessageSize)
	}
	conn, err := d.Dial(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", name, err)
	}
	return New(name, conn, maxMessageSize), nil
}

// New wraps an established connection.
func New(name string, conn net.Conn, maxMessageSize int) *Conn {
	return &Conn{name: name, conn: conn, maxSize: maxMessageSize}
}

func (c *Conn) Name() string { return c.name }

// WriteMessage sends payload as one frame.
func (c *Conn) WriteMessage(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := ipc.WriteFrame(c.conn, payload, c.maxSize); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	return nil
}

// ReadMessage blocks until the next frame arrives.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	payload, err := ipc.ReadFrame(c.conn, c.maxSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return payload, nil
}

// Request sends payload and waits for one reply, giving up when ctx is
// done.
func (c *Conn) Request(ctx context.Context, payload []byte) ([]byte, error) {
	// Expiring the deadline unblocks whichever half is in progress.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			c.conn.SetDeadline(time.Time{})
		}
	}()

	if err := c.WriteMessage(payload); err != nil {
		return nil, c.ctxErr(ctx, err)
	}
	reply, err := c.ReadMessage()
	if err != nil {
		return nil, c.ctxErr(ctx, err)
	}
	return reply, nil
}

func (c *Conn) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	return err
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
