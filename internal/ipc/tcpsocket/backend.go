// Package tcpsocket is the loopback TCP backend of the ipc transport.
package tcpsocket

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"hostipc/internal/ipc"
)

// Backend listens on 127.0.0.1 only, so endpoints are unreachable off-host.
type Backend struct {
	limits ipc.Limits

	mu    sync.Mutex
	props *Properties
}

func New(limits ipc.Limits) *Backend {
	return &Backend{limits: limits}
}

func (b *Backend) Kind() ipc.Kind { return ipc.KindTCP }

func (b *Backend) Open(props ipc.Properties) error {
	p, ok := props.(*Properties)
	if !ok {
		return fmt.Errorf("%w: %T is not TCP properties", ipc.ErrUnsupportedType, props)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.props = p
	b.mu.Unlock()
	return nil
}

func (b *Backend) Listen(name string) (ipc.Listener, error) {
	b.mu.Lock()
	props := b.props
	b.mu.Unlock()
	if props == nil {
		return nil, ipc.ErrNotStarted
	}

	addr, err := props.Address(name)
	if err != nil {
		return nil, err
	}
	tl, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	var ln net.Listener = tl
	if props.MaxConnections > 0 {
		ln = netutil.LimitListener(tl, props.MaxConnections)
	}

	bufSize := b.limits.BufferSize()
	return ipc.NewAcceptor(name, ln, func(conn net.Conn) (ipc.Channel, error) {
		return newChannel(name, conn, bufSize)
	}), nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.props = nil
	b.mu.Unlock()
	return nil
}
