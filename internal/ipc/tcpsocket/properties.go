package tcpsocket

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"hostipc/internal/ipc"
)

// Properties maps logical server names to ports on the IPv4 loopback
// address. Ports are decimal strings; "0" binds an ephemeral port.
type Properties struct {
	Ports          map[string]string
	MaxConnections int
}

func (p *Properties) Kind() ipc.Kind { return ipc.KindTCP }

// Address resolves name to its loopback socket address.
func (p *Properties) Address(name string) (*net.TCPAddr, error) {
	raw, ok := p.Ports[name]
	if !ok {
		return nil, fmt.Errorf("%w: no port configured for %q", ipc.ErrUnknownEndpoint, name)
	}
	port, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid port %q for %q", ipc.ErrConfig, raw, name)
	}
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(port)}, nil
}

// Validate resolves every configured name.
func (p *Properties) Validate() error {
	if p.MaxConnections < 0 {
		return fmt.Errorf("%w: negative max connections %d", ipc.ErrConfig, p.MaxConnections)
	}
	for name := range p.Ports {
		if name == "" {
			return fmt.Errorf("%w: empty server name", ipc.ErrInvalidName)
		}
		if _, err := p.Address(name); err != nil {
			return err
		}
	}
	return nil
}

// Dial connects to name as a helper process would.
func (p *Properties) Dial(ctx context.Context, name string) (net.Conn, error) {
	addr, err := p.Address(name)
	if err != nil {
		return nil, err
	}
	if addr.Port == 0 {
		return nil, fmt.Errorf("%w: %q uses an ephemeral port, look it up in the endpoint directory", ipc.ErrConfig, name)
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, "tcp4", addr.String())
}
