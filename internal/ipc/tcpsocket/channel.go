package tcpsocket

import (
	"fmt"
	"net"

	"hostipc/internal/ipc"
)

// Channel is an accepted loopback TCP connection.
type Channel struct {
	*ipc.StreamChannel
	remote string
}

func newChannel(name string, conn net.Conn, bufferSize int) (*Channel, error) {
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok || !remote.IP.IsLoopback() {
		return nil, fmt.Errorf("%w: rejecting non-loopback peer %s", ipc.ErrConfig, conn.RemoteAddr())
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(false)
	}
	return &Channel{
		StreamChannel: ipc.NewStreamChannel(name, conn, bufferSize),
		remote:        remote.String(),
	}, nil
}

// Remote returns the peer's loopback address.
func (c *Channel) Remote() string { return c.remote }
