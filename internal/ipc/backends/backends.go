// Package backends turns configuration into a concrete ipc backend. It is
// the only place that branches on the transport type.
package backends

import (
	"fmt"

	"hostipc/internal/config"
	"hostipc/internal/ipc"
	"hostipc/internal/ipc/client"
	"hostipc/internal/ipc/localpipe"
	"hostipc/internal/ipc/tcpsocket"
)

// Transport is everything a process needs to serve or reach the
// configured transport.
type Transport struct {
	Limits     ipc.Limits
	Backend    ipc.Backend
	Properties ipc.Properties
	// Dialer reaches servers by the statically configured address.
	Dialer client.Dialer
}

// Limits builds ipc.Limits from the configured sizes.
func Limits(cfg config.IPCConfig) (ipc.Limits, error) {
	return ipc.NewLimits(cfg.BufferSize, cfg.MaxMessageSize)
}

// New builds the backend named by cfg.Type together with its properties.
func New(cfg config.IPCConfig) (*Transport, error) {
	limits, err := Limits(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case config.TypeTCP:
		props := &tcpsocket.Properties{
			Ports:          cfg.TCP.Ports,
			MaxConnections: cfg.MaxConnections,
		}
		return &Transport{
			Limits:     limits,
			Backend:    tcpsocket.New(limits),
			Properties: props,
			Dialer:     props,
		}, nil

	case config.TypePipe:
		mode, err := config.ParseDirMode(cfg.Pipe.DirMode)
		if err != nil {
			return nil, fmt.Errorf("%w: ipc.pipe.dir_mode: %v", ipc.ErrConfig, err)
		}
		props := &localpipe.Properties{
			Dir:            cfg.Pipe.Dir,
			DirMode:        mode,
			Paths:          cfg.Pipe.Paths,
			MaxConnections: cfg.MaxConnections,
		}
		return &Transport{
			Limits:     limits,
			Backend:    localpipe.New(limits),
			Properties: props,
			Dialer:     props,
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", ipc.ErrUnsupportedType, cfg.Type)
}

// NewServer builds a stopped Server for the configured transport.
func (t *Transport) NewServer(opts ...ipc.Option) (*ipc.Server, error) {
	return ipc.NewServer(t.Backend, t.Limits, opts...)
}
