package ipc

import "strings"

// Ops is a set of readiness operations.
type Ops uint8

const (
	OpRead Ops = 1 << iota
	OpWrite
	OpAccept
)

func (o Ops) String() string {
	if o == 0 {
		return "none"
	}
	var parts []string
	if o&OpAccept != 0 {
		parts = append(parts, "accept")
	}
	if o&OpRead != 0 {
		parts = append(parts, "read")
	}
	if o&OpWrite != 0 {
		parts = append(parts, "write")
	}
	return strings.Join(parts, "|")
}

// Pollable is anything a Selector can watch. Ready must not block; notify
// is invoked (from any goroutine) whenever readiness may have changed.
type Pollable interface {
	Ready() Ops
	SetNotify(notify func())
}

// Channel is a non-blocking byte channel to one peer.
//
// Read returns (0, nil) when nothing is available yet and io.EOF once the
// peer has closed and all buffered data was consumed. Write may accept fewer
// bytes than offered, including zero. Close releases the OS handle exactly
// once and is safe to call repeatedly.
type Channel interface {
	Pollable
	Name() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	IsOpen() bool
	Close() error
}

// Listener is a named listening endpoint. Accept never blocks: it returns
// (nil, nil) when no connection is pending.
type Listener interface {
	Pollable
	Name() string
	Addr() string
	Accept() (Channel, error)
	IsOpen() bool
	Close() error
}
