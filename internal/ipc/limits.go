package ipc

import "fmt"

// MaxFrameSize is the largest payload length the 4-byte header can carry.
const MaxFrameSize = 1<<32 - 1

// Limits bounds per-operation buffer sizes and the largest payload accepted
// for sending or receiving. A Limits value is immutable once created and is
// shared by every connection of a transport.
type Limits struct {
	bufferSize     int
	maxMessageSize int
}

// NewLimits validates and returns a Limits.
func NewLimits(bufferSize, maxMessageSize int) (Limits, error) {
	if bufferSize <= 0 {
		return Limits{}, fmt.Errorf("%w: buffer size must be positive, got %d", ErrInvalidLimits, bufferSize)
	}
	if maxMessageSize <= 0 {
		return Limits{}, fmt.Errorf("%w: max message size must be positive, got %d", ErrInvalidLimits, maxMessageSize)
	}
	if int64(maxMessageSize) > MaxFrameSize {
		return Limits{}, fmt.Errorf("%w: max message size %d exceeds frame limit %d", ErrInvalidLimits, maxMessageSize, int64(MaxFrameSize))
	}
	return Limits{bufferSize: bufferSize, maxMessageSize: maxMessageSize}, nil
}

// BufferSize is the number of bytes moved per read or write call.
func (l Limits) BufferSize() int { return l.bufferSize }

// MaxMessageSize is the largest payload accepted in either direction.
func (l Limits) MaxMessageSize() int { return l.maxMessageSize }

func (l Limits) valid() bool {
	return l.bufferSize > 0 && l.maxMessageSize > 0
}

func (l Limits) String() string {
	return fmt.Sprintf("Limits{buffer=%d, max_message=%d}", l.bufferSize, l.maxMessageSize)
}
