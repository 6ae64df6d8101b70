package ipc

import (
	"errors"
	"io"
)

// MessageReader pulls bytes from a Channel one read at a time and feeds
// them to a FrameDecoder. It runs on the accept loop only.
type MessageReader struct {
	ch      Channel
	buf     []byte
	decoder *FrameDecoder
	done    bool
}

// NewMessageReader calls onMessage once per reassembled payload.
func NewMessageReader(ch Channel, limits Limits, onMessage func(payload []byte)) *MessageReader {
	return &MessageReader{
		ch:      ch,
		buf:     make([]byte, limits.BufferSize()),
		decoder: NewFrameDecoder(limits.MaxMessageSize(), onMessage),
	}
}

// ReadData performs one non-blocking read. Nothing available is not an
// error. End of stream closes the channel and returns io.EOF; after that
// the reader delivers nothing further.
func (r *MessageReader) ReadData() error {
	if r.done {
		return ErrChannelClosed
	}

	n, err := r.ch.Read(r.buf)
	if n > 0 {
		if ferr := r.decoder.Feed(r.buf[:n]); ferr != nil {
			r.done = true
			return ferr
		}
	}
	if err != nil {
		r.done = true
		if errors.Is(err, io.EOF) {
			r.ch.Close()
			return io.EOF
		}
		return err
	}
	return nil
}

// Partial reports whether a frame is half assembled.
func (r *MessageReader) Partial() bool {
	return r.decoder.Pending()
}
