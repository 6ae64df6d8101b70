package ipc

import (
	"fmt"
	"sync"
)

// pendingWrite is one queued piece of an outgoing frame. The first piece
// of a payload carries the header; header and body shrink as bytes are
// accepted by the channel.
type pendingWrite struct {
	header []byte
	body   []byte
}

// MessageWriter queues framed payloads and transmits them across as many
// writable events as the channel needs. EnqueueForWriting may be called
// from any goroutine; WriteData runs on the accept loop.
type MessageWriter struct {
	ch     Channel
	limits Limits

	mu    sync.Mutex
	queue []*pendingWrite
}

func NewMessageWriter(ch Channel, limits Limits) *MessageWriter {
	return &MessageWriter{ch: ch, limits: limits}
}

// EnqueueForWriting frames payload and appends it to the queue, split into
// pieces of at most BufferSize body bytes. The header always holds the full
// payload length, so the peer sees exactly one frame. The payload is copied.
func (w *MessageWriter) EnqueueForWriting(payload []byte) error {
	if len(payload) > w.limits.MaxMessageSize() {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d", ErrMessageTooLarge, len(payload), w.limits.MaxMessageSize())
	}

	body := make([]byte, len(payload))
	copy(body, payload)

	chunk := w.limits.BufferSize()
	first := min(chunk, len(body))
	pieces := []*pendingWrite{{
		header: AppendHeader(make([]byte, 0, HeaderSize), len(body)),
		body:   body[:first],
	}}
	for off := first; off < len(body); off += chunk {
		end := min(off+chunk, len(body))
		pieces = append(pieces, &pendingWrite{body: body[off:end]})
	}

	w.mu.Lock()
	w.queue = append(w.queue, pieces...)
	w.mu.Unlock()
	return nil
}

// HasMoreMessages reports whether anything is left to transmit.
func (w *MessageWriter) HasMoreMessages() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) > 0
}

// WriteData advances the head of the queue: header first, then body. The
// piece is dropped only when both are fully written; otherwise the next
// call resumes where this one stopped. Calling it on an empty queue is a
// programming error.
func (w *MessageWriter) WriteData() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == 0 {
		return ErrNoPendingWrites
	}
	pw := w.queue[0]

	if len(pw.header) > 0 {
		n, err := w.ch.Write(pw.header)
		pw.header = pw.header[n:]
		if err != nil {
			return err
		}
		if len(pw.header) > 0 {
			return nil
		}
	}

	if len(pw.body) > 0 {
		n, err := w.ch.Write(pw.body)
		pw.body = pw.body[n:]
		if err != nil {
			return err
		}
		if len(pw.body) > 0 {
			return nil
		}
	}

	w.queue[0] = nil
	w.queue = w.queue[1:]
	return nil
}

// Discard drops everything still queued and returns the number of pieces
// abandoned.
func (w *MessageWriter) Discard() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	w.queue = nil
	return n
}
