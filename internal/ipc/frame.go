package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the width of the length prefix: [4B length][payload].
const HeaderSize = 4

// AppendHeader appends the length prefix for a payload of n bytes.
func AppendHeader(dst []byte, n int) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(n))
}

// WriteFrame writes one framed message in a single Write call. It is the
// blocking counterpart of MessageWriter, used by helper-side clients.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if len(payload) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), maxSize)
	}

	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = AppendHeader(buf, len(payload))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one framed message from r, rejecting declared lengths
// above maxSize before allocating.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: declared length %d exceeds maximum %d", ErrProtocol, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	return payload, nil
}

type decodeState int

const (
	awaitingHeader decodeState = iota
	awaitingBody
	decodeFailed
)

// FrameDecoder reassembles frames from an arbitrarily chunked byte stream.
// At most one frame is in flight at a time; completed payloads are passed
// to the callback in arrival order. A FrameDecoder is not safe for
// concurrent use.
type FrameDecoder struct {
	maxSize    int
	onFrame    func(payload []byte)
	state      decodeState
	header     [HeaderSize]byte
	headerRead int
	body       []byte
	bodyRead   int
}

// NewFrameDecoder returns a decoder that calls onFrame once per frame.
func NewFrameDecoder(maxSize int, onFrame func(payload []byte)) *FrameDecoder {
	return &FrameDecoder{maxSize: maxSize, onFrame: onFrame}
}

// Feed consumes newly arrived bytes. p is not retained. After a protocol
// error the decoder stays failed and rejects all further input.
func (d *FrameDecoder) Feed(p []byte) error {
	for len(p) > 0 {
		switch d.state {
		case awaitingHeader:
			n := copy(d.header[d.headerRead:], p)
			d.headerRead += n
			p = p[n:]
			if d.headerRead < HeaderSize {
				continue
			}

			length := binary.BigEndian.Uint32(d.header[:])
			if uint64(length) > uint64(d.maxSize) {
				d.state = decodeFailed
				return fmt.Errorf("%w: declared length %d exceeds maximum %d", ErrProtocol, length, d.maxSize)
			}
			d.headerRead = 0
			if length == 0 {
				d.onFrame([]byte{})
				continue
			}
			d.body = make([]byte, length)
			d.bodyRead = 0
			d.state = awaitingBody

		case awaitingBody:
			n := copy(d.body[d.bodyRead:], p)
			d.bodyRead += n
			p = p[n:]
			if d.bodyRead < len(d.body) {
				continue
			}

			payload := d.body
			d.body = nil
			d.bodyRead = 0
			d.state = awaitingHeader
			d.onFrame(payload)

		case decodeFailed:
			return fmt.Errorf("%w: decoder unusable after earlier failure", ErrProtocol)
		}
	}
	return nil
}

// Pending reports whether a partially assembled frame is buffered.
func (d *FrameDecoder) Pending() bool {
	return d.headerRead > 0 || d.state == awaitingBody
}

// Failed reports whether the decoder hit a protocol error.
func (d *FrameDecoder) Failed() bool {
	return d.state == decodeFailed
}
