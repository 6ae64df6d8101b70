package ipc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
)

// Callbacks receives every fully reassembled payload of a named server.
// MessageReceived runs on an executor worker, never on the accept loop.
type Callbacks interface {
	MessageReceived(msg *Message)
}

// CallbacksFunc adapts a function to Callbacks.
type CallbacksFunc func(msg *Message)

func (f CallbacksFunc) MessageReceived(msg *Message) { f(msg) }

// Message is one inbound payload together with the connection it came from.
type Message struct {
	Server  string
	ConnID  uuid.UUID
	Payload []byte

	client *ClientHandler
}

// Reply queues payload for the connection the message arrived on.
func (m *Message) Reply(payload []byte) error {
	return m.client.WriteMessage(payload)
}

// Client returns the handle of the originating connection.
func (m *Message) Client() *ClientHandler {
	return m.client
}

// ClientHandler binds one accepted connection's reader, writer and the
// server's callbacks. Its selection key carries it as the attachment.
type ClientHandler struct {
	id        uuid.UUID
	server    string
	ch        Channel
	reader    *MessageReader
	writer    *MessageWriter
	exec      Executor
	callbacks Callbacks
	key       atomic.Pointer[Key]
	log       *slog.Logger
}

func NewClientHandler(server string, ch Channel, limits Limits, exec Executor, callbacks Callbacks) *ClientHandler {
	h := &ClientHandler{
		id:        uuid.New(),
		server:    server,
		ch:        ch,
		writer:    NewMessageWriter(ch, limits),
		exec:      exec,
		callbacks: callbacks,
	}
	h.reader = NewMessageReader(ch, limits, h.messageRead)
	h.log = ilog.With("server", server, "conn", h.id.String())
	return h
}

func (h *ClientHandler) ID() uuid.UUID { return h.id }

func (h *ClientHandler) Server() string { return h.server }

func (h *ClientHandler) bind(k *Key) {
	h.key.Store(k)
}

// HandleRead services one read-ready event. Any failure closes the
// connection before it is returned.
func (h *ClientHandler) HandleRead() error {
	if err := h.reader.ReadData(); err != nil {
		h.ch.Close()
		if errors.Is(err, io.EOF) {
			return err
		}
		return fmt.Errorf("conn %s: read: %w", h.id, err)
	}
	return nil
}

// HandleWrite services one write-ready event. Any failure closes the
// connection before it is returned.
func (h *ClientHandler) HandleWrite() error {
	if err := h.writer.WriteData(); err != nil {
		h.ch.Close()
		return fmt.Errorf("conn %s: write: %w", h.id, err)
	}
	return nil
}

// HasMoreMessages reports whether outgoing data is still queued.
func (h *ClientHandler) HasMoreMessages() bool {
	return h.writer.HasMoreMessages()
}

func (h *ClientHandler) messageRead(payload []byte) {
	msg := &Message{
		Server:  h.server,
		ConnID:  h.id,
		Payload: payload,
		client:  h,
	}
	err := h.exec.Submit(func() {
		h.callbacks.MessageReceived(msg)
	})
	if err != nil {
		h.log.Warn("message dropped", "bytes", len(payload), "err", err)
	}
}

// WriteMessage queues payload for the peer. It is safe to call from
// callback workers while the accept loop is writing.
func (h *ClientHandler) WriteMessage(payload []byte) error {
	if !h.ch.IsOpen() {
		return fmt.Errorf("conn %s: %w", h.id, ErrChannelClosed)
	}
	if err := h.writer.EnqueueForWriting(payload); err != nil {
		return err
	}
	if k := h.key.Load(); k != nil {
		k.AddInterest(OpWrite)
	}
	return nil
}

// IsOpen reports whether the connection is still usable.
func (h *ClientHandler) IsOpen() bool {
	return h.ch.IsOpen()
}

// Close cancels the key, drops queued output and closes the connection.
func (h *ClientHandler) Close() error {
	if k := h.key.Load(); k != nil {
		k.Cancel()
	}
	if n := h.writer.Discard(); n > 0 {
		h.log.Debug("discarded queued output", "pieces", n)
	}
	return h.ch.Close()
}
