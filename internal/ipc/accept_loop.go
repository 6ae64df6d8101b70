package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// acceptLoop is the single goroutine that drives every Channel of a
// Server: it accepts on listening keys and services read/write readiness
// on connection keys. It blocks only inside Selector.Select.
type acceptLoop struct {
	sel    *Selector
	limits Limits
	exec   Executor

	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	handlers map[uuid.UUID]*ClientHandler
}

func newAcceptLoop(sel *Selector, limits Limits, exec Executor) *acceptLoop {
	return &acceptLoop{
		sel:      sel,
		limits:   limits,
		exec:     exec,
		handlers: make(map[uuid.UUID]*ClientHandler),
	}
}

func (l *acceptLoop) start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.group, ctx = errgroup.WithContext(ctx)
	l.group.Go(func() error {
		return l.run(ctx)
	})
}

// shutdown stops the loop and returns the error it exited with, if any.
// Accepted connections are left to their owners.
func (l *acceptLoop) shutdown() error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	return l.group.Wait()
}

func (l *acceptLoop) run(ctx context.Context) error {
	for {
		keys, err := l.sel.Select(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrSelectorClosed) {
				return nil
			}
			ilog.Error("select failed, accept loop exiting", "err", err)
			return fmt.Errorf("select: %w", err)
		}
		for _, k := range keys {
			if err := l.safeDispatch(k); err != nil {
				ilog.Error("dispatch failed, accept loop exiting", "err", err)
				return err
			}
		}
	}
}

// safeDispatch turns a panic in a handler or listener into a loop-fatal
// error instead of taking down the process.
func (l *acceptLoop) safeDispatch(k *Key) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch %s: panic: %v", k.ReadyOps(), r)
		}
	}()
	l.dispatch(k)
	return nil
}

func (l *acceptLoop) dispatch(k *Key) {
	if !k.Valid() {
		return
	}
	ready := k.ReadyOps()

	if ready&OpAccept != 0 {
		l.accept(k)
		return
	}

	h, ok := k.Attachment().(*ClientHandler)
	if !ok {
		ilog.Error("key without handler", "ops", ready)
		k.Cancel()
		return
	}

	if ready&OpRead != 0 {
		if err := h.HandleRead(); err != nil {
			l.drop(k, h, err)
			return
		}
	}
	if !k.Valid() {
		return
	}
	if ready&OpWrite != 0 && h.HasMoreMessages() {
		if err := h.HandleWrite(); err != nil {
			l.drop(k, h, err)
			return
		}
	}

	// Re-check after clearing so an enqueue racing with us cannot be lost.
	if !h.HasMoreMessages() {
		k.RemoveInterest(OpWrite)
		if h.HasMoreMessages() {
			k.AddInterest(OpWrite)
		}
	}
}

func (l *acceptLoop) accept(k *Key) {
	ep, ok := k.Attachment().(*endpoint)
	if !ok {
		ilog.Error("accept key without endpoint")
		k.Cancel()
		return
	}

	ch, err := ep.listener.Accept()
	if err != nil {
		ilog.Warn("accept failed", "server", ep.name, "err", err)
		return
	}
	if ch == nil {
		return
	}

	h := NewClientHandler(ep.name, ch, l.limits, l.exec, ep.callbacks)
	key, err := l.sel.Register(ch, OpRead, h)
	if err != nil {
		ilog.Warn("register connection failed", "server", ep.name, "err", err)
		ch.Close()
		return
	}
	h.bind(key)

	l.mu.Lock()
	l.handlers[h.id] = h
	l.mu.Unlock()

	h.log.Debug("connection accepted")
}

func (l *acceptLoop) drop(k *Key, h *ClientHandler, err error) {
	k.Cancel()

	l.mu.Lock()
	delete(l.handlers, h.id)
	l.mu.Unlock()

	if errors.Is(err, io.EOF) {
		h.log.Debug("connection closed by peer")
		return
	}
	h.log.Warn("connection failed", "err", err)
}

func (l *acceptLoop) connections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// closeAll closes every connection still tracked. Used once the loop has
// stopped and the transport is going away.
func (l *acceptLoop) closeAll() {
	l.mu.Lock()
	handlers := l.handlers
	l.handlers = make(map[uuid.UUID]*ClientHandler)
	l.mu.Unlock()

	for _, h := range handlers {
		if err := h.Close(); err != nil {
			h.log.Debug("close on shutdown", "err", err)
		}
	}
}
