package ipc

import (
	"context"
	"sync"
	"sync/atomic"
)

// Selector multiplexes readiness across registered Pollables for a single
// consuming goroutine. Readiness is level-triggered: a key is reported by
// every Select for as long as its source stays ready for an operation in
// its interest set.
type Selector struct {
	mu   sync.Mutex
	keys map[*Key]struct{}

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func NewSelector() *Selector {
	return &Selector{
		keys:   make(map[*Key]struct{}),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Key is the registration of one Pollable with a Selector.
type Key struct {
	sel        *Selector
	src        Pollable
	attachment any
	interest   atomic.Uint32
	cancelled  atomic.Bool

	ready Ops // owned by the goroutine calling Select
}

// Register adds src with the given interest set. The attachment is carried
// on the key unchanged.
func (s *Selector) Register(src Pollable, interest Ops, attachment any) (*Key, error) {
	k := &Key{sel: s, src: src, attachment: attachment}
	k.interest.Store(uint32(interest))

	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil, ErrSelectorClosed
	default:
	}
	s.keys[k] = struct{}{}
	s.mu.Unlock()

	src.SetNotify(s.Wakeup)
	s.Wakeup()
	return k, nil
}

// Select blocks until at least one key is ready, the context is done, or
// the selector is closed. Only one goroutine may call Select at a time.
func (s *Selector) Select(ctx context.Context) ([]*Key, error) {
	for {
		select {
		case <-s.closed:
			return nil, ErrSelectorClosed
		default:
		}

		if ready := s.scan(); len(ready) > 0 {
			return ready, nil
		}

		select {
		case <-s.wake:
		case <-s.closed:
			return nil, ErrSelectorClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Selector) scan() []*Key {
	s.mu.Lock()
	keys := make([]*Key, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var ready []*Key
	for _, k := range keys {
		if k.cancelled.Load() {
			continue
		}
		ops := k.src.Ready() & k.Interest()
		if ops != 0 {
			k.ready = ops
			ready = append(ready, k)
		}
	}
	return ready
}

// Wakeup makes a blocked or the next Select re-scan its keys.
func (s *Selector) Wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of registered keys.
func (s *Selector) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Close cancels every key and releases a blocked Select. Registered
// sources are not closed. Calling Close more than once is a no-op.
func (s *Selector) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		keys := s.keys
		s.keys = make(map[*Key]struct{})
		s.mu.Unlock()

		for k := range keys {
			k.cancelled.Store(true)
			k.src.SetNotify(nil)
		}
	})
	return nil
}

func (s *Selector) deregister(k *Key) {
	s.mu.Lock()
	delete(s.keys, k)
	s.mu.Unlock()
}

func (k *Key) Interest() Ops { return Ops(k.interest.Load()) }

// SetInterest replaces the interest set and wakes the selector.
func (k *Key) SetInterest(ops Ops) {
	k.interest.Store(uint32(ops))
	k.sel.Wakeup()
}

// AddInterest is safe to call from any goroutine.
func (k *Key) AddInterest(ops Ops) {
	for {
		old := k.interest.Load()
		if k.interest.CompareAndSwap(old, old|uint32(ops)) {
			break
		}
	}
	k.sel.Wakeup()
}

func (k *Key) RemoveInterest(ops Ops) {
	for {
		old := k.interest.Load()
		if k.interest.CompareAndSwap(old, old&^uint32(ops)) {
			return
		}
	}
}

// ReadyOps is the readiness observed by the last Select that returned k.
func (k *Key) ReadyOps() Ops { return k.ready }

func (k *Key) Attachment() any { return k.attachment }

func (k *Key) Source() Pollable { return k.src }

// Valid reports whether the key is still registered.
func (k *Key) Valid() bool { return !k.cancelled.Load() }

// Cancel deregisters the key. The source itself stays open.
func (k *Key) Cancel() {
	if k.cancelled.Swap(true) {
		return
	}
	k.src.SetNotify(nil)
	k.sel.deregister(k)
}
