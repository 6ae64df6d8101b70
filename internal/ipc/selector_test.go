package ipc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakePollable struct {
	ready  atomic.Uint32
	mu     sync.Mutex
	notify func()
}

func (p *fakePollable) Ready() Ops { return Ops(p.ready.Load()) }

func (p *fakePollable) SetNotify(notify func()) {
	p.mu.Lock()
	p.notify = notify
	p.mu.Unlock()
}

func (p *fakePollable) set(ops Ops) {
	p.ready.Store(uint32(ops))
	p.mu.Lock()
	notify := p.notify
	p.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func TestSelectorReportsReadyKeys(t *testing.T) {
	sel := NewSelector()
	defer sel.Close()

	src := &fakePollable{}
	src.ready.Store(uint32(OpRead | OpWrite))
	k, err := sel.Register(src, OpRead, "attachment")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	keys, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(keys) != 1 || keys[0] != k {
		t.Fatalf("got %d keys", len(keys))
	}
	if k.ReadyOps() != OpRead {
		t.Fatalf("ready ops = %s, want read only", k.ReadyOps())
	}
	if k.Attachment() != "attachment" {
		t.Fatalf("attachment = %v", k.Attachment())
	}
}

func TestSelectorHonoursInterest(t *testing.T) {
	sel := NewSelector()
	defer sel.Close()

	src := &fakePollable{}
	src.ready.Store(uint32(OpWrite))
	k, err := sel.Register(src, OpRead, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sel.Select(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	k.AddInterest(OpWrite)
	keys, err := sel.Select(context.Background())
	if err != nil || len(keys) != 1 || k.ReadyOps() != OpWrite {
		t.Fatalf("after AddInterest: keys=%d err=%v ops=%s", len(keys), err, k.ReadyOps())
	}

	k.RemoveInterest(OpWrite)
	if k.Interest() != OpRead {
		t.Fatalf("interest = %s, want read", k.Interest())
	}
}

func TestSelectorWakesOnNotify(t *testing.T) {
	sel := NewSelector()
	defer sel.Close()

	src := &fakePollable{}
	if _, err := sel.Register(src, OpAccept, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		src.set(OpAccept)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	keys, err := sel.Select(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("got %d keys, want 1", len(keys))
	}
}

func TestSelectorCancelledKeyIsSkipped(t *testing.T) {
	sel := NewSelector()
	defer sel.Close()

	src := &fakePollable{}
	src.ready.Store(uint32(OpRead))
	k, err := sel.Register(src, OpRead, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	k.Cancel()
	k.Cancel()

	if k.Valid() {
		t.Fatal("cancelled key still valid")
	}
	if sel.Len() != 0 {
		t.Fatalf("selector holds %d keys", sel.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := sel.Select(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestSelectorClose(t *testing.T) {
	sel := NewSelector()
	src := &fakePollable{}
	k, err := sel.Register(src, OpRead, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := sel.Select(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := sel.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrSelectorClosed) {
			t.Fatalf("expected ErrSelectorClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Select not released by Close")
	}

	if k.Valid() {
		t.Fatal("key valid after selector close")
	}
	if _, err := sel.Register(src, OpRead, nil); !errors.Is(err, ErrSelectorClosed) {
		t.Fatalf("register after close: %v", err)
	}
	if err := sel.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpsString(t *testing.T) {
	tests := []struct {
		ops  Ops
		want string
	}{
		{0, "none"},
		{OpRead, "read"},
		{OpRead | OpWrite, "read|write"},
		{OpAccept | OpRead | OpWrite, "accept|read|write"},
	}
	for _, tt := range tests {
		if got := tt.ops.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.ops, got, tt.want)
		}
	}
}
