package ipc

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Executor runs application callbacks off the accept loop.
type Executor interface {
	Submit(task func()) error
}

// DefaultWorkers is the worker count used when none is configured.
func DefaultWorkers() int {
	return runtime.NumCPU() * 2
}

// WorkerPool is a fixed-size Executor with an unbounded FIFO queue, so
// Submit never blocks the accept loop.
type WorkerPool struct {
	size int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	group errgroup.Group
}

// NewWorkerPool starts size workers; size <= 0 selects DefaultWorkers.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkers()
	}
	p := &WorkerPool{size: size}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < size; i++ {
		p.group.Go(p.work)
	}
	return p
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int { return p.size }

func (p *WorkerPool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrExecutorStopped
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Stop rejects new tasks, lets the workers finish everything already
// queued, and waits for them to exit.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	_ = p.group.Wait()
}

func (p *WorkerPool) work() error {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return nil
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		run(task)
	}
}

func run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			ilog.Error("callback panicked", "panic", r)
		}
	}()
	task()
}
