package ipc

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Acceptor adapts a blocking net.Listener to the non-blocking Listener
// contract. A watcher goroutine parks at most one accepted connection at a
// time; Accept hands it over and wraps it as a Channel.
type Acceptor struct {
	name string
	ln   net.Listener
	wrap func(net.Conn) (Channel, error)

	notify  atomic.Pointer[func()]
	pending chan net.Conn

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewAcceptor starts watching ln. wrap turns each accepted connection into
// the backend's Channel type.
func NewAcceptor(name string, ln net.Listener, wrap func(net.Conn) (Channel, error)) *Acceptor {
	a := &Acceptor{
		name:    name,
		ln:      ln,
		wrap:    wrap,
		pending: make(chan net.Conn, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go a.watch()
	return a
}

func (a *Acceptor) Name() string { return a.name }

func (a *Acceptor) Addr() string { return a.ln.Addr().String() }

func (a *Acceptor) SetNotify(notify func()) {
	if notify == nil {
		a.notify.Store(nil)
		return
	}
	a.notify.Store(&notify)
}

func (a *Acceptor) wake() {
	if f := a.notify.Load(); f != nil {
		(*f)()
	}
}

func (a *Acceptor) Ready() Ops {
	if !a.closed.Load() && len(a.pending) > 0 {
		return OpAccept
	}
	return 0
}

func (a *Acceptor) Accept() (Channel, error) {
	if a.closed.Load() {
		return nil, ErrChannelClosed
	}
	select {
	case conn := <-a.pending:
		ch, err := a.wrap(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return ch, nil
	default:
		return nil, nil
	}
}

func (a *Acceptor) IsOpen() bool {
	return !a.closed.Load()
}

// Close stops the watcher and closes the listener once. A connection that
// was accepted but not yet handed over is closed as well.
func (a *Acceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.done)
		err = a.ln.Close()
		<-a.stopped
		select {
		case conn := <-a.pending:
			conn.Close()
		default:
		}
	})
	return err
}

func (a *Acceptor) watch() {
	defer close(a.stopped)

	var backoff time.Duration
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if a.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// Same pacing net/http uses for accept failures such as EMFILE.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			ilog.Warn("accept failed", "server", a.name, "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-a.done:
				return
			}
		}
		backoff = 0

		select {
		case a.pending <- conn:
			a.wake()
		case <-a.done:
			conn.Close()
			return
		}
	}
}
