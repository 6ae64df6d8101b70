package ipc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"hostipc/internal/logging"
)

var ilog = logging.For("ipc")

// Kind names a transport backend.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindPipe Kind = "pipe"
)

// Properties is the backend-specific endpoint configuration handed to Start.
type Properties interface {
	Kind() Kind
}

// Backend supplies the OS primitive underneath a Server.
type Backend interface {
	Kind() Kind
	// Open validates props and prepares shared resources. It is called by
	// Server.Start after the kind check.
	Open(props Properties) error
	// Listen opens the listening endpoint for a logical server name.
	Listen(name string) (Listener, error)
	// Close releases whatever Open prepared.
	Close() error
}

// Publisher is told about endpoints as they come and go, so helper
// processes can discover them.
type Publisher interface {
	Publish(name string, kind Kind, addr string) error
	Withdraw(name string) error
}

type endpoint struct {
	name      string
	listener  Listener
	key       *Key
	callbacks Callbacks
}

// Option configures a Server.
type Option func(*Server)

// WithExecutor supplies the executor for callbacks. The caller owns it and
// is responsible for stopping it.
func WithExecutor(exec Executor) Option {
	return func(s *Server) {
		s.exec = exec
	}
}

// WithWorkers sets the size of the worker pool the Server creates when no
// executor is supplied. Zero or less selects DefaultWorkers.
func WithWorkers(n int) Option {
	return func(s *Server) {
		s.workers = n
	}
}

// WithPublisher registers a Publisher for endpoint discovery.
func WithPublisher(p Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// Server is a transport instance: one selector, one accept loop and a
// registry of named listening endpoints.
type Server struct {
	backend   Backend
	limits    Limits
	exec      Executor
	workers   int
	publisher Publisher

	mu        sync.Mutex
	running   bool
	props     Properties
	pool      *WorkerPool // non-nil when the Server created its own executor
	sel       *Selector
	loop      *acceptLoop
	endpoints map[string]*endpoint
}

// NewServer returns a stopped Server over backend.
func NewServer(backend Backend, limits Limits, opts ...Option) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrConfig)
	}
	if !limits.valid() {
		return nil, fmt.Errorf("%w: zero limits", ErrInvalidLimits)
	}
	s := &Server{
		backend:   backend,
		limits:    limits,
		endpoints: make(map[string]*endpoint),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Kind returns the backend's transport kind.
func (s *Server) Kind() Kind { return s.backend.Kind() }

// Start checks props against the backend, opens the selector and starts
// the accept loop.
func (s *Server) Start(props Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}
	if props == nil {
		return fmt.Errorf("%w: nil properties", ErrUnsupportedType)
	}
	if props.Kind() != s.backend.Kind() {
		return fmt.Errorf("%w: %q properties for %q transport", ErrUnsupportedType, props.Kind(), s.backend.Kind())
	}
	if err := s.backend.Open(props); err != nil {
		return err
	}

	exec := s.exec
	if exec == nil {
		s.pool = NewWorkerPool(s.workers)
		exec = s.pool
	}

	s.props = props
	s.sel = NewSelector()
	s.loop = newAcceptLoop(s.sel, s.limits, exec)
	s.loop.start()
	s.running = true

	ilog.Info("ipc transport started", "type", s.backend.Kind(), "limits", s.limits.String())
	return nil
}

// CreateServer opens a listening endpoint under name and starts accepting
// connections on it. Names are unique per running transport.
func (s *Server) CreateServer(name string, callbacks Callbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotStarted
	}
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if callbacks == nil {
		return fmt.Errorf("%w: nil callbacks for %q", ErrConfig, name)
	}
	if _, exists := s.endpoints[name]; exists {
		return fmt.Errorf("%w: %q", ErrServerExists, name)
	}

	ln, err := s.backend.Listen(name)
	if err != nil {
		return fmt.Errorf("create server %q: %w", name, err)
	}

	ep := &endpoint{name: name, listener: ln, callbacks: callbacks}
	key, err := s.sel.Register(ln, OpAccept, ep)
	if err != nil {
		ln.Close()
		return fmt.Errorf("create server %q: %w", name, err)
	}
	ep.key = key
	s.endpoints[name] = ep

	if s.publisher != nil {
		if err := s.publisher.Publish(name, s.backend.Kind(), ln.Addr()); err != nil {
			ilog.Warn("publish endpoint failed", "server", name, "err", err)
		}
	}

	ilog.Info("ipc server created", "server", name, "addr", ln.Addr())
	return nil
}

// DestroyServer stops accepting on name and closes its listener.
// Connections already accepted stay open.
func (s *Server) DestroyServer(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, exists := s.endpoints[name]
	if !exists {
		return fmt.Errorf("%w: %q", ErrServerNotFound, name)
	}
	delete(s.endpoints, name)

	err := s.closeEndpoint(ep)
	ilog.Info("ipc server destroyed", "server", name)
	return err
}

func (s *Server) closeEndpoint(ep *endpoint) error {
	if ep.key != nil {
		ep.key.Cancel()
	}
	err := ep.listener.Close()
	if s.publisher != nil {
		if werr := s.publisher.Withdraw(ep.name); werr != nil {
			ilog.Warn("withdraw endpoint failed", "server", ep.name, "err", werr)
		}
	}
	if err != nil {
		return fmt.Errorf("close server %q: %w", ep.name, err)
	}
	return nil
}

// ServerExists reports whether name is registered.
func (s *Server) ServerExists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.endpoints[name]
	return exists
}

// Servers returns the registered names in sorted order.
func (s *Server) Servers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Addr returns the bound address of a named server, or "" if unknown.
func (s *Server) Addr(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep, ok := s.endpoints[name]; ok {
		return ep.listener.Addr()
	}
	return ""
}

// Connections returns the number of live accepted connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop == nil {
		return 0
	}
	return loop.connections()
}

// Shutdown stops the accept loop and always closes the selector. An error
// from the accept loop is returned rather than swallowed. Remaining
// endpoints and connections are closed, discarding partial reads and
// unsent writes.
func (s *Server) Shutdown() error {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.running = false

	loopErr := s.loop.shutdown()
	selErr := s.sel.Close()

	var errs []error
	if loopErr != nil {
		errs = append(errs, fmt.Errorf("stop accept loop: %w", loopErr))
	}
	if selErr != nil {
		errs = append(errs, fmt.Errorf("close selector: %w", selErr))
	}

	for name, ep := range s.endpoints {
		if err := s.closeEndpoint(ep); err != nil {
			ilog.Warn("close server on shutdown", "server", name, "err", err)
		}
	}
	s.endpoints = make(map[string]*endpoint)
	s.loop.closeAll()

	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	pool := s.pool
	s.pool = nil
	s.mu.Unlock()

	// Callbacks may call back into the Server, so drain them unlocked.
	if pool != nil {
		pool.Stop()
	}

	ilog.Info("ipc transport stopped", "type", s.backend.Kind())
	return errors.Join(errs...)
}
