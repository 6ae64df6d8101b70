// Package console is the daemon's operator console: an SSH server bound
// to loopback that lets authorized keys inspect and manage ipc servers at
// runtime.
package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"hostipc/internal/directory"
	"hostipc/internal/ipc"
	"hostipc/internal/logging"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

var clog = logging.For("console")

// Options configures a console Server.
type Options struct {
	// Addr must be a loopback host:port.
	Addr               string
	Signer             gossh.Signer
	AuthorizedKeysPath string
	Control            Control
	// NewCallbacks supplies handlers for servers created with /create.
	NewCallbacks func(name string) ipc.Callbacks
	// Directory, when set, enables /endpoints.
	Directory *directory.Directory
}

type Server struct {
	addr     string
	ctl      Control
	commands *CommandRegistry
	authKeys []gossh.PublicKey
	config   *gossh.ServerConfig
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a console. If the authorized_keys file is missing the
// console starts but rejects every login.
func NewServer(opts Options) (*Server, error) {
	if err := checkLoopback(opts.Addr); err != nil {
		return nil, err
	}
	if opts.Signer == nil || opts.Control == nil || opts.NewCallbacks == nil {
		return nil, errors.New("console: signer, control and callbacks are required")
	}

	registry := NewCommandRegistry()
	registry.RegisterBuiltins(opts.NewCallbacks)
	if opts.Directory != nil {
		registry.Register("/endpoints", endpointsCommand(opts.Directory))
	}

	s := &Server{
		addr:     opts.Addr,
		ctl:      opts.Control,
		commands: registry,
		conns:    make(map[net.Conn]struct{}),
	}

	s.authKeys = loadAuthorizedKeys(opts.AuthorizedKeysPath)
	if len(s.authKeys) == 0 {
		clog.Warn("no authorized keys loaded", "path", opts.AuthorizedKeysPath)
	}

	s.config = &gossh.ServerConfig{
		PublicKeyCallback: s.publicKeyCallback,
	}
	s.config.AddHostKey(opts.Signer)
	return s, nil
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("console address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("console address %q is not a loopback address", addr)
	}
	return nil
}

// Listen binds the console socket and freezes the command registry.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.commands.Freeze()
	return nil
}

// Addr returns the listener's address. Useful when listening on :0.
func (s *Server) Addr() string {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Serve accepts SSH connections until ctx is cancelled. Call Listen first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("console: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			clog.Warn("accept error", "err", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// Start is a convenience that calls Listen + Serve.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Stop closes the listener and all active connections.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Commands allows registering extra commands before Listen.
func (s *Server) Commands() CommandRegistrar {
	return s.commands
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) publicKeyCallback(meta gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
	keyBytes := key.Marshal()
	for _, authorized := range s.authKeys {
		if bytes.Equal(keyBytes, authorized.Marshal()) {
			return &gossh.Permissions{}, nil
		}
	}
	return nil, fmt.Errorf("unknown public key for %s", meta.User())
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	defer s.removeConn(conn)

	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.config)
	if err != nil {
		clog.Warn("handshake failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	defer func() { _ = sshConn.Close() }()

	clog.Info("operator connected", "remote", conn.RemoteAddr(), "user", sshConn.User())
	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			clog.Warn("channel accept error", "err", err)
			continue
		}
		go s.handleSession(channel, requests, sshConn.User())
	}
}

func (s *Server) handleSession(ch gossh.Channel, reqs <-chan *gossh.Request, user string) {
	defer func() { _ = ch.Close() }()

	// Wait for pty-req and shell, then drain the rest in the background.
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			go func() {
				for req := range reqs {
					if req.WantReply {
						_ = req.Reply(false, nil)
					}
				}
			}()
			s.runTerminal(ch, user)
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runTerminal(ch gossh.Channel, user string) {
	terminal := term.NewTerminal(ch, "ipcd> ")
	clog.Debug("console session started", "user", user)
	defer clog.Debug("console session ended", "user", user)

	_, _ = fmt.Fprintf(terminal, "ipcd console: %d servers, %d connections.\r\n", len(s.ctl.Servers()), s.ctl.Connections())
	_, _ = fmt.Fprint(terminal, "Type /help for commands.\r\n")

	for {
		line, err := terminal.ReadLine()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			_, _ = fmt.Fprint(terminal, "Commands start with / (try /help)\r\n")
			continue
		}
		if s.commands.Dispatch(line, user, terminal, s.ctl) {
			return
		}
	}
}

func endpointsCommand(dir *directory.Directory) Command {
	return Command{
		Help: "list endpoints published in the directory",
		Handler: func(ctx CommandContext) bool {
			recs, err := dir.List()
			if err != nil {
				_, _ = fmt.Fprintf(ctx.Out, "Error: %v\r\n", err)
				return false
			}
			_, _ = fmt.Fprintf(ctx.Out, "Endpoints (%d):\r\n", len(recs))
			for _, r := range recs {
				_, _ = fmt.Fprintf(ctx.Out, "  %-20s %-5s %s pid=%d\r\n", r.Name, r.Kind, r.Address, r.PID)
			}
			return false
		},
	}
}

func loadAuthorizedKeys(path string) []gossh.PublicKey {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var keys []gossh.PublicKey
	for len(data) > 0 {
		key, _, _, rest, err := gossh.ParseAuthorizedKey(data)
		if err != nil {
			break
		}
		keys = append(keys, key)
		data = rest
	}
	return keys
}
