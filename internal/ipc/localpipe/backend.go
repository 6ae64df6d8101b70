// Package localpipe is the local-socket backend of the ipc transport. Each
// server is a Unix domain socket inside a directory that only the owning
// user may enter.
package localpipe

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/net/netutil"

	"hostipc/internal/ipc"
	"hostipc/internal/logging"
)

var plog = logging.For("localpipe")

type Backend struct {
	limits ipc.Limits

	mu    sync.Mutex
	props *Properties
	dir   string
}

func New(limits ipc.Limits) *Backend {
	return &Backend{limits: limits}
}

func (b *Backend) Kind() ipc.Kind { return ipc.KindPipe }

// Open creates the socket directory if needed and verifies it is a
// directory with exactly the configured permissions, owned by us.
func (b *Backend) Open(props ipc.Properties) error {
	p, ok := props.(*Properties)
	if !ok {
		return fmt.Errorf("%w: %T is not pipe properties", ipc.ErrUnsupportedType, props)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	dir, err := filepath.Abs(p.Dir)
	if err != nil {
		return fmt.Errorf("%w: socket directory %s: %v", ipc.ErrConfig, p.Dir, err)
	}
	if err := prepareDir(dir, p.mode()); err != nil {
		return err
	}

	b.mu.Lock()
	b.props = p
	b.dir = dir
	b.mu.Unlock()
	plog.Debug("socket directory ready", "dir", dir, "mode", p.mode())
	return nil
}

func prepareDir(dir string, mode os.FileMode) error {
	_, err := os.Lstat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(dir, mode); err != nil {
			return normalize(dir, err)
		}
		// MkdirAll is subject to the umask.
		if err := os.Chmod(dir, mode); err != nil {
			return normalize(dir, err)
		}
	} else if err != nil {
		return normalize(dir, err)
	}
	return checkDir(dir, mode)
}

func checkDir(dir string, mode os.FileMode) error {
	fi, err := os.Lstat(dir)
	if err != nil {
		return normalize(dir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ipc.ErrConfig, dir)
	}
	if err := checkPerm(fi, mode); err != nil {
		return fmt.Errorf("%w: %s: %v", ipc.ErrConfig, dir, err)
	}
	if err := checkOwner(dir); err != nil {
		return fmt.Errorf("%w: %s: %v", ipc.ErrConfig, dir, err)
	}
	return nil
}

func (b *Backend) Listen(name string) (ipc.Listener, error) {
	b.mu.Lock()
	props, dir := b.props, b.dir
	b.mu.Unlock()
	if props == nil {
		return nil, ipc.ErrNotStarted
	}

	path, err := props.Path(name)
	if err != nil {
		return nil, err
	}
	if err := checkDir(dir, props.mode()); err != nil {
		return nil, err
	}
	if err := removeStale(path); err != nil {
		return nil, err
	}

	ul, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, normalize(path, err)
	}
	ul.SetUnlinkOnClose(true)
	if err := checkOwner(path); err != nil {
		ul.Close()
		return nil, fmt.Errorf("%w: %s: %v", ipc.ErrConfig, path, err)
	}

	var ln net.Listener = peerCheckListener{ul}
	if props.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, props.MaxConnections)
	}

	bufSize := b.limits.BufferSize()
	return ipc.NewAcceptor(name, ln, func(conn net.Conn) (ipc.Channel, error) {
		return ipc.NewStreamChannel(name, conn, bufSize), nil
	}), nil
}

// removeStale deletes a socket file left behind by a process that did not
// shut down cleanly. Anything other than a socket is left alone.
func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return normalize(path, err)
	}
	if fi.Mode().Type() != fs.ModeSocket {
		return fmt.Errorf("%w: %s exists and is not a socket", ipc.ErrConfig, path)
	}
	plog.Info("removing stale socket", "path", path)
	if err := os.Remove(path); err != nil {
		return normalize(path, err)
	}
	return nil
}

// Close removes leftover sockets and the socket directory. A directory
// that still holds other files is kept.
func (b *Backend) Close() error {
	b.mu.Lock()
	dir := b.dir
	b.props = nil
	b.dir = ""
	b.mu.Unlock()
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return normalize(dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), SocketPrefix) && e.Type() == fs.ModeSocket {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				plog.Warn("remove socket", "path", filepath.Join(dir, e.Name()), "err", err)
			}
		}
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		plog.Warn("socket directory kept", "dir", dir, "err", err)
	}
	return nil
}

// peerCheckListener drops connections from other users before they reach
// the accept loop.
type peerCheckListener struct {
	*net.UnixListener
}

func (l peerCheckListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			return nil, err
		}
		if err := checkPeer(conn); err != nil {
			plog.Warn("rejecting peer", "addr", l.Addr(), "err", err)
			conn.Close()
			continue
		}
		return conn, nil
	}
}

// normalize maps OS failures onto the transport's configuration errors so
// callers can test them with errors.Is.
func normalize(path string, err error) error {
	switch {
	case isNameTooLong(err):
		return fmt.Errorf("%w: %s: %v", ipc.ErrInvalidName, path, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: permission denied on %s: %v", ipc.ErrConfig, path, err)
	default:
		return fmt.Errorf("%w: %s: %v", ipc.ErrConfig, path, err)
	}
}
