package localpipe

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"hostipc/internal/ipc"
)

// SocketPrefix is prepended to a server name to form its socket file name.
const SocketPrefix = "sock-"

// DefaultDirMode is used when Properties.DirMode is zero.
const DefaultDirMode os.FileMode = 0o700

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Properties configures the pipe backend. Every socket lives in Dir unless
// Paths gives an explicit location for a name.
type Properties struct {
	Dir            string
	DirMode        os.FileMode
	Paths          map[string]string
	MaxConnections int
}

func (p *Properties) Kind() ipc.Kind { return ipc.KindPipe }

func (p *Properties) mode() os.FileMode {
	if p.DirMode == 0 {
		return DefaultDirMode
	}
	return p.DirMode.Perm()
}

// ValidateName rejects names that cannot be used as part of a file name.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q must match [A-Za-z0-9_-]+", ipc.ErrInvalidName, name)
	}
	return nil
}

// Path returns the socket path for name.
func (p *Properties) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	path, ok := p.Paths[name]
	if !ok {
		path = filepath.Join(p.Dir, SocketPrefix+name)
	}
	if len(path) > maxPathLen {
		return "", fmt.Errorf("%w: socket path %s is %d bytes, limit is %d", ipc.ErrInvalidName, path, len(path), maxPathLen)
	}
	return path, nil
}

// Validate checks everything Open needs before touching the filesystem.
func (p *Properties) Validate() error {
	if p.Dir == "" {
		return fmt.Errorf("%w: socket directory not set", ipc.ErrConfig)
	}
	if p.DirMode&^os.ModePerm != 0 {
		return fmt.Errorf("%w: directory mode %v has non-permission bits", ipc.ErrConfig, p.DirMode)
	}
	if p.MaxConnections < 0 {
		return fmt.Errorf("%w: negative max connections %d", ipc.ErrConfig, p.MaxConnections)
	}
	for name := range p.Paths {
		if _, err := p.Path(name); err != nil {
			return err
		}
	}
	return nil
}

// Dial connects to name as a helper process would.
func (p *Properties) Dial(ctx context.Context, name string) (net.Conn, error) {
	path, err := p.Path(name)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, "unix", path)
}
