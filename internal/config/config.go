package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"hostipc/internal/logging"
)

// Transport types accepted in [ipc] type.
const (
	TypeTCP  = "tcp"
	TypePipe = "pipe"
)

type Config struct {
	Log     LogConfig     `toml:"log"`
	IPC     IPCConfig     `toml:"ipc"`
	Console ConsoleConfig `toml:"console"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type IPCConfig struct {
	Type           string     `toml:"type"`
	BufferSize     int        `toml:"buffer_size"`
	MaxMessageSize int        `toml:"max_message_size"`
	Workers        int        `toml:"workers"`
	MaxConnections int        `toml:"max_connections"`
	Directory      string     `toml:"directory"`
	Servers        []string   `toml:"servers"`
	TCP            TCPConfig  `toml:"tcp"`
	Pipe           PipeConfig `toml:"pipe"`
}

// TCPConfig maps logical server names to loopback ports. Ports are kept as
// decimal strings so a bad value is reported against its server name rather
// than as a TOML type error.
type TCPConfig struct {
	Ports map[string]string `toml:"ports"`
}

type PipeConfig struct {
	Dir     string            `toml:"dir"`
	DirMode string            `toml:"dir_mode"`
	Paths   map[string]string `toml:"paths"`
}

// ConsoleConfig enables the operator console. An empty Listen disables it.
type ConsoleConfig struct {
	Listen         string `toml:"listen"`
	DataDir        string `toml:"data_dir"`
	AuthorizedKeys string `toml:"authorized_keys"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		IPC: IPCConfig{
			Type:           TypeTCP,
			BufferSize:     8192,
			MaxMessageSize: 1 << 20,
			Directory:      "~/.hostipc/endpoints.db",
			TCP:            TCPConfig{Ports: map[string]string{}},
			Pipe: PipeConfig{
				Dir:     "~/.hostipc/sockets",
				DirMode: "0700",
				Paths:   map[string]string{},
			},
		},
		Console: ConsoleConfig{
			DataDir:        "~/.hostipc/console",
			AuthorizedKeys: "~/.hostipc/console/authorized_keys",
		},
	}
}

// Load reads a TOML config file and returns the parsed Config.
// If path is empty and no file exists at the default location, only
// defaults are returned. The result is validated and has ~/ expanded.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		// Try default location
		path = expandHome("~/.hostipc/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg.expandPaths()
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	return cfg, nil
}

// Validate checks the values a transport cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	ipc := &c.IPC
	switch ipc.Type {
	case TypeTCP, TypePipe:
	default:
		errs = append(errs, fmt.Errorf("ipc.type: unsupported transport %q", ipc.Type))
	}
	if ipc.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("ipc.buffer_size: must be positive, got %d", ipc.BufferSize))
	}
	if ipc.MaxMessageSize <= 0 || int64(ipc.MaxMessageSize) > 1<<32-1 {
		errs = append(errs, fmt.Errorf("ipc.max_message_size: must be in (0, 4294967295], got %d", ipc.MaxMessageSize))
	}
	if ipc.Workers < 0 {
		errs = append(errs, fmt.Errorf("ipc.workers: must not be negative, got %d", ipc.Workers))
	}
	if ipc.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("ipc.max_connections: must not be negative, got %d", ipc.MaxConnections))
	}

	for name, port := range ipc.TCP.Ports {
		if _, err := ParsePort(port); err != nil {
			errs = append(errs, fmt.Errorf("ipc.tcp.ports.%s: %w", name, err))
		}
	}
	if ipc.Type == TypeTCP {
		for _, name := range ipc.Servers {
			if _, ok := ipc.TCP.Ports[name]; !ok {
				errs = append(errs, fmt.Errorf("ipc.servers: %q has no entry in ipc.tcp.ports", name))
			}
		}
	}
	if ipc.Type == TypePipe {
		if ipc.Pipe.Dir == "" {
			errs = append(errs, errors.New("ipc.pipe.dir: must be set"))
		}
		if _, err := ParseDirMode(ipc.Pipe.DirMode); err != nil {
			errs = append(errs, fmt.Errorf("ipc.pipe.dir_mode: %w", err))
		}
	}

	if c.Console.Listen != "" {
		host, _, err := net.SplitHostPort(c.Console.Listen)
		ip := net.ParseIP(host)
		if err != nil || (host != "localhost" && (ip == nil || !ip.IsLoopback())) {
			errs = append(errs, fmt.Errorf("console.listen: %q must be a loopback host:port", c.Console.Listen))
		}
		if c.Console.DataDir == "" {
			errs = append(errs, errors.New("console.data_dir: must be set"))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) expandPaths() {
	c.IPC.Directory = expandHome(c.IPC.Directory)
	c.IPC.Pipe.Dir = expandHome(c.IPC.Pipe.Dir)
	c.Console.DataDir = expandHome(c.Console.DataDir)
	c.Console.AuthorizedKeys = expandHome(c.Console.AuthorizedKeys)
	for name, p := range c.IPC.Pipe.Paths {
		c.IPC.Pipe.Paths[name] = expandHome(p)
	}
}

// ParsePort parses a decimal port string. Zero asks the OS for an
// ephemeral port.
func ParsePort(s string) (int, error) {
	port, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return int(port), nil
}

// ParseDirMode parses octal permission bits such as "0700" or "770".
func ParseDirMode(s string) (os.FileMode, error) {
	mode, err := strconv.ParseUint(strings.TrimSpace(s), 8, 32)
	if err != nil || mode > 0o777 {
		return 0, fmt.Errorf("invalid permission bits %q", s)
	}
	return os.FileMode(mode), nil
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
