package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"hostipc/internal/ipc"
	"hostipc/internal/logging"
)

// Control is the part of the transport the console operates on.
// *ipc.Server implements it.
type Control interface {
	Servers() []string
	Addr(name string) string
	Connections() int
	CreateServer(name string, callbacks ipc.Callbacks) error
	DestroyServer(name string) error
}

// CommandContext holds the state available to command handlers.
type CommandContext struct {
	Out     io.Writer
	Control Control
	User    string
	Args    []string
}

// CommandHandler runs one console command. Returns true if the session
// should be closed.
type CommandHandler func(ctx CommandContext) bool

// Command describes a registered console command.
type Command struct {
	Usage   string // full usage for help; defaults to the command name
	Help    string
	Handler CommandHandler
}

// CommandRegistrar is the interface for registering commands before the
// console starts.
type CommandRegistrar interface {
	Register(name string, cmd Command)
}

// CommandRegistry maps command names to handlers. It is safe for
// concurrent use by several sessions. Once frozen, no new commands can be
// registered.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]Command
	order    []string // insertion order for stable help output
	frozen   bool
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[string]Command),
	}
}

// Register adds a command; name includes the leading slash. Registering
// the same name twice overwrites the previous entry. Panics if the handler
// is nil or the registry is frozen.
func (r *CommandRegistry) Register(name string, cmd Command) {
	if cmd.Handler == nil {
		panic("console: Register called with nil handler for " + name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("console: Register called on frozen registry for " + name)
	}
	if _, exists := r.commands[name]; !exists {
		r.order = append(r.order, name)
	}
	r.commands[name] = cmd
}

func (r *CommandRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Dispatch parses a command line and calls the matching handler.
// Returns true if the session should be closed.
func (r *CommandRegistry) Dispatch(line, user string, out io.Writer, ctl Control) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	name := parts[0]

	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()

	if !ok {
		_, _ = fmt.Fprintf(out, "Unknown command: %s (try /help)\r\n", name)
		return false
	}

	return cmd.Handler(CommandContext{
		Out:     out,
		Control: ctl,
		User:    user,
		Args:    parts[1:],
	})
}

// HelpText lists all registered commands in registration order.
func (r *CommandRegistry) HelpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Commands:\r\n")
	for _, name := range r.order {
		cmd := r.commands[name]
		display := name
		if cmd.Usage != "" {
			display = cmd.Usage
		}
		_, _ = fmt.Fprintf(&b, "  %-18s %s\r\n", display, cmd.Help)
	}
	return b.String()
}

// RegisterBuiltins registers the transport commands. newCallbacks supplies
// the handler for servers created from the console.
func (r *CommandRegistry) RegisterBuiltins(newCallbacks func(name string) ipc.Callbacks) {
	r.Register("/servers", Command{
		Help: "list servers and their addresses",
		Handler: func(ctx CommandContext) bool {
			names := ctx.Control.Servers()
			_, _ = fmt.Fprintf(ctx.Out, "Servers (%d):\r\n", len(names))
			for _, name := range names {
				_, _ = fmt.Fprintf(ctx.Out, "  %-20s %s\r\n", name, ctx.Control.Addr(name))
			}
			return false
		},
	})

	r.Register("/conns", Command{
		Help: "show the number of live connections",
		Handler: func(ctx CommandContext) bool {
			_, _ = fmt.Fprintf(ctx.Out, "Connections: %d\r\n", ctx.Control.Connections())
			return false
		},
	})

	r.Register("/create", Command{
		Usage: "/create <name>",
		Help:  "start a new server",
		Handler: func(ctx CommandContext) bool {
			if len(ctx.Args) != 1 {
				_, _ = fmt.Fprint(ctx.Out, "Usage: /create <name>\r\n")
				return false
			}
			name := ctx.Args[0]
			if err := ctx.Control.CreateServer(name, newCallbacks(name)); err != nil {
				_, _ = fmt.Fprintf(ctx.Out, "Error: %v\r\n", err)
				return false
			}
			clog.Info("server created from console", "server", name, "user", ctx.User)
			_, _ = fmt.Fprintf(ctx.Out, "Created %s at %s\r\n", name, ctx.Control.Addr(name))
			return false
		},
	})

	r.Register("/destroy", Command{
		Usage: "/destroy <name>",
		Help:  "stop a server, keeping its open connections",
		Handler: func(ctx CommandContext) bool {
			if len(ctx.Args) != 1 {
				_, _ = fmt.Fprint(ctx.Out, "Usage: /destroy <name>\r\n")
				return false
			}
			name := ctx.Args[0]
			if err := ctx.Control.DestroyServer(name); err != nil {
				_, _ = fmt.Fprintf(ctx.Out, "Error: %v\r\n", err)
				return false
			}
			clog.Info("server destroyed from console", "server", name, "user", ctx.User)
			_, _ = fmt.Fprintf(ctx.Out, "Destroyed %s\r\n", name)
			return false
		},
	})

	r.Register("/loglevel", Command{
		Usage: "/loglevel <level>",
		Help:  "change the daemon log level",
		Handler: func(ctx CommandContext) bool {
			if len(ctx.Args) != 1 || !logging.ValidLevel(ctx.Args[0]) {
				_, _ = fmt.Fprint(ctx.Out, "Usage: /loglevel debug|info|warn|error\r\n")
				return false
			}
			logging.SetLevelName(ctx.Args[0])
			_, _ = fmt.Fprintf(ctx.Out, "Log level set to %s\r\n", strings.ToLower(ctx.Args[0]))
			return false
		},
	})

	r.Register("/quit", Command{
		Help: "disconnect",
		Handler: func(ctx CommandContext) bool {
			_, _ = fmt.Fprint(ctx.Out, "Goodbye.\r\n")
			return true
		},
	})

	r.Register("/help", Command{
		Help: "show this help",
		Handler: func(ctx CommandContext) bool {
			_, _ = fmt.Fprint(ctx.Out, r.HelpText())
			return false
		},
	})
}
