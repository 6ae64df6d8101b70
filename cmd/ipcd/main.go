package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hostipc/internal/config"
	"hostipc/internal/console"
	"hostipc/internal/directory"
	"hostipc/internal/identity"
	"hostipc/internal/ipc"
	"hostipc/internal/ipc/backends"
	"hostipc/internal/logging"
	boltstore "hostipc/internal/store/bolt"
)

var dlog = logging.For("ipcd")

func main() {
	configPath := flag.String("config", "", "path to config file")
	transportType := flag.String("type", "", "transport type, tcp or pipe (overrides config)")
	servers := flag.String("servers", "", "comma-separated server names (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	noDirectory := flag.Bool("no-directory", false, "do not publish endpoints")
	flag.Parse()

	// Load config (TOML file with defaults)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// CLI flags override config file values
	if *transportType != "" {
		cfg.IPC.Type = *transportType
	}
	if *servers != "" {
		cfg.IPC.Servers = strings.Split(*servers, ",")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *noDirectory {
		cfg.IPC.Directory = ""
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logging.Init(cfg.Log.Level, cfg.Log.Format)

	tr, err := backends.New(cfg.IPC)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}

	opts := []ipc.Option{ipc.WithWorkers(cfg.IPC.Workers)}
	var dir *directory.Directory
	if cfg.IPC.Directory != "" {
		store, err := boltstore.OpenShared(cfg.IPC.Directory)
		if err != nil {
			log.Fatalf("directory: %v", err)
		}
		defer store.Close()
		dir = directory.New(store)
		opts = append(opts, ipc.WithPublisher(dir))
		dlog.Info("publishing endpoints", "directory", cfg.IPC.Directory, "instance", dir.Instance())
	}

	srv, err := tr.NewServer(opts...)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	if err := srv.Start(tr.Properties); err != nil {
		log.Fatalf("transport: %v", err)
	}

	for _, name := range cfg.IPC.Servers {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := srv.CreateServer(name, echoCallbacks()); err != nil {
			srv.Shutdown()
			log.Fatalf("server %q: %v", name, err)
		}
		dlog.Info("serving", "server", name, "addr", srv.Addr(name))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var con *console.Server
	if cfg.Console.Listen != "" {
		con, err = startConsole(ctx, cfg.Console, srv, dir)
		if err != nil {
			srv.Shutdown()
			log.Fatalf("console: %v", err)
		}
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	dlog.Info("shutting down", "connections", srv.Connections())
	cancel()
	if con != nil {
		con.Stop()
	}
	if err := srv.Shutdown(); err != nil {
		dlog.Error("shutdown", "err", err)
		os.Exit(1)
	}
}

func startConsole(ctx context.Context, cfg config.ConsoleConfig, srv *ipc.Server, dir *directory.Directory) (*console.Server, error) {
	id, err := identity.Load(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	con, err := console.NewServer(console.Options{
		Addr:               cfg.Listen,
		Signer:             id.Signer,
		AuthorizedKeysPath: cfg.AuthorizedKeys,
		Control:            srv,
		NewCallbacks:       func(string) ipc.Callbacks { return echoCallbacks() },
		Directory:          dir,
	})
	if err != nil {
		return nil, err
	}
	if err := con.Listen(); err != nil {
		return nil, err
	}
	dlog.Info("console listening", "addr", con.Addr(), "fingerprint", id.Fingerprint)
	go func() {
		if err := con.Serve(ctx); err != nil {
			dlog.Error("console", "err", err)
		}
	}()
	return con, nil
}

// echoCallbacks answers every message with its own payload.
func echoCallbacks() ipc.Callbacks {
	return ipc.CallbacksFunc(func(msg *ipc.Message) {
		dlog.Debug("message", "server", msg.Server, "conn", msg.ConnID, "bytes", len(msg.Payload))
		if err := msg.Reply(msg.Payload); err != nil {
			dlog.Warn("reply failed", "server", msg.Server, "conn", msg.ConnID, "err", err)
		}
	})
}
