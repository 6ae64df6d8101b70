package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"golang.org/x/term"

	"hostipc/internal/config"
	"hostipc/internal/directory"
	"hostipc/internal/ipc/backends"
	"hostipc/internal/ipc/client"
	"hostipc/internal/logging"
	boltstore "hostipc/internal/store/bolt"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	list := flag.Bool("list", false, "list published endpoints and exit")
	timeout := flag.Duration("timeout", 10*time.Second, "per-message reply timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <server-name>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// Replies go to stdout, so diagnostics stay on stderr.
	logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	var dir *directory.Directory
	if cfg.IPC.Directory != "" {
		store, err := boltstore.OpenShared(cfg.IPC.Directory)
		if err != nil {
			log.Fatalf("directory: %v", err)
		}
		defer store.Close()
		dir = directory.New(store)
	}

	if *list {
		if dir == nil {
			log.Fatal("no endpoint directory configured")
		}
		if err := printEndpoints(dir); err != nil {
			log.Fatalf("list: %v", err)
		}
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	name := flag.Arg(0)

	tr, err := backends.New(cfg.IPC)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	conn, err := client.Dial(ctx, resolver{dir: dir, static: tr.Dialer}, name, cfg.IPC.MaxMessageSize)
	cancel()
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer conn.Close()

	if err := session(conn, *timeout); err != nil {
		log.Fatalf("%v", err)
	}
}

// session sends each stdin line as one message and prints the reply.
func session(conn *client.Conn, timeout time.Duration) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	prompt := func() {
		if interactive {
			fmt.Fprintf(os.Stderr, "%s> ", conn.Name())
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	prompt()
	for scanner.Scan() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		reply, err := conn.Request(ctx, scanner.Bytes())
		cancel()
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", reply)
		prompt()
	}
	return scanner.Err()
}

func printEndpoints(dir *directory.Directory) error {
	recs, err := dir.List()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no endpoints published")
		return nil
	}
	for _, r := range recs {
		fmt.Printf("%-20s %-5s %-40s pid=%d since=%s\n", r.Name, r.Kind, r.Address, r.PID, r.Since.Format(time.RFC3339))
	}
	return nil
}

// resolver prefers the published address and falls back to the static
// configuration when the name was never published.
type resolver struct {
	dir    *directory.Directory
	static client.Dialer
}

func (r resolver) Dial(ctx context.Context, name string) (net.Conn, error) {
	if r.dir != nil {
		conn, err := r.dir.Dial(ctx, name)
		if err == nil || !directory.IsNotFound(err) {
			return conn, err
		}
	}
	return r.static.Dial(ctx, name)
}
