package console_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hostipc/internal/console"
	"hostipc/internal/identity"
	"hostipc/internal/ipc"
	"hostipc/internal/ipc/tcpsocket"
	"hostipc/internal/logging"

	gossh "golang.org/x/crypto/ssh"
)

func startTransport(t *testing.T) *ipc.Server {
	t.Helper()
	limits, err := ipc.NewLimits(256, 4096)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := ipc.NewServer(tcpsocket.New(limits), limits, ipc.WithWorkers(1))
	if err != nil {
		t.Fatal(err)
	}
	props := &tcpsocket.Properties{Ports: map[string]string{"agent": "0", "extra": "0"}}
	if err := srv.Start(props); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

func echo(string) ipc.Callbacks {
	return ipc.CallbacksFunc(func(msg *ipc.Message) { _ = msg.Reply(msg.Payload) })
}

func TestConsoleSession(t *testing.T) {
	capture := logging.CaptureForTest()
	defer capture.Restore()

	tmpDir := t.TempDir()
	id, err := identity.Load(filepath.Join(tmpDir, "console"))
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	// Client key → authorized_keys
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating client key: %v", err)
	}
	sshPub, err := gossh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("converting client key: %v", err)
	}
	authKeysPath := filepath.Join(tmpDir, "authorized_keys")
	if err := os.WriteFile(authKeysPath, gossh.MarshalAuthorizedKey(sshPub), 0o600); err != nil {
		t.Fatalf("writing authorized_keys: %v", err)
	}

	transport := startTransport(t)
	srv, err := console.NewServer(console.Options{
		Addr:               "127.0.0.1:0",
		Signer:             id.Signer,
		AuthorizedKeysPath: authKeysPath,
		Control:            transport,
		NewCallbacks:       echo,
	})
	if err != nil {
		t.Fatalf("creating console: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		srv.Stop()
	}()
	go func() { _ = srv.Serve(ctx) }()

	clientSigner, err := gossh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	client, err := gossh.Dial("tcp", srv.Addr(), &gossh.ClientConfig{
		User:            "operator",
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(clientSigner)},
		HostKeyCallback: gossh.FixedHostKey(id.Signer.PublicKey()),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer func() { _ = session.Close() }()

	if err := session.RequestPty("xterm", 40, 120, gossh.TerminalModes{}); err != nil {
		t.Fatalf("pty: %v", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		t.Fatalf("stdin: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}

	var mu sync.Mutex
	var buf strings.Builder
	go func() {
		tmp := make([]byte, 4096)
		for {
			n, err := stdout.Read(tmp)
			if n > 0 {
				mu.Lock()
				buf.Write(tmp[:n])
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	// pos tracks where we last matched, so each waitFor only looks at new output
	pos := 0
	waitFor := func(substr string) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			got := buf.String()
			mu.Unlock()
			if idx := strings.Index(got[pos:], substr); idx >= 0 {
				pos += idx + len(substr)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		got := buf.String()
		mu.Unlock()
		t.Fatalf("timeout waiting for %q in output:\n%s", substr, got[pos:])
	}
	send := func(cmd string) {
		if _, err := stdin.Write([]byte(cmd + "\r")); err != nil {
			t.Fatalf("writing command %q: %v", cmd, err)
		}
	}

	waitFor("ipcd console: 0 servers")

	send("/create agent")
	waitFor("Created agent at 127.0.0.1:")
	if !transport.ServerExists("agent") {
		t.Fatal("/create did not reach the transport")
	}

	send("/servers")
	waitFor("Servers (1):")
	waitFor("agent")

	send("/create bad/name")
	waitFor("Error:")

	send("/destroy agent")
	waitFor("Destroyed agent")
	if transport.ServerExists("agent") {
		t.Fatal("/destroy did not reach the transport")
	}

	send("hello")
	waitFor("Commands start with /")

	send("/help")
	waitFor("Commands:")
	waitFor("/create <name>")

	send("/quit")
	waitFor("Goodbye")

	time.Sleep(100 * time.Millisecond)

	if !capture.Has(slog.LevelInfo, "operator connected") {
		t.Error("expected INFO log: operator connected")
	}
	if !capture.Has(slog.LevelInfo, "server created from console") {
		t.Error("expected INFO log: server created from console")
	}
	if !capture.Has(slog.LevelDebug, "console session ended") {
		t.Error("expected DEBUG log: console session ended")
	}
	if capture.Count(slog.LevelError) != 0 {
		t.Errorf("unexpected ERROR logs: %d", capture.Count(slog.LevelError))
	}
}

func TestConsoleRejectsUnknownKey(t *testing.T) {
	tmpDir := t.TempDir()
	id, err := identity.Load(tmpDir)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	srv, err := console.NewServer(console.Options{
		Addr:               "127.0.0.1:0",
		Signer:             id.Signer,
		AuthorizedKeysPath: filepath.Join(tmpDir, "missing"),
		Control:            startTransport(t),
		NewCallbacks:       echo,
	})
	if err != nil {
		t.Fatalf("creating console: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		srv.Stop()
	}()
	go func() { _ = srv.Serve(ctx) }()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	_, err = gossh.Dial("tcp", srv.Addr(), &gossh.ClientConfig{
		User:            "intruder",
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(signer)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatal("login with an unknown key succeeded")
	}
}

func TestConsoleRequiresLoopback(t *testing.T) {
	id, err := identity.Load(t.TempDir())
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	for _, addr := range []string{"0.0.0.0:2222", ":2222", "192.0.2.1:22", "nonsense"} {
		_, err := console.NewServer(console.Options{
			Addr:         addr,
			Signer:       id.Signer,
			Control:      startTransport(t),
			NewCallbacks: echo,
		})
		if err == nil {
			t.Errorf("console accepted non-loopback address %q", addr)
		}
	}
}

func TestConsoleStartStop(t *testing.T) {
	id, err := identity.Load(t.TempDir())
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	srv, err := console.NewServer(console.Options{
		Addr:         "[::1]:0",
		Signer:       id.Signer,
		Control:      startTransport(t),
		NewCallbacks: echo,
	})
	if err != nil {
		t.Fatalf("creating console: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			t.Skipf("no IPv6 loopback: %v", err)
		default:
		}
		time.Sleep(10 * time.Millisecond)
	}
	if srv.Addr() == "" {
		t.Fatal("console did not start listening")
	}

	cancel()
	srv.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel+stop")
	}
}
