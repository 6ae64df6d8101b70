package backends

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hostipc/internal/config"
	"hostipc/internal/ipc"
	"hostipc/internal/ipc/client"
)

func TestNewTCP(t *testing.T) {
	cfg := config.Defaults().IPC
	cfg.TCP.Ports["svc"] = "0"

	tr, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Backend.Kind() != ipc.KindTCP || tr.Properties.Kind() != ipc.KindTCP {
		t.Fatalf("got %s backend with %s properties", tr.Backend.Kind(), tr.Properties.Kind())
	}
	if tr.Limits.BufferSize() != cfg.BufferSize || tr.Limits.MaxMessageSize() != cfg.MaxMessageSize {
		t.Fatalf("limits = %s", tr.Limits)
	}
}

func TestNewPipe(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "bk")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := config.Defaults().IPC
	cfg.Type = config.TypePipe
	cfg.Pipe.Dir = filepath.Join(dir, "s")

	tr, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Backend.Kind() != ipc.KindPipe {
		t.Fatalf("got %s backend", tr.Backend.Kind())
	}

	srv, err := tr.NewServer(ipc.WithWorkers(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(tr.Properties); err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()
	if err := srv.CreateServer("probe", ipc.CallbacksFunc(func(msg *ipc.Message) {
		_ = msg.Reply([]byte("pong"))
	})); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, tr.Dialer, "probe", cfg.MaxMessageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	reply, err := c.Request(ctx, []byte("ping"))
	if err != nil || string(reply) != "pong" {
		t.Fatalf("reply = %q, %v", reply, err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.IPCConfig)
		want   error
	}{
		{"unknown type", func(c *config.IPCConfig) { c.Type = "carrier-pigeon" }, ipc.ErrUnsupportedType},
		{"zero buffer", func(c *config.IPCConfig) { c.BufferSize = 0 }, ipc.ErrInvalidLimits},
		{"bad dir mode", func(c *config.IPCConfig) {
			c.Type = config.TypePipe
			c.Pipe.DirMode = "rwx"
		}, ipc.ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults().IPC
			tt.mutate(&cfg)
			if _, err := New(cfg); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
