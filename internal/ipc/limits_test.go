package ipc

import (
	"errors"
	"testing"
)

func TestNewLimits(t *testing.T) {
	tests := []struct {
		name    string
		buf     int
		max     int
		wantErr bool
	}{
		{"typical", 8192, 1 << 20, false},
		{"buffer larger than max", 4096, 16, false},
		{"frame limit", 1, MaxFrameSize, false},
		{"zero buffer", 0, 1024, true},
		{"negative buffer", -1, 1024, true},
		{"zero max", 1024, 0, true},
		{"above frame limit", 1024, MaxFrameSize + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLimits(tt.buf, tt.max)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidLimits) {
					t.Fatalf("expected ErrInvalidLimits, got %v", err)
				}
				if !errors.Is(err, ErrConfig) {
					t.Fatal("limits errors should be configuration errors")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if l.BufferSize() != tt.buf || l.MaxMessageSize() != tt.max {
				t.Fatalf("got %s", l)
			}
		})
	}
}

func TestZeroLimitsRejectedByServer(t *testing.T) {
	if _, err := NewServer(&loopbackBackend{}, Limits{}); !errors.Is(err, ErrInvalidLimits) {
		t.Fatalf("expected ErrInvalidLimits, got %v", err)
	}
}
