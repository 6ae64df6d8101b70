// Package directory records where each named ipc server is listening, so
// helper processes can find endpoints bound to ephemeral ports.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"hostipc/internal/ipc"
	"hostipc/internal/logging"
	"hostipc/internal/store"
)

var dlog = logging.For("directory")

var bucketEndpoints = []byte("endpoints")

// ErrNotFound is returned by Lookup for names nobody has published.
var ErrNotFound = fmt.Errorf("%w: not in directory", ipc.ErrUnknownEndpoint)

// Record is one published endpoint.
type Record struct {
	Name     string    `json:"name"`
	Kind     ipc.Kind  `json:"kind"`
	Address  string    `json:"address"`
	PID      int       `json:"pid"`
	Instance uuid.UUID `json:"instance"`
	Since    time.Time `json:"since"`
}

// Directory publishes endpoints on behalf of one transport instance. It
// implements ipc.Publisher.
type Directory struct {
	store    store.Store
	instance uuid.UUID
	pid      int
	now      func() time.Time
}

func New(s store.Store) *Directory {
	return &Directory{
		store:    s,
		instance: uuid.New(),
		pid:      os.Getpid(),
		now:      time.Now,
	}
}

// Instance identifies the records this Directory wrote.
func (d *Directory) Instance() uuid.UUID { return d.instance }

func (d *Directory) Publish(name string, kind ipc.Kind, addr string) error {
	rec := Record{
		Name:     name,
		Kind:     kind,
		Address:  addr,
		PID:      d.pid,
		Instance: d.instance,
		Since:    d.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %q: %w", name, err)
	}
	if err := d.store.Put(bucketEndpoints, []byte(name), data); err != nil {
		return fmt.Errorf("publishing %q: %w", name, err)
	}
	dlog.Debug("endpoint published", "server", name, "kind", kind, "addr", addr)
	return nil
}

// Withdraw removes name only if this instance published it; a newer owner
// of the same name keeps its record.
func (d *Directory) Withdraw(name string) error {
	removed, err := d.store.DeleteIf(bucketEndpoints, []byte(name), func(v []byte) bool {
		var rec Record
		return json.Unmarshal(v, &rec) == nil && rec.Instance == d.instance
	})
	if err != nil {
		return fmt.Errorf("withdrawing %q: %w", name, err)
	}
	if removed {
		dlog.Debug("endpoint withdrawn", "server", name)
	}
	return nil
}

func (d *Directory) Lookup(name string) (Record, error) {
	data, err := d.store.Get(bucketEndpoints, []byte(name))
	if err != nil {
		return Record{}, fmt.Errorf("looking up %q: %w", name, err)
	}
	if data == nil {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding record %q: %w", name, err)
	}
	return rec, nil
}

// List returns every record in name order. Undecodable entries are
// skipped.
func (d *Directory) List() ([]Record, error) {
	snap, err := d.store.Snapshot(bucketEndpoints)
	if err != nil {
		return nil, fmt.Errorf("listing endpoints: %w", err)
	}
	recs := make([]Record, 0, len(snap))
	for name, data := range snap {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			dlog.Warn("skipping corrupt record", "server", name, "err", err)
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

// Dial connects to a published endpoint.
func (d *Directory) Dial(ctx context.Context, name string) (net.Conn, error) {
	rec, err := d.Lookup(name)
	if err != nil {
		return nil, err
	}
	network, err := networkFor(rec.Kind)
	if err != nil {
		return nil, err
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, rec.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %q at %s: %w", name, rec.Address, err)
	}
	return conn, nil
}

func networkFor(kind ipc.Kind) (string, error) {
	switch kind {
	case ipc.KindTCP:
		return "tcp4", nil
	case ipc.KindPipe:
		return "unix", nil
	}
	return "", fmt.Errorf("%w: %q", ipc.ErrUnsupportedType, kind)
}

// IsNotFound reports whether err means the name was never published.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
