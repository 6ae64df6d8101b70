package bolt

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// lockTimeout bounds how long an open waits for another process holding
// the file lock.
const lockTimeout = 2 * time.Second

// Store implements store.Store on a bbolt file. A Store from Open keeps the
// file locked until Close; one from OpenShared locks it only for the
// duration of each call, so several processes can take turns.
type Store struct {
	path string
	db   *bolt.DB
}

// Open creates or opens the database at path, creating its parent
// directory with owner-only permissions.
func Open(path string) (*Store, error) {
	if err := mkdirFor(path); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	return &Store{path: path, db: db}, nil
}

// OpenShared returns a Store that opens path per operation. The file is
// created on first write.
func OpenShared(path string) (*Store, error) {
	if err := mkdirFor(path); err != nil {
		return nil, err
	}
	return &Store{path: path}, nil
}

func mkdirFor(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}
	return nil
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	if s.db != nil {
		return s.db.View(fn)
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: lockTimeout, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("opening bolt db: %w", err)
	}
	defer db.Close()
	return db.View(fn)
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	if s.db != nil {
		return s.db.Update(fn)
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return fmt.Errorf("opening bolt db: %w", err)
	}
	defer db.Close()
	return db.Update(fn)
}

func (s *Store) Get(bucket, key []byte) ([]byte, error) {
	var val []byte
	err := s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	return val, err
}

func (s *Store) Put(bucket, key, value []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
		return b.Put(key, value)
	})
}

func (s *Store) Delete(bucket, key []byte) error {
	_, err := s.DeleteIf(bucket, key, func([]byte) bool { return true })
	return err
}

func (s *Store) DeleteIf(bucket, key []byte, match func(value []byte) bool) (bool, error) {
	removed := false
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v == nil || !match(v) {
			return nil
		}
		removed = true
		return b.Delete(key)
	})
	return removed, err
}

// ForEach passes values that are only valid during fn.
func (s *Store) ForEach(bucket []byte, fn func(key, value []byte) error) error {
	return s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}

func (s *Store) Snapshot(bucket []byte) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.ForEach(bucket, func(k, v []byte) error {
		result[string(k)] = append([]byte(nil), v...)
		return nil
	})
	return result, err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
