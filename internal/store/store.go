package store

// Store is a bucketed key-value store. The endpoint directory is its only
// consumer; bbolt backs it so that several processes on the host can share
// one file.
type Store interface {
	Get(bucket, key []byte) ([]byte, error)
	Put(bucket, key, value []byte) error
	Delete(bucket, key []byte) error
	// DeleteIf removes key only when match accepts its current value,
	// atomically with the read. It reports whether a value was removed.
	DeleteIf(bucket, key []byte, match func(value []byte) bool) (bool, error)
	ForEach(bucket []byte, fn func(key, value []byte) error) error
	Snapshot(bucket []byte) (map[string][]byte, error)
	Close() error
}
