package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// ErrStopIteration can be returned by an iteration callback to end the scan
// early without an error.
var ErrStopIteration = errors.New("stop iteration")

// Op is one mutation of an atomic write.
// A nil Value with Delete set removes Key.
type Op struct {
	Key    []byte // Key is the key to write or delete
	Value  []byte // Value is the value to store
	Delete bool   // Delete removes Key instead of setting it
}

// Put returns an Op storing value under key.
func Put(key, value []byte) Op {
	return Op{Key: key, Value: value}
}

// Del returns an Op removing key.
func Del(key []byte) Op {
	return Op{Key: key, Delete: true}
}

// Option configures a Storage.
type Option func(*options)

type options struct {
	syncWrites bool
	cacheSize  int64
}

// WithSyncWrites makes every Write durable before it returns.
// Without it, writes are synced by the background loop.
func WithSyncWrites() Option {
	return func(o *options) { o.syncWrites = true }
}

// WithCacheSize overrides the block cache size in bytes.
func WithCacheSize(size int64) Option {
	return func(o *options) { o.cacheSize = size }
}

// Storage provides a key-value store backed by Pebble.
// Plain writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk.
type Storage struct {
	db        *pebble.DB           // db is the underlying Pebble database
	writeOpts *pebble.WriteOptions // writeOpts applies to Set, Delete and Write
	stopSync  chan struct{}        // stopSync signals the sync goroutine to stop
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens a Storage at the given path.
func New(path string, opts ...Option) (*Storage, error) {
	o := options{cacheSize: 32 << 20}
	for _, opt := range opts {
		opt(&o)
	}

	cache := pebble.NewCache(o.cacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	})
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:        db,
		writeOpts: pebble.NoSync,
		stopSync:  make(chan struct{}),
	}

	if o.syncWrites {
		s.writeOpts = pebble.Sync
	}

	s.startSyncLoop()

	return s, nil
}

// SyncWrites reports whether every write is synced before it returns.
func (s *Storage) SyncWrites() bool {
	return s.writeOpts == pebble.Sync
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Set stores a key-value pair.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, s.writeOpts)
}

// Delete removes a key from the store.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, s.writeOpts)
}

// Write applies all ops atomically: either every op is visible or none is.
func (s *Storage) Write(ops ...Op) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, op := range ops {
		var err error
		if op.Delete {
			err = batch.Delete(op.Key, nil)
		} else {
			err = batch.Set(op.Key, op.Value, nil)
		}

		if err != nil {
			return err
		}
	}

	return batch.Commit(s.writeOpts)
}

// IteratePrefix calls fn for each key-value pair with the given prefix,
// in lexicographic key order. Returning ErrStopIteration ends the scan cleanly.
// Keys and values are only valid for the duration of the callback.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync goroutine, performs a final sync and closes the database.
func (s *Storage) Close() error {
	var err error

	s.closeOnce.Do(func() {
		close(s.stopSync)
		s.wg.Wait()

		if err = s.sync(); err != nil {
			s.db.Close()
			return
		}

		err = s.db.Close()
	})

	return err
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
