// Package kvstore implements the process-shared durable key-value mapping
// described in spec.md §4.1: a small, flat string-to-string map that every
// cooperating process of the same security group can read and write, with
// atomic read-modify-write via transactions and a durability guarantee that
// writes are visible to other processes once Flush returns.
//
// The primary implementation is backed by a buntdb database file living in
// the shared container. When that file cannot be opened (simulator,
// sandboxing misconfiguration), Open degrades to a process-local map and
// logs exactly one warning; callers above this package treat degradation as
// a hard limitation (cross-process features disabled) rather than a crash.
package kvstore

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/buntdb"
)

// Store is the process-shared durable mapping. All methods are safe for
// concurrent use.
type Store interface {
	// Get returns the value for key, and whether it was present.
	Get(key string) (string, bool, error)
	// Set writes key to value. The write is not guaranteed durable across
	// process crashes until Flush returns.
	Set(key string, value string) error
	// Remove deletes key, if present. Removing an absent key is not an error.
	Remove(key string) error
	// Enumerate returns every key with the given prefix, along with its value.
	Enumerate(prefix string) (map[string]string, error)
	// Update performs an atomic read-modify-write: fn receives the current
	// value (and whether it was present) and returns the new value to store
	// and whether to keep it. Update serializes with all other Update/Set
	// calls on the same Store instance.
	Update(key string, fn func(current string, present bool) (next string, write bool)) error
	// Flush commits any buffered state to disk, such that a subsequent
	// process opening the same store observes every write that completed
	// before Flush was called.
	Flush() error
	// Degraded reports whether the store fell back to a process-local map
	// because the shared container was unavailable.
	Degraded() bool
	// Close releases the underlying file handle.
	Close() error
}

// Open opens (creating if necessary) the buntdb-backed store at path. If the
// file cannot be opened, Open logs a warning via logger and returns a
// degraded, process-local Store instead of failing — per spec.md §4.1, the
// shared store must never crash the caller on unavailability.
func Open(path string, logger zerolog.Logger) (Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("mlscore/kvstore: shared container unavailable, degrading to process-local store")
		return newMemStore(), nil
	}
	if err := db.SetConfig(buntdb.Config{SyncPolicy: buntdb.Always}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &buntStore{db: db}, nil
}

type buntStore struct {
	db *buntdb.DB
}

func (s *buntStore) Get(key string) (string, bool, error) {
	var value string
	var present bool
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		}
		value, present = v, true
		return nil
	})
	return value, present, err
}

func (s *buntStore) Set(key string, value string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, value, nil)
		return err
	})
}

func (s *buntStore) Remove(key string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (s *buntStore) Enumerate(prefix string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			out[key] = value
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *buntStore) Update(key string, fn func(current string, present bool) (next string, write bool)) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		current, err := tx.Get(key)
		present := true
		if err != nil {
			if err != buntdb.ErrNotFound {
				return err
			}
			present = false
		}
		next, write := fn(current, present)
		if !write {
			return nil
		}
		_, _, err = tx.Set(key, next, nil)
		return err
	})
}

func (s *buntStore) Flush() error {
	return s.db.Shrink()
}

func (s *buntStore) Degraded() bool { return false }

func (s *buntStore) Close() error { return s.db.Close() }

// memStore is the degraded, process-local fallback.
type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (s *memStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Enumerate(prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func (s *memStore) Update(key string, fn func(current string, present bool) (next string, write bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, present := s.data[key]
	next, write := fn(current, present)
	if write {
		s.data[key] = next
	}
	return nil
}

func (s *memStore) Flush() error { return nil }

func (s *memStore) Degraded() bool { return true }

func (s *memStore) Close() error { return nil }
