// Package version implements the monotonic state-version oracle of
// spec.md §4.3: a per-user counter plus a global counter, both persisted in
// the shared key-value store, used by every other component to detect that
// on-disk MLS state has advanced since a cached value was last observed.
package version

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/joshlacal/mlscore/kvkeys"
	"github.com/joshlacal/mlscore/kvstore"
	"github.com/joshlacal/mlscore/lockfile"
	"github.com/joshlacal/mlscore/userid"
)

// Manager is a thin façade over the shared store and the per-user advisory
// lock, implementing spec.md §4.3.
type Manager struct {
	store Store
	lock  *lockfile.Lock

	mu        sync.Mutex
	lastKnown map[userid.ID]int64

	onChange func(user userid.ID, newVersion int64)
}

// Store is the subset of kvstore.Store the version manager depends on.
// Declared locally so tests can substitute a minimal fake without pulling
// in the full kvstore package.
type Store interface {
	Get(key string) (string, bool, error)
	Update(key string, fn func(current string, present bool) (next string, write bool)) error
	Flush() error
}

var _ Store = kvstore.Store(nil)

// New constructs a Manager. lock guards the increment critical section
// (spec.md requires increment to run inside perform_exclusive); onChange,
// if non-nil, is invoked (on the calling goroutine) every time Increment
// succeeds — the in-process change-notification spec.md §4.3 describes,
// generalized here into an explicit callback instead of a global event bus.
func New(store Store, lock *lockfile.Lock, onChange func(user userid.ID, newVersion int64)) *Manager {
	return &Manager{
		store:     store,
		lock:      lock,
		lastKnown: make(map[userid.ID]int64),
		onChange:  onChange,
	}
}

// DiskVersion is a pure read of user's persisted version. Absence is
// treated as version 0.
func (m *Manager) DiskVersion(user userid.ID) (int64, error) {
	return m.readVersion(kvkeys.StateVersionKey(user))
}

// GlobalVersion is a pure read of the cross-user activity counter.
func (m *Manager) GlobalVersion() (int64, error) {
	return m.readVersion(kvkeys.GlobalStateVersion)
}

func (m *Manager) readVersion(key string) (int64, error) {
	raw, present, err := m.store.Get(key)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// Increment bumps user's version by one and the global version by one and
// flushes the store, inside the advisory lock (spec.md requires increment
// to run under process_coordinator.perform_exclusive); the in-process
// last-known cache is updated after the lock is released.
//
// On lock failure (LockBusy/AdvisoryLockTimeout/context cancellation),
// Increment fails closed: it returns the current on-disk version without
// incrementing, and a non-nil error, so callers never observe a phantom
// version bump.
func (m *Manager) Increment(ctx context.Context, user userid.ID, timeout time.Duration) (int64, error) {
	newVersion, err := lockfile.PerformExclusive(ctx, m.lock, timeout, func(ctx context.Context) (int64, error) {
		return m.incrementLocked(user)
	})
	if err != nil {
		// fail-closed: report the current version rather than a guess.
		current, readErr := m.DiskVersion(user)
		if readErr != nil {
			return 0, err
		}
		return current, err
	}

	m.recordIncrement(user, newVersion)
	return newVersion, nil
}

// IncrementAssumeLocked performs the same bump as Increment, but without
// itself acquiring the advisory lock. It is for callers that already hold
// user's exclusive-access scope (package opcoord's WithExclusive) for the
// duration of a larger operation — re-acquiring the same lock inside an
// already-held scope would release it the moment this call returns,
// breaking the outer holder's exclusivity for the remainder of its work.
func (m *Manager) IncrementAssumeLocked(user userid.ID) (int64, error) {
	newVersion, err := m.incrementLocked(user)
	if err != nil {
		return 0, err
	}
	m.recordIncrement(user, newVersion)
	return newVersion, nil
}

func (m *Manager) incrementLocked(user userid.ID) (int64, error) {
	var result int64
	err := m.store.Update(kvkeys.StateVersionKey(user), func(current string, present bool) (string, bool) {
		v := int64(0)
		if present {
			v, _ = strconv.ParseInt(current, 10, 64)
		}
		v++
		result = v
		return strconv.FormatInt(v, 10), true
	})
	if err != nil {
		return 0, err
	}

	if err := m.store.Update(kvkeys.GlobalStateVersion, func(current string, present bool) (string, bool) {
		v := int64(0)
		if present {
			v, _ = strconv.ParseInt(current, 10, 64)
		}
		return strconv.FormatInt(v+1, 10), true
	}); err != nil {
		return 0, err
	}

	if err := m.store.Flush(); err != nil {
		return 0, err
	}

	return result, nil
}

func (m *Manager) recordIncrement(user userid.ID, newVersion int64) {
	m.mu.Lock()
	m.lastKnown[user] = newVersion
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(user, newVersion)
	}
}

// Set forcibly assigns user's on-disk version. Exposed for tests and
// recovery tooling; normal operation only ever increments.
func (m *Manager) Set(user userid.ID, v int64) error {
	return m.store.Update(kvkeys.StateVersionKey(user), func(string, bool) (string, bool) {
		return strconv.FormatInt(v, 10), true
	})
}

// SyncLastKnown refreshes the in-process last-known cache for user from
// disk, without incrementing anything. Called by the context manager right
// after it (re)creates a context, so HasChanged's baseline matches the
// version the context was actually loaded at.
func (m *Manager) SyncLastKnown(user userid.ID) error {
	disk, err := m.DiskVersion(user)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.lastKnown[user] = disk
	m.mu.Unlock()
	return nil
}

// Clear removes the in-process last-known cache entry for user (does not
// touch on-disk state).
func (m *Manager) Clear(user userid.ID) {
	m.mu.Lock()
	delete(m.lastKnown, user)
	m.mu.Unlock()
}

// ClearAll removes every in-process last-known cache entry.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	m.lastKnown = make(map[userid.ID]int64)
	m.mu.Unlock()
}

// IsStale reports whether user's on-disk version exceeds memoryVersion.
func (m *Manager) IsStale(user userid.ID, memoryVersion int64) (bool, error) {
	disk, err := m.DiskVersion(user)
	if err != nil {
		return false, err
	}
	return disk > memoryVersion, nil
}

// HasChanged compares user's on-disk version against the in-process
// last-known cache, updates the cache to the observed disk value, and
// reports whether it had changed.
func (m *Manager) HasChanged(user userid.ID) (bool, error) {
	disk, err := m.DiskVersion(user)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastKnown[user]
	m.lastKnown[user] = disk
	if !ok {
		return disk != 0, nil
	}
	return disk != last, nil
}
