package mlsctx

import (
	"context"

	"github.com/joshlacal/mlscore/engine"
	"github.com/joshlacal/mlscore/opcoord"
	"github.com/joshlacal/mlscore/userid"
)

// GetCachedPlaintext returns any previously persisted plaintext for
// messageID, without touching the context cache or advisory lock.
func (m *Manager) GetCachedPlaintext(ctx context.Context, messageID string) (engine.Plaintext, bool, error) {
	return m.messageStore.FetchPlaintext(ctx, messageID)
}

// GetCurrentEpoch returns groupID's current epoch for user, reloading
// user's context first if the on-disk version has advanced since it was
// cached (scenario 2: stale context reload).
func (m *Manager) GetCurrentEpoch(ctx context.Context, user userid.ID, groupID string) (uint64, error) {
	user = userid.Normalize(user.String())
	res, err := m.resources.get(user)
	if err != nil {
		return 0, err
	}
	return opcoord.WithExclusive(ctx, m.coord, res.lock, user, opcoord.PurposeOther, m.lockTimeout, func(ctx context.Context) (uint64, error) {
		entry, err := m.getContextLocked(ctx, res, user, false)
		if err != nil {
			return 0, err
		}
		return m.engine.CurrentEpoch(ctx, entry.handle, groupID)
	})
}

// GetMemberCount returns groupID's current member count for user.
func (m *Manager) GetMemberCount(ctx context.Context, user userid.ID, groupID string) (int, error) {
	user = userid.Normalize(user.String())
	res, err := m.resources.get(user)
	if err != nil {
		return 0, err
	}
	return opcoord.WithExclusive(ctx, m.coord, res.lock, user, opcoord.PurposeOther, m.lockTimeout, func(ctx context.Context) (int, error) {
		entry, err := m.getContextLocked(ctx, res, user, false)
		if err != nil {
			return 0, err
		}
		return m.engine.MemberCount(ctx, entry.handle, groupID)
	})
}

// HasContext reports whether user currently has a cached context.
func (m *Manager) HasContext(user userid.ID) bool {
	return m.cache.has(userid.Normalize(user.String()))
}

// RemoveContext evicts (flushing and closing) user's cached context, if
// any.
func (m *Manager) RemoveContext(user userid.ID) bool {
	return m.cache.remove(userid.Normalize(user.String()))
}

// ClearAllContexts evicts (flushing and closing) every cached context.
func (m *Manager) ClearAllContexts() {
	m.cache.removeAll()
}

// IsContextStale reports whether user's on-disk version exceeds
// memoryVersion.
func (m *Manager) IsContextStale(user userid.ID, memoryVersion int64) (bool, error) {
	user = userid.Normalize(user.String())
	res, err := m.resources.get(user)
	if err != nil {
		return false, err
	}
	return res.versionMgr.IsStale(user, memoryVersion)
}

// IsLockAvailable reports whether user's advisory lock could currently be
// obtained without blocking, without actually holding it afterward.
func (m *Manager) IsLockAvailable(user userid.ID) (bool, error) {
	user = userid.Normalize(user.String())
	res, err := m.resources.get(user)
	if err != nil {
		return false, err
	}
	return opcoord.ProbeStorageGate(res.lock), nil
}

// ShouldUseEphemeralAccess reports whether decrypting for user should use
// the ephemeral (non-checkpointing) database access mode, per spec.md
// §4.6: true when a different user is the UI-active one (activeUser is
// non-empty and does not match user).
func ShouldUseEphemeralAccess(user, activeUser userid.ID) bool {
	if activeUser.IsEmpty() {
		return false
	}
	return !user.Equal(activeUser)
}
