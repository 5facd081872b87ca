// Package mlsctx implements the MLS context manager and decryption
// pipeline of spec.md §4.6: per-user cached cryptographic contexts,
// version-based invalidation, intra-process decrypt deduplication, and the
// canonical decrypt_and_store operation and its variants.
package mlsctx

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/joeycumines/go-utilpkg/catrate"
	"github.com/joeycumines/go-utilpkg/microbatch"

	"github.com/joshlacal/mlscore/engine"
	"github.com/joshlacal/mlscore/kvstore"
	"github.com/joshlacal/mlscore/opcoord"
	"github.com/joshlacal/mlscore/userid"
)

// secretReuseWarnRates bounds how often decryptBodyLeader logs a warning
// for a given user's repeated SecretReuseSkipped outcomes: a caller stuck
// retrying a doomed decrypt (e.g. a push-retry loop racing the other
// process) would otherwise flood the log at the retry's own rate.
var secretReuseWarnRates = map[time.Duration]int{
	time.Second:      1,
	time.Minute:      5,
	10 * time.Minute: 20,
}

// defaultScopeTimeout is the 15s exclusive-access deadline spec.md §4.6
// step 2 specifies for decrypt_and_store.
const defaultScopeTimeout = 15 * time.Second

// defaultBatchTimeout bounds the single scope acquisition decrypt_batch
// performs before running every message in the batch.
const defaultBatchTimeout = 30 * time.Second

// defaultLockTimeout bounds with_exclusive calls outside the decrypt and
// batch paths (context/epoch/member-count queries), per spec.md §4.5's
// worked example of a 5s with_exclusive call.
const defaultLockTimeout = 5 * time.Second

// Config bundles the Manager's collaborators. All fields except Logger,
// CacheSize, ScopeTimeout, BatchTimeout and LockTimeout are required; the
// optional ones fall back to defaults when zero.
type Config struct {
	Logger zerolog.Logger

	KV             kvstore.Store
	Coordinator    *opcoord.Coordinator
	Engine         engine.Engine
	ContextFactory engine.ContextFactory
	MessageStore   engine.MessageStore
	SecretStore    engine.SecretStore

	// SharedContainerDir is the root of the shared container described in
	// spec.md §6; per-user advisory lock files live directly under it,
	// and per-user MLS state databases live under "<dir>/mls-state/".
	SharedContainerDir string

	// CacheSize bounds the context LRU cache's capacity. Defaults to 8.
	CacheSize int

	// ScopeTimeout bounds a single-message exclusive-access scope.
	// Defaults to defaultScopeTimeout (15s, per spec.md §4.6 step 2).
	ScopeTimeout time.Duration

	// BatchTimeout bounds the scope held for the duration of DecryptBatch.
	// Defaults to defaultBatchTimeout (30s).
	BatchTimeout time.Duration

	// LockTimeout bounds with_exclusive calls for context/epoch/member-count
	// queries, which spec.md does not pin to decrypt_and_store's 15s or
	// decrypt_batch's 30s. Defaults to defaultLockTimeout (5s).
	LockTimeout time.Duration
}

// Manager is the MLS context manager and decryption pipeline.
type Manager struct {
	logger zerolog.Logger

	engine         engine.Engine
	contextFactory engine.ContextFactory
	messageStore   engine.MessageStore
	secretStore    engine.SecretStore

	coord     *opcoord.Coordinator
	resources *resourceRegistry
	cache     *contextCache
	inflight  *inflightTable
	batcher   *microbatch.Batcher[*autobatchJob]
	warnRate  *catrate.Limiter

	sharedDir    string
	scopeTimeout time.Duration
	batchTimeout time.Duration
	lockTimeout  time.Duration
}

// New constructs a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 8
	}
	scopeTimeout := cfg.ScopeTimeout
	if scopeTimeout <= 0 {
		scopeTimeout = defaultScopeTimeout
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	m := &Manager{
		logger:         cfg.Logger,
		engine:         cfg.Engine,
		contextFactory: cfg.ContextFactory,
		messageStore:   cfg.MessageStore,
		secretStore:    cfg.SecretStore,
		coord:          cfg.Coordinator,
		sharedDir:      cfg.SharedContainerDir,
		scopeTimeout:   scopeTimeout,
		batchTimeout:   batchTimeout,
		lockTimeout:    lockTimeout,
		inflight:       newInflightTable(),
		warnRate:       catrate.NewLimiter(secretReuseWarnRates),
	}

	m.resources = newResourceRegistry(cfg.KV, cfg.SharedContainerDir, m.onVersionChange)

	cache, err := newContextCache(size, m.onEvictErr)
	if err != nil {
		return nil, err
	}
	m.cache = cache
	m.batcher = newAutobatcher(m)

	return m, nil
}

func (m *Manager) onVersionChange(user userid.ID, newVersion int64) {
	m.logger.Debug().Str("user", user.Hash()).Int64("version", newVersion).Msg("mlsctx: state version changed")
}

// warnSecretReuseSkipped logs a warning for a SecretReuseSkipped outcome,
// rate-limited per user so a caller stuck retrying the same doomed decrypt
// cannot flood the log.
func (m *Manager) warnSecretReuseSkipped(user userid.ID, messageID string) {
	if _, allowed := m.warnRate.Allow(user.Hash()); !allowed {
		return
	}
	m.logger.Warn().Str("user", user.Hash()).Str("message_id", messageID).
		Msg("mlsctx: secret reuse skipped, no cached plaintext to fall back to")
}

func (m *Manager) onEvictErr(user userid.ID, err error) {
	m.logger.Warn().Str("user", user.Hash()).Err(err).Msg("mlsctx: error flushing/closing evicted context")
}

func (m *Manager) storagePath(user userid.ID) string {
	return filepath.Join(m.sharedDir, "mls-state", user.StoragePathKey()+".db")
}

func secretStoreKey(user userid.ID) string {
	return fmt.Sprintf("mls_db_key.%s", user.Hash())
}

// getContextLocked implements get_context, assuming the caller already
// holds user's exclusive-access scope.
func (m *Manager) getContextLocked(ctx context.Context, res *userResources, user userid.ID, ephemeral bool) (*cachedContext, error) {
	if entry, ok := m.cache.get(user); ok {
		disk, err := res.versionMgr.DiskVersion(user)
		if err != nil {
			return nil, err
		}
		if disk <= entry.loadedVersion {
			return entry, nil
		}
		// Stale: flush+close (via eviction callback) and fall through to
		// recreate it.
		m.cache.remove(user)
	}

	dbKey, present, err := m.secretStore.Read(ctx, secretStoreKey(user))
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, &ErrNoDatabaseKey{UserHash: user.Hash()}
	}

	handle, err := m.contextFactory.OpenContext(ctx, m.storagePath(user), dbKey, ephemeral)
	if err != nil {
		return nil, err
	}

	disk, err := res.versionMgr.DiskVersion(user)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}

	entry := &cachedContext{user: user, handle: handle, loadedVersion: disk}
	m.cache.put(entry)

	if err := res.versionMgr.SyncLastKnown(user); err != nil {
		return nil, err
	}
	return entry, nil
}

// ensureContextLocked implements ensure_context, assuming the caller
// already holds user's exclusive-access scope: it evicts every cached
// context for a different user (case-insensitive) before loading user's,
// preventing cross-account decryption after an account switch.
func (m *Manager) ensureContextLocked(ctx context.Context, res *userResources, user userid.ID) (*cachedContext, error) {
	m.cache.removeExcept(user)
	return m.getContextLocked(ctx, res, user, false)
}

type contextResult struct {
	handle  engine.ContextHandle
	version int64
}

// GetContext returns (loading or reloading as necessary) user's cached
// MLS context and the disk version it was loaded at.
func (m *Manager) GetContext(ctx context.Context, user userid.ID) (engine.ContextHandle, int64, error) {
	user = userid.Normalize(user.String())
	res, err := m.resources.get(user)
	if err != nil {
		return nil, 0, err
	}

	out, err := opcoord.WithExclusive(ctx, m.coord, res.lock, user, opcoord.PurposeOther, m.lockTimeout, func(ctx context.Context) (contextResult, error) {
		entry, err := m.getContextLocked(ctx, res, user, false)
		if err != nil {
			return contextResult{}, err
		}
		return contextResult{handle: entry.handle, version: entry.loadedVersion}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out.handle, out.version, nil
}

// EnsureContext returns user's context after purging any other user's
// cached context, per spec.md's account-switch guard.
func (m *Manager) EnsureContext(ctx context.Context, user userid.ID) (engine.ContextHandle, int64, error) {
	user = userid.Normalize(user.String())
	res, err := m.resources.get(user)
	if err != nil {
		return nil, 0, err
	}

	out, err := opcoord.WithExclusive(ctx, m.coord, res.lock, user, opcoord.PurposeAccountSwitch, m.lockTimeout, func(ctx context.Context) (contextResult, error) {
		entry, err := m.ensureContextLocked(ctx, res, user)
		if err != nil {
			return contextResult{}, err
		}
		return contextResult{handle: entry.handle, version: entry.loadedVersion}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out.handle, out.version, nil
}

// Close releases every per-user advisory lock file handle this Manager
// opened, and stops the auto-batcher. It does not flush or close cached
// MLS contexts; call ClearAllContexts first if that is desired.
func (m *Manager) Close() {
	_ = m.batcher.Close()
	m.resources.closeAll()
}
