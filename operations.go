package mlscore

import (
	"context"
	"time"

	"github.com/joeycumines/go-utilpkg/longpoll"

	"github.com/joshlacal/mlscore/engine"
	"github.com/joshlacal/mlscore/handshake"
	"github.com/joshlacal/mlscore/mlsctx"
	"github.com/joshlacal/mlscore/userid"
)

// DecryptAndStore is the canonical decrypt_and_store operation of
// spec.md §4.6, run from the foreground process's perspective.
func (c *Core) DecryptAndStore(ctx context.Context, p mlsctx.DecryptParams) (mlsctx.Result, error) {
	result, err := c.mls.DecryptAndStore(ctx, p)
	if err == nil {
		c.ringStateChanged()
	}
	return result, err
}

// DecryptForNotification is decrypt_and_store run from the notification
// worker process: it opens the MLS context in ephemeral mode so as not to
// disturb the foreground process's active pool for the same storage path.
func (c *Core) DecryptForNotification(ctx context.Context, p mlsctx.DecryptParams) (mlsctx.Result, error) {
	result, err := c.mls.DecryptForNotification(ctx, p)
	if err == nil {
		c.ringStateChanged()
	}
	return result, err
}

// DecryptBatch decrypts every item for user under a single exclusive-access
// scope hold, per spec.md §4.6's batching note.
func (c *Core) DecryptBatch(ctx context.Context, user userid.ID, items []mlsctx.DecryptParams) ([]mlsctx.BatchResult, error) {
	results, err := c.mls.DecryptBatch(ctx, user, items)
	if err == nil {
		c.ringStateChanged()
	}
	return results, err
}

// DecryptBatchFromChannel drains whatever DecryptParams are currently
// available on reqCh (per package longpoll's bounded-wait batching) and
// decrypts them all under a single exclusive-access scope hold, per
// spec.md §4.6's decrypt_batch. Intended for the worker process, which
// receives decrypt requests as a stream off push delivery rather than as
// a pre-built slice. cfg may be nil for longpoll's defaults.
func (c *Core) DecryptBatchFromChannel(ctx context.Context, user userid.ID, reqCh <-chan mlsctx.DecryptParams, cfg *longpoll.ChannelConfig) ([]mlsctx.BatchResult, error) {
	results, err := c.mls.DecryptBatchFromChannel(ctx, user, reqCh, cfg)
	if err == nil {
		c.ringStateChanged()
	}
	return results, err
}

// GetContext returns (loading or reloading as necessary) user's cached MLS
// context and the disk version it was loaded at.
func (c *Core) GetContext(ctx context.Context, user userid.ID) (engine.ContextHandle, int64, error) {
	return c.mls.GetContext(ctx, user)
}

// EnsureContext returns user's context after purging any other cached
// user's context, implementing the account-switch guard.
func (c *Core) EnsureContext(ctx context.Context, user userid.ID) (engine.ContextHandle, int64, error) {
	return c.mls.EnsureContext(ctx, user)
}

// GetCurrentEpoch reports group_id's current epoch for user, reloading the
// context first if the on-disk version has advanced.
func (c *Core) GetCurrentEpoch(ctx context.Context, user userid.ID, groupID string) (uint64, error) {
	return c.mls.GetCurrentEpoch(ctx, user, groupID)
}

// GetMemberCount reports group_id's current member count for user.
func (c *Core) GetMemberCount(ctx context.Context, user userid.ID, groupID string) (int, error) {
	return c.mls.GetMemberCount(ctx, user, groupID)
}

// HasContext reports whether user currently has a cached MLS context.
func (c *Core) HasContext(user userid.ID) bool { return c.mls.HasContext(user) }

// RemoveContext evicts (flushing and closing) user's cached context, if any.
func (c *Core) RemoveContext(user userid.ID) bool { return c.mls.RemoveContext(user) }

// ClearAllContexts evicts every cached MLS context.
func (c *Core) ClearAllContexts() { c.mls.ClearAllContexts() }

// IsContextStale reports whether user's on-disk state version exceeds
// memoryVersion.
func (c *Core) IsContextStale(user userid.ID, memoryVersion int64) (bool, error) {
	return c.mls.IsContextStale(user, memoryVersion)
}

// IsLockAvailable is a non-blocking probe of user's advisory storage lock,
// useful for UI that wants to avoid an operation likely to block.
func (c *Core) IsLockAvailable(user userid.ID) (bool, error) { return c.mls.IsLockAvailable(user) }

// GetCachedPlaintext returns a previously stored plaintext by message id.
func (c *Core) GetCachedPlaintext(ctx context.Context, messageID string) (engine.Plaintext, bool, error) {
	return c.mls.GetCachedPlaintext(ctx, messageID)
}

// IssueWillClose allocates a fresh quiesce token for user, persists the
// request, and rings nse_will_close, per spec.md §4.4. This is the worker
// process's entry point before it checkpoints shared storage.
func (c *Core) IssueWillClose(ctx context.Context, user userid.ID, lockTimeout time.Duration) (handshake.Request, error) {
	req, err := c.handshakeStore.IssueWillClose(ctx, user, lockTimeout)
	if err != nil {
		return handshake.Request{}, err
	}
	if err := c.doorbell.Ring(handshake.ChannelNSEWillClose); err != nil {
		c.logger.Warn().Err(err).Msg("mlscore: failed to ring nse_will_close doorbell")
	}
	return req, nil
}

// WaitForAck blocks until token is acknowledged for user, timeout elapses,
// or ctx is canceled. A timeout <= 0 uses the configured
// HandshakeAckTimeout (2s by default, per spec.md §4.4).
func (c *Core) WaitForAck(ctx context.Context, user userid.ID, token uint64, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = c.cfg.HandshakeAckTimeout
	}
	return c.handshakeStore.WaitForAck(ctx, user, token, timeout)
}

// ProcessWillCloseRequests is the foreground process's reaction to an
// nse_will_close doorbell ring: coalesce pending requests per user to the
// highest token, skip already-acknowledged ones, invoke handler, and
// acknowledge (ringing app_acknowledged) on true.
func (c *Core) ProcessWillCloseRequests(handler handshake.Handler) error {
	return handshake.ProcessWillCloseRequests(c.handshakeStore, c.doorbell, handler)
}

// SubscribeStateChanged returns a channel that fires (coalesced, best
// effort) whenever any process rings state_changed, plus an unsubscribe
// function that must be called when the subscriber is done.
func (c *Core) SubscribeStateChanged() (<-chan struct{}, func()) {
	return c.doorbell.Subscribe(handshake.ChannelStateChanged)
}

// SubscribeWillClose returns a channel that fires whenever the worker
// process posts nse_will_close.
func (c *Core) SubscribeWillClose() (<-chan struct{}, func()) {
	return c.doorbell.Subscribe(handshake.ChannelNSEWillClose)
}

// SubscribeAcknowledged returns a channel that fires whenever the
// foreground process posts app_acknowledged.
func (c *Core) SubscribeAcknowledged() (<-chan struct{}, func()) {
	return c.doorbell.Subscribe(handshake.ChannelAppAcknowledged)
}

// runDebounced subscribes to channel and runs handler at most once per the
// configured DoorbellDebounceWindow, collapsing bursts of Ring calls into a
// single handling pass per spec.md §4.4's doorbell discipline on receipt.
// Blocks until ctx is canceled.
func (c *Core) runDebounced(ctx context.Context, channel string, handler func(ctx context.Context)) {
	ch, unsubscribe := c.doorbell.Subscribe(channel)
	defer unsubscribe()
	handshake.Debounce(ctx, ch, c.cfg.DoorbellDebounceWindow, handler)
}

// RunOnStateChanged debounces state_changed notifications and invokes
// handler for each collapsed burst. Blocks until ctx is canceled.
func (c *Core) RunOnStateChanged(ctx context.Context, handler func(ctx context.Context)) {
	c.runDebounced(ctx, handshake.ChannelStateChanged, handler)
}

// RunOnWillClose debounces nse_will_close notifications and invokes handler
// for each collapsed burst. Blocks until ctx is canceled.
func (c *Core) RunOnWillClose(ctx context.Context, handler func(ctx context.Context)) {
	c.runDebounced(ctx, handshake.ChannelNSEWillClose, handler)
}

// RunOnAcknowledged debounces app_acknowledged notifications and invokes
// handler for each collapsed burst. Blocks until ctx is canceled.
func (c *Core) RunOnAcknowledged(ctx context.Context, handler func(ctx context.Context)) {
	c.runDebounced(ctx, handshake.ChannelAppAcknowledged, handler)
}
