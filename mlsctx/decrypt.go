package mlsctx

import (
	"context"
	"errors"

	"github.com/joshlacal/mlscore/engine"
	"github.com/joshlacal/mlscore/opcoord"
	"github.com/joshlacal/mlscore/userid"
)

// DecryptParams are the inputs to DecryptAndStore and its variants,
// corresponding to spec.md §4.6's decrypt_and_store(user, group_id,
// ciphertext, conversation_id, message_id, epoch?, seq?, sender?). There
// are no epoch or seq inputs: the stored epoch and seq are the ones the
// engine reports for the decrypted message.
type DecryptParams struct {
	User           userid.ID
	GroupID        string
	Ciphertext     []byte
	ConversationID string
	MessageID      string

	// Sender is the caller-supplied fallback sender DID, used only if the
	// engine's authenticated credential does not yield one. May be empty.
	Sender string
}

// Result is the outcome of a successful decrypt, per spec.md §4.6 step 13.
type Result struct {
	Plaintext []byte
	Embed     []byte
	Sender    string
}

// DecryptAndStore is the canonical operation of spec.md §4.6.
func (m *Manager) DecryptAndStore(ctx context.Context, p DecryptParams) (Result, error) {
	return m.decryptAndStore(ctx, p, false)
}

// DecryptAndStoreWithEmbeds has the same contract as DecryptAndStore;
// Result already always carries Embed, so this is a named synonym for
// callers that want to make the intent of reading it explicit.
func (m *Manager) DecryptAndStoreWithEmbeds(ctx context.Context, p DecryptParams) (Result, error) {
	return m.decryptAndStore(ctx, p, false)
}

// DecryptForNotification has the same contract as DecryptAndStore, but
// opens the MLS context in ephemeral mode: a database access pattern that
// does not disturb any other process's active pool for the same storage
// path, to avoid write-ahead-log contention when decrypting for a user
// other than the one the foreground UI is currently active for.
func (m *Manager) DecryptForNotification(ctx context.Context, p DecryptParams) (Result, error) {
	return m.decryptAndStore(ctx, p, true)
}

func (m *Manager) decryptAndStore(ctx context.Context, p DecryptParams, ephemeral bool) (Result, error) {
	user := userid.Normalize(p.User.String())

	// Step 1: pre-lock idempotency probe. Storage errors here are
	// fail-closed (propagated, never advancing the ratchet); a cache hit
	// short-circuits the whole operation without ever contending for the
	// advisory lock.
	if existing, ok, err := m.messageStore.FetchPlaintext(ctx, p.MessageID); err != nil {
		return Result{}, err
	} else if ok {
		return resultFromPlaintext(existing), nil
	}

	res, err := m.resources.get(user)
	if err != nil {
		return Result{}, err
	}

	return opcoord.WithExclusive(ctx, m.coord, res.lock, user, opcoord.PurposeDecrypt, m.scopeTimeout, func(ctx context.Context) (Result, error) {
		return m.decryptBody(ctx, res, p, ephemeral)
	})
}

// decryptBody implements spec.md §4.6 steps 3-13. The caller must already
// hold user's exclusive-access scope.
func (m *Manager) decryptBody(ctx context.Context, res *userResources, p DecryptParams, ephemeral bool) (Result, error) {
	user := userid.Normalize(p.User.String())

	// Step 3: in-flight dedup.
	entry, leader := m.inflight.begin(p.MessageID)
	if !leader {
		return entry.wait(ctx)
	}

	result, err := m.decryptBodyLeader(ctx, res, user, p, ephemeral)
	m.inflight.finish(p.MessageID, entry, result, err)
	return result, err
}

func (m *Manager) decryptBodyLeader(ctx context.Context, res *userResources, user userid.ID, p DecryptParams, ephemeral bool) (Result, error) {
	// Step 4: post-lock idempotency probe (defense in depth).
	if existing, ok, err := m.messageStore.FetchPlaintext(ctx, p.MessageID); err != nil {
		return Result{}, err
	} else if ok {
		return resultFromPlaintext(existing), nil
	}

	// Step 5: obtain context, possibly reloading if stale.
	ctxEntry, err := m.getContextLocked(ctx, res, user, ephemeral)
	if err != nil {
		return Result{}, err
	}

	// Step 6: strip any padding envelope.
	inner := stripPadding(p.Ciphertext)

	// Steps 7-11 are the critical section: once the engine call below
	// succeeds, this function must run to completion (persist, then
	// version increment) without reacting to ctx cancellation, or a
	// ratchet advance would be observable with no corresponding stored
	// plaintext. No cancellation checks are introduced between here and
	// the end of this function.
	decrypted, err := m.engine.Decrypt(ctx, ctxEntry.handle, p.GroupID, inner)
	if err != nil {
		if errors.Is(err, engine.ErrSecretReuse) {
			if existing, ok, ferr := m.messageStore.FetchPlaintext(ctx, p.MessageID); ferr == nil && ok {
				return resultFromPlaintext(existing), nil
			}
			m.warnSecretReuseSkipped(user, p.MessageID)
			return Result{}, &ErrSecretReuseSkipped{MessageID: p.MessageID}
		}
		return Result{}, err
	}

	// From here on, the store calls see a context that ignores cancellation.
	ctx = context.WithoutCancel(ctx)

	// Step 8: interpret payload.
	text, embed := interpretPayload(decrypted.Plaintext)

	// Step 9: resolve sender.
	sender := resolveSender(decrypted.SenderCredential, p.Sender)

	// Step 10: ensure conversation row exists.
	if err := m.messageStore.EnsureConversationOrPlaceholder(ctx, p.ConversationID); err != nil {
		return Result{}, err
	}

	// Step 11: persist, retrying exactly once on a foreign-key violation.
	row := engine.Plaintext{
		MessageID:      p.MessageID,
		ConversationID: p.ConversationID,
		Text:           text,
		Embed:          embed,
		Sender:         sender,
		Epoch:          decrypted.Epoch,
		Seq:            decrypted.Seq,
	}
	if err := m.messageStore.SavePlaintext(ctx, row); err != nil {
		var fkErr *engine.ErrForeignKeyViolation
		if !errors.As(err, &fkErr) {
			return Result{}, err
		}
		if err := m.messageStore.EnsureConversationOrPlaceholder(ctx, p.ConversationID); err != nil {
			return Result{}, err
		}
		if err := m.messageStore.SavePlaintext(ctx, row); err != nil {
			return Result{}, err
		}
	}

	// Step 12: increment state version; the exclusive scope is already
	// held, so the lock-free variant is used (see the doc comment on
	// version.Manager.IncrementAssumeLocked for why re-entering the same
	// lock would be unsafe here).
	newVersion, err := res.versionMgr.IncrementAssumeLocked(user)
	if err != nil {
		return Result{}, err
	}
	ctxEntry.loadedVersion = newVersion

	return Result{Plaintext: []byte(text), Embed: embed, Sender: sender}, nil
}

func resultFromPlaintext(p engine.Plaintext) Result {
	return Result{Plaintext: []byte(p.Text), Embed: p.Embed, Sender: p.Sender}
}

// BatchResult is the per-item outcome slot DecryptBatch fills in, indexed
// the same as the items slice passed to it.
type BatchResult struct {
	Result Result
	Err    error
}

// DecryptBatch acquires user's exclusive-access scope once, then runs the
// decrypt pipeline (from step 3 onward, under a single lock hold) for
// every item in order — substantially cheaper than per-message
// acquisition for a large batch of messages arriving for the same user at
// once (e.g. catching up after being offline).
func (m *Manager) DecryptBatch(ctx context.Context, user userid.ID, items []DecryptParams) ([]BatchResult, error) {
	user = userid.Normalize(user.String())
	out := make([]BatchResult, len(items))

	res, err := m.resources.get(user)
	if err != nil {
		return nil, err
	}

	var ran bool
	_, err = opcoord.WithExclusive(ctx, m.coord, res.lock, user, opcoord.PurposeDecryptBatch, m.batchTimeout, func(ctx context.Context) (struct{}, error) {
		ran = true
		for i, p := range items {
			r, err := m.decryptBody(ctx, res, p, false)
			out[i] = BatchResult{Result: r, Err: err}
		}
		return struct{}{}, nil
	})
	if err != nil && !ran {
		// The scope itself (permit/advisory lock) could not be acquired,
		// so none of the items were attempted.
		for i := range out {
			out[i].Err = err
		}
	}
	return out, nil
}
