package opcoord

import (
	"context"
	"errors"
	"time"

	"github.com/joshlacal/mlscore/lockfile"
	"github.com/joshlacal/mlscore/userid"
)

// WithExclusive runs f with exclusive access to user, per spec.md §4.5:
//
//  1. If the calling chain already holds user (recorded on ctx by an
//     enclosing WithExclusive call), run f directly — no re-lock.
//  2. Otherwise acquire the process-local permit from coord, bounded by
//     timeout.
//  3. Then acquire the cross-process advisory lock, bounded by whatever
//     remains of the deadline.
//  4. Invoke f with a context recording user as held.
//  5. On every exit path, release the advisory lock, then the permit, in
//     that order — the reverse of acquisition.
//
// purpose is diagnostic only and never affects control flow. Lock order
// (permit before advisory lock) is the only order this package supports;
// every caller that needs exclusivity is expected to go through this
// function rather than acquiring coord or lock directly.
func WithExclusive[T any](ctx context.Context, coord *Coordinator, lock *lockfile.Lock, user userid.ID, purpose Purpose, timeout time.Duration, f func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if isHeld(ctx, user) {
		return f(ctx)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	coord.logger.Debug().Str("user", user.Hash()).Str("purpose", string(purpose)).Msg("opcoord: acquiring permit")

	instance, err := coord.AcquireTimed(ctx, user, timeout)
	if err != nil {
		coord.logger.Debug().Str("user", user.Hash()).Str("purpose", string(purpose)).Err(err).Msg("opcoord: permit acquire failed")
		return zero, err
	}
	defer func() { _ = coord.Release(user, instance) }()

	remaining := timeout
	if timeout > 0 {
		remaining = time.Until(deadline)
		if remaining <= 0 {
			// Acquire treats a zero timeout as "no deadline"; keep the
			// spent deadline bounded to a single non-blocking attempt.
			remaining = time.Nanosecond
		}
	}

	if err := lock.Acquire(ctx, remaining); err != nil {
		if errors.Is(err, lockfile.ErrBusy) {
			return zero, ErrAdvisoryLockTimeout
		}
		return zero, err
	}
	defer func() { _ = lock.Release() }()

	return f(withHeld(ctx, user))
}

// ProbeStorageGate attempts the cross-process advisory lock non-blocking
// and immediately releases it, per spec.md §4.5. It is used by the worker
// process to decide whether to attempt any work at all when the
// foreground process may currently hold state.
func ProbeStorageGate(lock *lockfile.Lock) bool {
	if err := lock.TryAcquire(); err != nil {
		return false
	}
	_ = lock.Release()
	return true
}
