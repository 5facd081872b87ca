// Package lockfile implements the cross-process advisory lock described in
// spec.md §4.2: a per-user exclusive lock backed by a kernel-mediated
// advisory mechanism, so that process death releases the lock automatically
// instead of leaving the next acquirer blocked forever.
package lockfile

import (
	"context"
	"errors"
	"time"

	"github.com/joshlacal/mlscore/internal/backoffseq"
)

// ErrBusy is returned by TryAcquire and Acquire (on deadline expiry) when
// another process currently holds the lock.
var ErrBusy = errors.New("lockfile: busy")

// ErrUnsupportedPlatform is returned on platforms where this package has no
// kernel-mediated advisory lock implementation. Callers must not treat the
// absence of an error as a working lock on such platforms.
var ErrUnsupportedPlatform = errors.New("lockfile: unsupported platform")

// Lock is a single per-user advisory lock file. Instances are not safe for
// concurrent Acquire/TryAcquire from goroutines that intend to hold
// independent critical sections — callers are expected to pair this with a
// process-local serializer (see package opcoord) per spec.md §4.5, which
// guarantees only one goroutine per user ever calls into Lock at a time.
type Lock struct {
	path string
	impl platformLock
}

// Open prepares (but does not acquire) the advisory lock backed by the file
// at path. The file is created if it does not already exist.
func Open(path string) (*Lock, error) {
	impl, err := openPlatformLock(path)
	if err != nil {
		return nil, err
	}
	return &Lock{path: path, impl: impl}, nil
}

// Path returns the backing lock file's path.
func (l *Lock) Path() string { return l.path }

// TryAcquire attempts to take the lock without blocking, returning ErrBusy
// if another process holds it.
func (l *Lock) TryAcquire() error {
	return l.impl.tryLock()
}

// Acquire blocks until the lock is obtained or the deadline carried by ctx
// (or timeout, whichever is sooner) elapses. A timeout <= 0 means "no
// additional deadline beyond ctx".
//
// Acquire polls with exponential backoff starting at 10ms, doubling, capped
// at 250ms, with up to 20ms of jitter added to each wait — the same shape
// spec.md §4.5 specifies for the exclusive-access scope's advisory-lock
// phase.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	backoff := backoffseq.New(10*time.Millisecond, 250*time.Millisecond, 20*time.Millisecond)

	for {
		err := l.impl.tryLock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrBusy) {
			return err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrBusy
			}
			return ctx.Err()
		case <-time.After(backoff.Next()):
		}
	}
}

// Release releases a held lock. Releasing a lock not currently held by this
// process is a no-op.
func (l *Lock) Release() error {
	return l.impl.unlock()
}

// Close releases the lock (if held) and closes the underlying file handle.
func (l *Lock) Close() error {
	return l.impl.close()
}

// PerformExclusive acquires the lock, invokes f, and releases the lock on
// every exit path — including panics propagating out of f, which are
// re-panicked after the lock is released.
func PerformExclusive[T any](ctx context.Context, l *Lock, timeout time.Duration, f func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := l.Acquire(ctx, timeout); err != nil {
		return zero, err
	}
	defer func() { _ = l.Release() }()
	return f(ctx)
}
