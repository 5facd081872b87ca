package opcoord

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshlacal/mlscore/lockfile"
	"github.com/joshlacal/mlscore/userid"
)

func newTestLock(t *testing.T) *lockfile.Lock {
	t.Helper()
	lock, err := lockfile.Open(filepath.Join(t.TempDir(), "user.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lock.Close() })
	return lock
}

func TestWithExclusiveRunsBody(t *testing.T) {
	coord := New(discardLogger())
	defer coord.Close()
	lock := newTestLock(t)

	got, err := WithExclusive(context.Background(), coord, lock, userid.ID("u1"), PurposeDecrypt, time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestWithExclusiveReentryBypassesRelock(t *testing.T) {
	coord := New(discardLogger())
	defer coord.Close()
	lock := newTestLock(t)
	user := userid.ID("u1")

	result, err := WithExclusive(context.Background(), coord, lock, user, PurposeDecrypt, time.Second, func(ctx context.Context) (string, error) {
		// A nested call for the same user, with a deadline far too short
		// to acquire a fresh permit or lock, must still succeed, because
		// it bypasses both via the held-set on ctx.
		return WithExclusive(ctx, coord, lock, user, PurposeDecrypt, time.Nanosecond, func(ctx context.Context) (string, error) {
			return "nested", nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "nested", result)
}

// TestWithExclusiveIsMutuallyExclusive is property P4: concurrent
// with_exclusive calls for the same user never overlap their bodies.
func TestWithExclusiveIsMutuallyExclusive(t *testing.T) {
	coord := New(discardLogger())
	defer coord.Close()
	lock := newTestLock(t)
	user := userid.ID("u1")

	const workers = 8
	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := WithExclusive(context.Background(), coord, lock, user, PurposeMaintenance, 2*time.Second, func(ctx context.Context) (struct{}, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestWithExclusiveDifferentUsersDoNotContend(t *testing.T) {
	coord := New(discardLogger())
	defer coord.Close()
	lock1 := newTestLock(t)
	lock2 := newTestLock(t)

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = WithExclusive(context.Background(), coord, lock1, userid.ID("u1"), PurposeDecrypt, time.Second, func(ctx context.Context) (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		})
	}()

	<-started
	done := make(chan struct{})
	go func() {
		_, _ = WithExclusive(context.Background(), coord, lock2, userid.ID("u2"), PurposeDecrypt, time.Second, func(ctx context.Context) (struct{}, error) {
			close(done)
			return struct{}{}, nil
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a different user's scope should not have been blocked")
	}
	close(release)
}

func TestWithExclusivePropagatesBodyError(t *testing.T) {
	coord := New(discardLogger())
	defer coord.Close()
	lock := newTestLock(t)

	sentinel := assert.AnError
	_, err := WithExclusive(context.Background(), coord, lock, userid.ID("u1"), PurposeOther, time.Second, func(ctx context.Context) (int, error) {
		return 0, sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestWithExclusiveReleasesOnError(t *testing.T) {
	coord := New(discardLogger())
	defer coord.Close()
	lock := newTestLock(t)
	user := userid.ID("u1")

	_, _ = WithExclusive(context.Background(), coord, lock, user, PurposeOther, time.Second, func(ctx context.Context) (int, error) {
		return 0, assert.AnError
	})

	// Both the permit and the advisory lock must be free again.
	instance, err := coord.Acquire(context.Background(), user)
	require.NoError(t, err)
	require.NoError(t, coord.Release(user, instance))
	assert.True(t, ProbeStorageGate(lock))
}

func TestProbeStorageGateReflectsHeldLock(t *testing.T) {
	lock := newTestLock(t)
	assert.True(t, ProbeStorageGate(lock))

	require.NoError(t, lock.TryAcquire())
	assert.False(t, ProbeStorageGate(lock))
	require.NoError(t, lock.Release())

	assert.True(t, ProbeStorageGate(lock))
}
