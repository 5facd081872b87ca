package lockfile

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLock(t *testing.T) (*Lock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "user.lock")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestTryAcquireAndRelease(t *testing.T) {
	l, _ := openTestLock(t)
	require.NoError(t, l.TryAcquire())
	require.NoError(t, l.Release())
	require.NoError(t, l.TryAcquire())
	require.NoError(t, l.Release())
}

func TestSecondHandleBusyUntilReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.lock")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.TryAcquire())
	err = b.TryAcquire()
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, a.Release())
	require.NoError(t, b.TryAcquire())
	require.NoError(t, b.Release())
}

func TestAcquireBlocksThenSucceedsOnRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.lock")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.TryAcquire())

	done := make(chan error, 1)
	go func() {
		done <- b.Acquire(context.Background(), time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Release())

	select {
	case err := <-done:
		require.NoError(t, err)
		require.NoError(t, b.Release())
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not unblock after release")
	}
}

func TestAcquireTimesOutWhenBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.lock")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.TryAcquire())
	err = b.Acquire(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestAcquireRespectsContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.lock")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err = b.Acquire(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPerformExclusiveReleasesOnError(t *testing.T) {
	l, _ := openTestLock(t)

	wantErr := assert.AnError
	_, err := PerformExclusive(context.Background(), l, time.Second, func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	// lock must have been released despite the error
	require.NoError(t, l.TryAcquire())
	require.NoError(t, l.Release())
}

func TestPerformExclusiveMutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.lock")

	var counter int64
	var maxObserved int64
	var wg sync.WaitGroup

	run := func() {
		defer wg.Done()
		l, err := Open(path)
		require.NoError(t, err)
		defer l.Close()

		_, err = PerformExclusive(context.Background(), l, 2*time.Second, func(ctx context.Context) (struct{}, error) {
			n := atomic.AddInt64(&counter, 1)
			for {
				old := atomic.LoadInt64(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt64(&maxObserved, old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&counter, -1)
			return struct{}{}, nil
		})
		assert.NoError(t, err)
	}

	const n = 8
	wg.Add(n)
	for i := 0; i < n; i++ {
		go run()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxObserved)
}
