package opcoord

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/joshlacal/mlscore/userid"
)

// Coordinator is the process-local actor owning one permit per user. A
// single goroutine (run) owns all mutable state; every other method
// communicates with it over channels, the same single-owner-goroutine
// shape as microbatch.Batcher's internal run loop.
type Coordinator struct {
	logger zerolog.Logger
	nextID atomic.Uint64

	acquireCh chan acquireRequest
	releaseCh chan releaseRequest
	cancelCh  chan cancelRequest

	closeCh chan struct{}
	closed  chan struct{}
}

type waiter struct {
	instance InstanceID
	grantCh  chan struct{}
}

type acquireRequest struct {
	user     userid.ID
	instance InstanceID
	waitCh   chan struct{}
	respCh   chan bool // true: granted immediately, false: queued
}

type releaseRequest struct {
	user     userid.ID
	instance InstanceID
	respCh   chan error
}

type cancelRequest struct {
	user     userid.ID
	instance InstanceID
	respCh   chan bool // true: removed while still queued, false: already granted
}

// New constructs a Coordinator and starts its owning goroutine. logger may
// be the zero value (zerolog.Logger{}), which discards everything.
func New(logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		logger:    logger,
		acquireCh: make(chan acquireRequest),
		releaseCh: make(chan releaseRequest),
		cancelCh:  make(chan cancelRequest),
		closeCh:   make(chan struct{}),
		closed:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Close stops the coordinator's owning goroutine. Any waiters still queued
// are abandoned; callers blocked in Acquire observe ErrClosed.
func (c *Coordinator) Close() {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
	<-c.closed
}

// Acquire obtains user's permit, enqueueing behind any existing waiters if
// it is already held. It blocks until granted, ctx is done, or the
// coordinator is closed.
//
// If ctx's deadline expires while waiting, whichever caller set it, the
// error is ErrPermitTimeout; any other cancellation surfaces as
// ErrCancelled. Callers that want the untimed, non-throwing
// variant should pass a context.Background() (or a context with no
// deadline) and treat cancellation as not applicable.
func (c *Coordinator) Acquire(ctx context.Context, user userid.ID) (InstanceID, error) {
	instance := InstanceID(c.nextID.Add(1))
	waitCh := make(chan struct{})
	respCh := make(chan bool, 1)

	select {
	case c.acquireCh <- acquireRequest{user: user, instance: instance, waitCh: waitCh, respCh: respCh}:
	case <-ctx.Done():
		return 0, classifyCtxErr(ctx)
	case <-c.closed:
		return 0, ErrClosed
	}

	select {
	case granted := <-respCh:
		if granted {
			return instance, nil
		}
	case <-c.closed:
		return 0, ErrClosed
	}

	// Queued: wait for a grant, cancellation, or shutdown.
	select {
	case <-waitCh:
		return instance, nil
	case <-c.closed:
		return 0, ErrClosed
	case <-ctx.Done():
		if c.removeWaiter(user, instance) {
			return 0, classifyCtxErr(ctx)
		}
		// Lost the race: the actor granted the permit to this waiter
		// just as the context finished; honor the grant rather than
		// leaking it unreleased.
		return instance, nil
	}
}

// Release hands user's permit to the next queued waiter (if any), or drops
// it. Only the instance that currently owns the permit may release it.
func (c *Coordinator) Release(user userid.ID, instance InstanceID) error {
	respCh := make(chan error, 1)
	select {
	case c.releaseCh <- releaseRequest{user: user, instance: instance, respCh: respCh}:
	case <-c.closed:
		return ErrClosed
	}
	return <-respCh
}

func (c *Coordinator) removeWaiter(user userid.ID, instance InstanceID) bool {
	respCh := make(chan bool, 1)
	select {
	case c.cancelCh <- cancelRequest{user: user, instance: instance, respCh: respCh}:
	case <-c.closed:
		return true
	}
	return <-respCh
}

func classifyCtxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrPermitTimeout
	}
	return ErrCancelled
}

func (c *Coordinator) run() {
	defer close(c.closed)

	owners := make(map[userid.ID]InstanceID)
	waiters := make(map[userid.ID][]waiter)

	for {
		select {
		case <-c.closeCh:
			return

		case req := <-c.acquireCh:
			if _, busy := owners[req.user]; !busy {
				owners[req.user] = req.instance
				req.respCh <- true
				continue
			}
			waiters[req.user] = append(waiters[req.user], waiter{instance: req.instance, grantCh: req.waitCh})
			req.respCh <- false

		case req := <-c.releaseCh:
			owner, held := owners[req.user]
			if !held || owner != req.instance {
				req.respCh <- ErrNotOwner
				continue
			}
			queue := waiters[req.user]
			if len(queue) > 0 {
				next := queue[0]
				remaining := queue[1:]
				if len(remaining) == 0 {
					delete(waiters, req.user)
				} else {
					waiters[req.user] = remaining
				}
				owners[req.user] = next.instance
				close(next.grantCh)
			} else {
				delete(owners, req.user)
			}
			req.respCh <- nil

		case req := <-c.cancelCh:
			queue := waiters[req.user]
			removed := false
			for i, w := range queue {
				if w.instance != req.instance {
					continue
				}
				next := append(queue[:i:i], queue[i+1:]...)
				if len(next) == 0 {
					delete(waiters, req.user)
				} else {
					waiters[req.user] = next
				}
				removed = true
				break
			}
			req.respCh <- removed
		}
	}
}

// AcquireTimed is a convenience wrapper applying timeout (if positive) on
// top of ctx before delegating to Acquire.
func (c *Coordinator) AcquireTimed(ctx context.Context, user userid.ID, timeout time.Duration) (InstanceID, error) {
	if timeout <= 0 {
		return c.Acquire(ctx, user)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Acquire(ctx, user)
}
