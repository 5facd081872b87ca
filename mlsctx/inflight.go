package mlsctx

import (
	"context"
	"sync"
)

// pendingDecrypt represents a decrypt_and_store call in progress for a
// given message id, so that concurrent callers within this process await
// the same outcome rather than racing the engine (spec.md §4.6 step 3,
// property P5).
type pendingDecrypt struct {
	done   chan struct{}
	result Result
	err    error
}

func (p *pendingDecrypt) wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type inflightTable struct {
	mu      sync.Mutex
	entries map[string]*pendingDecrypt
}

func newInflightTable() *inflightTable {
	return &inflightTable{entries: make(map[string]*pendingDecrypt)}
}

// begin registers messageID as in-flight if it is not already, returning
// the (possibly pre-existing) entry and whether the caller is the leader
// responsible for actually running the decrypt and calling finish.
func (t *inflightTable) begin(messageID string) (entry *pendingDecrypt, leader bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[messageID]; ok {
		return existing, false
	}
	entry = &pendingDecrypt{done: make(chan struct{})}
	t.entries[messageID] = entry
	return entry, true
}

// finish records the outcome and wakes every waiter, then removes the
// entry so a later, independent call for the same message id starts
// fresh (spec.md: "on exit, remove the in-flight entry").
func (t *inflightTable) finish(messageID string, entry *pendingDecrypt, result Result, err error) {
	entry.result = result
	entry.err = err
	close(entry.done)

	t.mu.Lock()
	if t.entries[messageID] == entry {
		delete(t.entries, messageID)
	}
	t.mu.Unlock()
}
