package mlsctx

import (
	"context"
	"errors"
	"io"

	"github.com/joeycumines/go-utilpkg/longpoll"

	"github.com/joshlacal/mlscore/userid"
)

// DecryptBatchFromChannel drains up to cfg's limits worth of DecryptParams
// from reqCh (waiting up to cfg.PartialTimeout for the batch to fill, per
// package longpoll's "receive as many values as possible" shape) and runs
// them through DecryptBatch under a single exclusive-access scope hold.
//
// This is the worker process's entry point when decrypt requests arrive
// as a stream rather than a pre-built slice — e.g. queued up while the
// worker was busy with a prior user, or arriving in a burst from several
// near-simultaneous push deliveries. cfg may be nil to use longpoll's
// defaults (up to 16 items, waiting up to 50ms past the first arrival for
// more to show up). A closed reqCh is not an error: whatever was received
// before closure is still processed, and the returned error is nil.
func (m *Manager) DecryptBatchFromChannel(ctx context.Context, user userid.ID, reqCh <-chan DecryptParams, cfg *longpoll.ChannelConfig) ([]BatchResult, error) {
	var items []DecryptParams
	err := longpoll.Channel(ctx, cfg, reqCh, func(p DecryptParams) error {
		items = append(items, p)
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return m.DecryptBatch(ctx, user, items)
}
