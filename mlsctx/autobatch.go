package mlsctx

import (
	"context"
	"time"

	"github.com/joeycumines/go-utilpkg/microbatch"
	"github.com/joshlacal/mlscore/opcoord"
	"github.com/joshlacal/mlscore/userid"
)

// autobatchFlushInterval bounds how long SubmitDecrypt waits to see if more
// submissions will arrive before processing whatever has accumulated, per
// spec.md §4.4's "small window" debounce flavor applied to decrypt
// submission instead of doorbell receipt.
const autobatchFlushInterval = 50 * time.Millisecond

const autobatchMaxSize = 16

const autobatchMaxConcurrency = 4

// autobatchJob is one submission to the auto-batcher. Result/err are set by
// the batch processor and read back by SubmitDecrypt/SubmitForNotification
// once the JobResult it was submitted with resolves.
type autobatchJob struct {
	params    DecryptParams
	ephemeral bool
	result    Result
	err       error
}

func newAutobatcher(m *Manager) *microbatch.Batcher[*autobatchJob] {
	return microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        autobatchMaxSize,
		FlushInterval:  autobatchFlushInterval,
		MaxConcurrency: autobatchMaxConcurrency,
	}, m.processAutobatch)
}

// processAutobatch is the microbatch.BatchProcessor for m's auto-batcher: it
// groups whatever jobs arrived within one flush window by user, then runs
// each user's group under a single exclusive-access scope hold, exactly as
// DecryptBatch does for an explicit slice of items. Concurrent submissions
// for the same user arriving within the same window collapse into one
// permit/advisory-lock acquisition instead of one each.
func (m *Manager) processAutobatch(ctx context.Context, jobs []*autobatchJob) error {
	groups := make(map[userid.ID][]*autobatchJob, len(jobs))
	for _, j := range jobs {
		user := userid.Normalize(j.params.User.String())
		groups[user] = append(groups[user], j)
	}

	for user, group := range groups {
		res, err := m.resources.get(user)
		if err != nil {
			for _, j := range group {
				j.err = err
			}
			continue
		}

		var ran bool
		_, err = opcoord.WithExclusive(ctx, m.coord, res.lock, user, opcoord.PurposeDecryptBatch, m.batchTimeout, func(ctx context.Context) (struct{}, error) {
			ran = true
			for _, j := range group {
				j.result, j.err = m.decryptBody(ctx, res, j.params, j.ephemeral)
			}
			return struct{}{}, nil
		})
		if err != nil && !ran {
			for _, j := range group {
				j.err = err
			}
		}
	}

	// Per-job outcomes are carried on the jobs themselves; the processor's
	// own return is only consulted by microbatch for its internal panic
	// bookkeeping, never surfaced to SubmitDecrypt callers.
	return nil
}

// SubmitDecrypt is DecryptAndStore submitted through the auto-batcher:
// functionally identical, but submissions for the same user arriving
// within the same short window are coalesced into one exclusive-access
// scope hold. Prefer this over DecryptAndStore when callers expect bursts
// (e.g. catching up after a reconnect) and can tolerate up to
// autobatchFlushInterval of added latency.
func (m *Manager) SubmitDecrypt(ctx context.Context, p DecryptParams) (Result, error) {
	return m.submit(ctx, p, false)
}

// SubmitForNotification is DecryptForNotification submitted through the
// auto-batcher.
func (m *Manager) SubmitForNotification(ctx context.Context, p DecryptParams) (Result, error) {
	return m.submit(ctx, p, true)
}

func (m *Manager) submit(ctx context.Context, p DecryptParams, ephemeral bool) (Result, error) {
	job := &autobatchJob{params: p, ephemeral: ephemeral}
	jr, err := m.batcher.Submit(ctx, job)
	if err != nil {
		return Result{}, err
	}
	if err := jr.Wait(ctx); err != nil {
		return Result{}, err
	}
	return job.result, job.err
}
