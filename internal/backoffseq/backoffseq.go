// Package backoffseq generates capped, jittered exponential backoff
// durations. It is shared by every component in this module that polls
// with a "start small, double, cap, jitter" shape: the advisory lock's
// acquire loop (package lockfile) and the handshake store's wait_for_ack
// poll (package handshake) both need independent sequences with different
// bounds, so the shape is factored out once instead of duplicated.
//
// The shape itself is adapted from the teacher's catrate package, which
// uses the same start/double/cap idiom for its category-cleanup ticker
// interval (see catrate.Limiter.worker), generalized here from a single
// fixed ticker period into a reusable per-call sequence.
package backoffseq

import (
	"math/rand"
	"time"
)

// Sequence produces a capped, jittered exponential backoff sequence.
// Not safe for concurrent use; each caller should own its own Sequence.
type Sequence struct {
	cur    time.Duration
	max    time.Duration
	jitter time.Duration
}

// New returns a Sequence starting at start, doubling on each call to Next,
// capped at max, with up to jitter of additional random delay added to
// every value returned.
func New(start, max, jitter time.Duration) *Sequence {
	return &Sequence{cur: start, max: max, jitter: jitter}
}

// Next returns the next duration in the sequence and advances it.
func (s *Sequence) Next() time.Duration {
	d := s.cur
	if s.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.jitter)))
	}
	s.cur *= 2
	if s.cur > s.max {
		s.cur = s.max
	}
	return d
}
