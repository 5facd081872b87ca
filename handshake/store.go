package handshake

import (
	"context"
	"strconv"
	"time"

	"github.com/joshlacal/mlscore/internal/backoffseq"
	"github.com/joshlacal/mlscore/kvkeys"
	"github.com/joshlacal/mlscore/kvstore"
	"github.com/joshlacal/mlscore/lockfile"
	"github.com/joshlacal/mlscore/userid"
)

// Store implements the handshake request/acknowledgment protocol over the
// shared key-value store, per spec.md §4.4.
type Store struct {
	kv   kvstore.Store
	lock *lockfile.Lock

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// NewStore constructs a Store. lock is the advisory lock that serializes
// will-close issuance across processes (Core opens a dedicated
// handshake.lock file for it); issuing a token runs under it so the
// counter increment is atomic with the request write.
func NewStore(kv kvstore.Store, lock *lockfile.Lock) *Store {
	return &Store{kv: kv, lock: lock, now: time.Now}
}

// IssueWillClose allocates a fresh token for user and persists a Request
// carrying it, per spec.md's issue_will_close. If the advisory lock cannot
// be taken within timeout, it falls back to a best-effort, non-atomic
// counter advance (preserving monotonicity of the counter, at the cost of
// cross-process atomicity) — see spec.md §9 Open Question (a).
func (s *Store) IssueWillClose(ctx context.Context, user userid.ID, timeout time.Duration) (Request, error) {
	counterKey := kvkeys.HandshakeCounterKey(user)

	issue := func() (Request, error) {
		var token uint64
		err := s.kv.Update(counterKey, func(current string, present bool) (string, bool) {
			v := uint64(0)
			if present {
				v, _ = strconv.ParseUint(current, 10, 64)
			}
			v++
			token = v
			return strconv.FormatUint(v, 10), true
		})
		if err != nil {
			return Request{}, err
		}
		req := Request{User: user, Token: token, CreatedAt: s.now()}
		encoded, err := encodeRequest(req)
		if err != nil {
			return Request{}, err
		}
		if err := s.kv.Set(kvkeys.HandshakeRequestKey(user), encoded); err != nil {
			return Request{}, err
		}
		return req, nil
	}

	req, lockErr := lockfile.PerformExclusive(ctx, s.lock, timeout, func(ctx context.Context) (Request, error) {
		return issue()
	})
	if lockErr != nil {
		// best-effort fallback: still atomic at the store layer (Update is a
		// single transaction), just not coordinated with whoever else is
		// inside the advisory lock right now.
		return issue()
	}
	return req, nil
}

// Acknowledge records that the foreground process has acknowledged token
// for user. Monotonic: the stored ack is max(existing, token).
func (s *Store) Acknowledge(user userid.ID, token uint64) error {
	key := kvkeys.HandshakeAckKey(user)
	return s.kv.Update(key, func(current string, present bool) (string, bool) {
		existing := uint64(0)
		if present {
			if ack, err := decodeAck(current); err == nil {
				existing = ack.Token
			}
		}
		next := existing
		if token > next {
			next = token
		}
		encoded, err := encodeAck(Ack{User: user, Token: next, AcknowledgedAt: s.now()})
		if err != nil {
			return current, false
		}
		return encoded, true
	})
}

// CurrentRequest returns user's pending request, if any.
func (s *Store) CurrentRequest(user userid.ID) (Request, bool, error) {
	raw, present, err := s.kv.Get(kvkeys.HandshakeRequestKey(user))
	if err != nil || !present {
		return Request{}, false, err
	}
	req, err := decodeRequest(raw)
	if err != nil {
		return Request{}, false, err
	}
	return req, true, nil
}

// CurrentAck returns user's latest acknowledgment, if any.
func (s *Store) CurrentAck(user userid.ID) (Ack, bool, error) {
	raw, present, err := s.kv.Get(kvkeys.HandshakeAckKey(user))
	if err != nil || !present {
		return Ack{}, false, err
	}
	ack, err := decodeAck(raw)
	if err != nil {
		return Ack{}, false, err
	}
	return ack, true, nil
}

// IsAcknowledged reports whether user's current ack token covers token.
func (s *Store) IsAcknowledged(user userid.ID, token uint64) (bool, error) {
	ack, present, err := s.CurrentAck(user)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	return ack.Token >= token, nil
}

// AllRequests scans every pending request across all users.
func (s *Store) AllRequests() ([]Request, error) {
	raw, err := s.kv.Enumerate(kvkeys.PrefixHandshakeRequest)
	if err != nil {
		return nil, err
	}
	out := make([]Request, 0, len(raw))
	for _, v := range raw {
		req, err := decodeRequest(v)
		if err != nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// WaitForAck polls CurrentAck for user with exponential backoff (starting
// at 20ms, doubling, capped at 200ms, with up to 30ms of jitter) until
// token is acknowledged, timeout elapses, or ctx is canceled. It returns
// true only on acknowledgment.
func (s *Store) WaitForAck(ctx context.Context, user userid.ID, token uint64, timeout time.Duration) bool {
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if ok, err := s.IsAcknowledged(user, token); err == nil && ok {
		return true
	}

	backoff := backoffseq.New(20*time.Millisecond, 200*time.Millisecond, 30*time.Millisecond)
	for {
		select {
		case <-deadlineCtx.Done():
			return false
		case <-time.After(backoff.Next()):
		}

		ok, err := s.IsAcknowledged(user, token)
		if err == nil && ok {
			return true
		}
	}
}
