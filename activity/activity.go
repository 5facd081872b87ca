// Package activity implements the account-activity flag of spec.md §4.7: a
// shared, best-effort record of which user (if any) the foreground app
// process is currently active for, consulted by the notification worker
// process to opportunistically back off from decrypting a user's messages
// while the foreground app is already handling that user live.
//
// The flag is advisory only. Nothing in this module or in the rest of the
// coordination core ever gates correctness on it; a worker that ignores it
// entirely, or that reads a stale value, still converges to the same state
// via the ordinary advisory-lock and version-check paths. It exists purely
// to reduce redundant work and storage-lock contention between the two
// processes.
package activity

import (
	"strconv"
	"time"

	"github.com/joshlacal/mlscore/kvkeys"
	"github.com/joshlacal/mlscore/kvstore"
	"github.com/joshlacal/mlscore/userid"
)

// StaleHorizon is the age past which a record is no longer trusted, per
// spec.md §4.7. A foreground process that crashes without clearing the
// flag stops blocking the worker after this long.
const StaleHorizon = 300 * time.Second

// Flag is a thin wrapper over the shared store's three mls_main_app_*
// keys. All methods are safe for concurrent use by way of the underlying
// kvstore.Store.
type Flag struct {
	store kvstore.Store
	now   func() time.Time
}

// New constructs a Flag backed by store.
func New(store kvstore.Store) *Flag {
	return &Flag{store: store, now: time.Now}
}

// MarkActive records that the foreground process is now active for user.
// Called on app foreground / account switch.
func (f *Flag) MarkActive(user userid.ID) error {
	user = userid.Normalize(user.String())
	if err := f.store.Set(kvkeys.MainAppIsActive, "true"); err != nil {
		return err
	}
	if err := f.store.Set(kvkeys.MainAppActiveUserDID, user.String()); err != nil {
		return err
	}
	return f.store.Set(kvkeys.MainAppActivityUpdatedAt, formatEpoch(f.now()))
}

// MarkInactive records that the foreground process is no longer active for
// any user. Called on app background / termination.
func (f *Flag) MarkInactive() error {
	if err := f.store.Set(kvkeys.MainAppIsActive, "false"); err != nil {
		return err
	}
	return f.store.Set(kvkeys.MainAppActivityUpdatedAt, formatEpoch(f.now()))
}

// ShouldWorkerDefer reports whether the worker process should decline to
// decrypt on behalf of user right now: the record must be fresh (within
// StaleHorizon), marked active, and naming this exact user.
func (f *Flag) ShouldWorkerDefer(user userid.ID) bool {
	active, ok, err := f.store.Get(kvkeys.MainAppIsActive)
	if err != nil || !ok || active != "true" {
		return false
	}

	activeUser, ok, err := f.store.Get(kvkeys.MainAppActiveUserDID)
	if err != nil || !ok || !userid.Normalize(activeUser).Equal(user) {
		return false
	}

	updatedAt, ok, err := f.store.Get(kvkeys.MainAppActivityUpdatedAt)
	if err != nil || !ok {
		return false
	}
	epoch, err := strconv.ParseFloat(updatedAt, 64)
	if err != nil {
		return false
	}
	age := f.now().Sub(time.Unix(0, int64(epoch*float64(time.Second))))
	return age <= StaleHorizon
}

func formatEpoch(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/float64(time.Second), 'f', -1, 64)
}
