package opcoord

import (
	"context"

	"github.com/joshlacal/mlscore/userid"
)

type heldUsersKey struct{}

// heldUsers returns the set of users the calling task already holds
// exclusive access to, as threaded through ctx by a prior WithExclusive
// call. spec.md §4.5 describes this as a "task-local held set"; goroutines
// have no such locality in Go, so the set travels explicitly on the
// context instead, which is equivalent and easier to reason about.
func heldUsers(ctx context.Context) map[userid.ID]struct{} {
	set, _ := ctx.Value(heldUsersKey{}).(map[userid.ID]struct{})
	return set
}

func isHeld(ctx context.Context, user userid.ID) bool {
	_, ok := heldUsers(ctx)[user]
	return ok
}

// withHeld returns a derived context recording that user is now held by
// the calling chain, in addition to whatever was already held.
func withHeld(ctx context.Context, user userid.ID) context.Context {
	existing := heldUsers(ctx)
	next := make(map[userid.ID]struct{}, len(existing)+1)
	for u := range existing {
		next[u] = struct{}{}
	}
	next[user] = struct{}{}
	return context.WithValue(ctx, heldUsersKey{}, next)
}
