package mlsctx

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joshlacal/mlscore/engine"
	"github.com/joshlacal/mlscore/userid"
)

// cachedContext pairs an open engine.ContextHandle with the disk version
// it was loaded at, per spec.md §4.6.
type cachedContext struct {
	user          userid.ID
	handle        engine.ContextHandle
	loadedVersion int64
}

// contextCache wraps hashicorp/golang-lru/v2 with an eviction callback that
// flushes and closes the evicted context, directly grounded in
// DeltaRule-DeltaDatabase's pkg/cache LRU wrapper, repurposed here from
// byte-blob caching to MLS context handle caching with version-stamped
// validity instead of TTL expiry. The cache capacity is a generous safety
// net, not the primary eviction mechanism — cross-account eviction
// (ensure_context) and staleness eviction (get_context) both remove
// entries explicitly before the LRU's own capacity limit would ever bite
// in normal operation.
type contextCache struct {
	inner *lru.Cache[userid.ID, *cachedContext]

	onEvictErr func(user userid.ID, err error)
}

func newContextCache(size int, onEvictErr func(user userid.ID, err error)) (*contextCache, error) {
	c := &contextCache{onEvictErr: onEvictErr}
	inner, err := lru.NewWithEvict[userid.ID, *cachedContext](size, c.handleEvict)
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

func (c *contextCache) handleEvict(user userid.ID, entry *cachedContext) {
	if entry == nil || entry.handle == nil {
		return
	}
	if err := entry.handle.Flush(); err != nil {
		c.reportEvictErr(user, err)
	}
	if err := entry.handle.Close(); err != nil {
		c.reportEvictErr(user, err)
	}
}

func (c *contextCache) reportEvictErr(user userid.ID, err error) {
	if c.onEvictErr != nil {
		c.onEvictErr(user, err)
	}
}

func (c *contextCache) get(user userid.ID) (*cachedContext, bool) {
	return c.inner.Get(user)
}

func (c *contextCache) put(entry *cachedContext) {
	c.inner.Add(entry.user, entry)
}

// remove evicts user's entry (flushing and closing it via handleEvict) and
// reports whether an entry was present.
func (c *contextCache) remove(user userid.ID) bool {
	return c.inner.Remove(user)
}

// removeExcept evicts every cached entry whose user does not equal keep,
// per spec.md §4.6's ensure_context cross-account purge.
func (c *contextCache) removeExcept(keep userid.ID) {
	for _, user := range c.inner.Keys() {
		if !user.Equal(keep) {
			c.inner.Remove(user)
		}
	}
}

func (c *contextCache) removeAll() {
	c.inner.Purge()
}

func (c *contextCache) has(user userid.ID) bool {
	return c.inner.Contains(user)
}
