package profile

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedStore wraps a Store with a TTL read cache. The detection pipeline
// reads the same profile many times per burst of submissions; the cache
// keeps those reads off the database. Writes go through to the inner store
// and refresh the cached entry, so a trainer refresh is visible immediately
// on the node that performed it and within one TTL elsewhere.
type CachedStore struct {
	inner Store
	cache *gocache.Cache
}

// NewCachedStore wraps inner with a TTL cache.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedStore) Get(ctx context.Context, submitterID string) (*HistoricalProfile, error) {
	if v, ok := c.cache.Get(submitterID); ok {
		return copyProfile(v.(*HistoricalProfile)), nil
	}

	p, err := c.inner.Get(ctx, submitterID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(submitterID, copyProfile(p))
	return p, nil
}

func (c *CachedStore) Upsert(ctx context.Context, p *HistoricalProfile) error {
	if err := c.inner.Upsert(ctx, p); err != nil {
		return err
	}
	c.cache.SetDefault(p.SubmitterID, copyProfile(p))
	return nil
}

// Invalidate drops a submitter's cached profile.
func (c *CachedStore) Invalidate(submitterID string) {
	c.cache.Delete(submitterID)
}
