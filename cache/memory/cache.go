// Package memory provides an in-process feature-set cache backed by an
// expirable LRU.
package memory

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

var _ entitlement.Cache = (*Cache)(nil)

type entry struct {
	features []plan.Feature
	expires  time.Time
}

// Cache implements entitlement.Cache in memory.
type Cache struct {
	lru    *lru.LRU[string, entry]
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

// Stats reports hit and miss counters.
type Stats struct {
	Hits      int64
	Misses    int64
	ItemCount int
}

// New creates a cache holding at most size entries, each living at most ttl.
func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 1024
	}
	return &Cache{
		lru: lru.NewLRU[string, entry](size, nil, ttl),
		now: time.Now,
	}
}

// Get returns the cached feature set for subID.
func (c *Cache) Get(_ context.Context, subID id.SubscriptionID) ([]plan.Feature, bool, error) {
	e, ok := c.lru.Get(subID.String())
	if !ok || (!e.expires.IsZero() && !c.now().Before(e.expires)) {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return plan.CloneFeatures(e.features), true, nil
}

// Set stores features for subID. A positive ttl shorter than the cache-wide
// TTL takes precedence.
func (c *Cache) Set(_ context.Context, subID id.SubscriptionID, features []plan.Feature, ttl time.Duration) error {
	e := entry{features: plan.CloneFeatures(features)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.lru.Add(subID.String(), e)
	return nil
}

// Invalidate drops the entry for subID.
func (c *Cache) Invalidate(_ context.Context, subID id.SubscriptionID) error {
	c.lru.Remove(subID.String())
	return nil
}

// Purge drops every entry.
func (c *Cache) Purge() { c.lru.Purge() }

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), ItemCount: c.lru.Len()}
}
