// Package redis provides a feature-set cache shared between processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

var _ entitlement.Cache = (*Cache)(nil)

// DefaultPrefix is prepended to every key unless overridden.
const DefaultPrefix = "entitle:features:"

// Client is the subset of go-redis used by the cache.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Cache implements entitlement.Cache on Redis.
type Cache struct {
	client     Client
	prefix     string
	defaultTTL time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// WithDefaultTTL sets the expiry used when Set is called with a zero ttl.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = ttl }
}

// New wraps a go-redis client.
func New(client Client, opts ...Option) *Cache {
	c := &Cache{
		client:     client,
		prefix:     DefaultPrefix,
		defaultTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached feature set for subID.
func (c *Cache) Get(ctx context.Context, subID id.SubscriptionID) ([]plan.Feature, bool, error) {
	raw, err := c.client.Get(ctx, c.key(subID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("entitle/redis: get %s: %w", subID, err)
	}

	var features []plan.Feature
	if err := json.Unmarshal(raw, &features); err != nil {
		return nil, false, fmt.Errorf("entitle/redis: decode %s: %w", subID, err)
	}
	return features, true, nil
}

// Set stores features for subID.
func (c *Cache) Set(ctx context.Context, subID id.SubscriptionID, features []plan.Feature, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	raw, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("entitle/redis: encode %s: %w", subID, err)
	}
	if err := c.client.Set(ctx, c.key(subID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("entitle/redis: set %s: %w", subID, err)
	}
	return nil
}

// Invalidate drops the entry for subID.
func (c *Cache) Invalidate(ctx context.Context, subID id.SubscriptionID) error {
	if err := c.client.Del(ctx, c.key(subID)).Err(); err != nil {
		return fmt.Errorf("entitle/redis: invalidate %s: %w", subID, err)
	}
	return nil
}

func (c *Cache) key(subID id.SubscriptionID) string {
	return c.prefix + subID.String()
}
