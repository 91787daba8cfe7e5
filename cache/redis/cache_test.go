package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

func newTestCache(t *testing.T, opts ...Option) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, opts...), mr
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	subID := id.NewSubscriptionID()

	_, ok, err := c.Get(ctx, subID)
	require.NoError(t, err)
	assert.False(t, ok)

	features := []plan.Feature{
		plan.NumericFeature("api_calls", "API Calls", 1000),
		plan.BooleanFeature("sso", "SSO", true),
	}
	require.NoError(t, c.Set(ctx, subID, features, 0))
	assert.True(t, mr.Exists(DefaultPrefix+subID.String()))
	assert.Equal(t, time.Hour, mr.TTL(DefaultPrefix+subID.String()))

	got, ok, err := c.Get(ctx, subID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1000), got[0].NumericLimit())
	assert.True(t, got[1].IsEnabled())

	require.NoError(t, c.Invalidate(ctx, subID))
	_, ok, err = c.Get(ctx, subID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, WithPrefix("test:"))
	subID := id.NewSubscriptionID()

	require.NoError(t, c.Set(ctx, subID, nil, time.Minute))
	assert.True(t, mr.Exists("test:"+subID.String()))

	mr.FastForward(2 * time.Minute)
	_, ok, err := c.Get(ctx, subID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheDecodeError(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	subID := id.NewSubscriptionID()

	require.NoError(t, mr.Set(DefaultPrefix+subID.String(), "not json"))
	_, _, err := c.Get(ctx, subID)
	assert.Error(t, err)
}
