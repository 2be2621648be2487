package labelcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ashford-core/ashford-core/internal/labelcache"
)

func newTestCache(t *testing.T) (*labelcache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return labelcache.New(client, time.Hour), mr
}

func TestCache_SetThenGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, "acct1", "Ashford/Snoozed")
	require.False(t, ok)

	c.Set(ctx, "acct1", "Ashford/Snoozed", "Label_123")
	id, ok := c.Get(ctx, "acct1", "Ashford/Snoozed")
	require.True(t, ok)
	require.Equal(t, "Label_123", id)
}

func TestCache_DeleteSelfHeals(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "acct1", "Ashford/Snoozed", "Label_stale")
	c.Delete(ctx, "acct1", "Ashford/Snoozed")

	_, ok := c.Get(ctx, "acct1", "Ashford/Snoozed")
	require.False(t, ok)
}

func TestCache_RedisDownDegradesToMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	c.Set(ctx, "acct1", "Ashford/Snoozed", "Label_123")
	mr.Close()

	_, ok := c.Get(ctx, "acct1", "Ashford/Snoozed")
	require.False(t, ok)
	// Must not panic even when the backing Redis is gone.
	c.Set(ctx, "acct1", "Other", "Label_456")
	c.Delete(ctx, "acct1", "Ashford/Snoozed")
}
