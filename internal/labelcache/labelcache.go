// Package labelcache is the Label Cache (C12): a Redis read-through cache
// in front of the relational Label table, consulted by the snooze flow
// (spec.md §4.5.1) to avoid a provider round trip on the common path.
// Grounded on the teacher's internal/adapter/ai.RateLimitCache
// (getOrCreateEntry, structured slog around hit/miss/expiry) but backed by
// Redis instead of an in-process map, since the cache must be shared
// across worker processes.
package labelcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a read-through cache mapping (account_id, label name) to the
// provider's label id. Redis errors are never fatal: every method
// degrades to a cache miss / no-op and logs a warning, so a down Redis
// never blocks the snooze flow (SPEC_FULL.md §4.12).
type Cache struct {
	Redis *redis.Client
	TTL   time.Duration
}

// New constructs a Cache with the given Redis client and TTL.
func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{Redis: client, TTL: ttl}
}

func key(accountID, labelName string) string {
	return fmt.Sprintf("labelcache:%s:%s", accountID, labelName)
}

// Get returns the cached provider label id, or ok=false on a miss or any
// Redis failure.
func (c *Cache) Get(ctx context.Context, accountID, labelName string) (providerLabelID string, ok bool) {
	if c.Redis == nil {
		return "", false
	}
	val, err := c.Redis.Get(ctx, key(accountID, labelName)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("label cache get failed; treating as miss",
				slog.String("account_id", accountID), slog.String("label", labelName), slog.Any("error", err))
		}
		return "", false
	}
	return val, true
}

// Set caches a provider label id with the configured TTL. Failures are
// logged and swallowed: a cache write failure must never fail the
// snooze/label flow that triggered it.
func (c *Cache) Set(ctx context.Context, accountID, labelName, providerLabelID string) {
	if c.Redis == nil {
		return
	}
	if err := c.Redis.Set(ctx, key(accountID, labelName), providerLabelID, c.TTL).Err(); err != nil {
		slog.Warn("label cache set failed",
			slog.String("account_id", accountID), slog.String("label", labelName), slog.Any("error", err))
	}
}

// Delete evicts a cache row, used to self-heal a stale provider id
// (spec.md §4.5.1 step 3: "If the cached provider-id is stale, delete the
// cache row and refresh").
func (c *Cache) Delete(ctx context.Context, accountID, labelName string) {
	if c.Redis == nil {
		return
	}
	if err := c.Redis.Del(ctx, key(accountID, labelName)).Err(); err != nil {
		slog.Warn("label cache delete failed",
			slog.String("account_id", accountID), slog.String("label", labelName), slog.Any("error", err))
	}
}
