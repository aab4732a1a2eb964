// Package reportcache caches expensive derived report payloads keyed by
// provider org id, with a fixed TTL. Sessions stay authoritative; the cache
// only ever shortcuts recomputation.
package reportcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "report:"

// Cache is the TTL cache surface used by report builders.
type Cache interface {
	Get(ctx context.Context, orgID, name string, dest any) (bool, error)
	Set(ctx context.Context, orgID, name string, value any) error
	Invalidate(ctx context.Context, orgID string) error
}

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache constructs a Redis-backed report cache.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(orgID, name string) string {
	return keyPrefix + orgID + ":" + name
}

// Get loads and decodes a cached payload. The boolean reports a hit.
func (c *RedisCache) Get(ctx context.Context, orgID, name string, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(orgID, name)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load report cache: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode report cache: %w", err)
	}
	return true, nil
}

// Set stores the payload under the org-scoped key with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, orgID, name string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal report cache: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(orgID, name), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("persist report cache: %w", err)
	}
	return nil
}

// Invalidate drops every cached report for the org.
func (c *RedisCache) Invalidate(ctx context.Context, orgID string) error {
	iter := c.client.Scan(ctx, 0, cacheKey(orgID, "*"), 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("invalidate report cache: %w", err)
		}
	}
	return iter.Err()
}

// NoopCache is used when Redis is not configured (embedded development
// deployments). Every lookup misses.
type NoopCache struct{}

var _ Cache = NoopCache{}

func (NoopCache) Get(context.Context, string, string, any) (bool, error) { return false, nil }

func (NoopCache) Set(context.Context, string, string, any) error { return nil }

func (NoopCache) Invalidate(context.Context, string) error { return nil }
