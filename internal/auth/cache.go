package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultCacheTTL = 5 * time.Minute

var ErrCacheMiss = errors.New("auth cache miss")

// Cache holds resolved API keys by key hash.
type Cache interface {
	Get(ctx context.Context, keyHash string) (*APIKey, error)
	Set(ctx context.Context, keyHash string, apiKey *APIKey) error
	Delete(ctx context.Context, keyHash string) error
}

type RedisCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func cacheKey(keyHash string) string {
	return fmt.Sprintf("auth:%s", keyHash)
}

func (c *RedisCache) Get(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	err := c.rdb.Get(ctx, cacheKey(keyHash)).Scan(&k)
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read auth cache: %w", err)
	}
	return &k, nil
}

func (c *RedisCache) Set(ctx context.Context, keyHash string, apiKey *APIKey) error {
	if err := c.rdb.Set(ctx, cacheKey(keyHash), apiKey, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write auth cache: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keyHash string) error {
	if err := c.rdb.Del(ctx, cacheKey(keyHash)).Err(); err != nil {
		return fmt.Errorf("failed to evict auth cache: %w", err)
	}
	return nil
}

// RevokeKey deactivates a key and evicts it from cache, so it stops authenticating at once
// instead of after the cache TTL. cache may be nil.
func RevokeKey(ctx context.Context, store Store, cache Cache, keyID string) (*APIKey, error) {
	k, err := store.Revoke(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		if err := cache.Delete(ctx, k.KeyHash); err != nil {
			return k, err
		}
	}
	return k, nil
}
