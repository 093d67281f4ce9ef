package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

var (
	// ErrCacheMiss indicates the key was not found
	ErrCacheMiss = errors.New("cache miss")
	// ErrCacheInvalid indicates the cached value could not be decoded
	ErrCacheInvalid = errors.New("cache value invalid")
)

// RedisCache is the fast exact-match tier in front of the durable query
// cache. Every operation is best-effort: callers treat errors as misses.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger observability.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache creates a new Redis cache with the given key prefix
func NewRedisCache(client *redis.Client, prefix string, logger observability.Logger) *RedisCache {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		logger: logger.WithPrefix("cache.redis"),
	}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

// Get retrieves a raw value
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache key %s: %w", key, err)
	}
	c.hits.Add(1)
	return val, nil
}

// Set stores a raw value with a TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// GetJSON retrieves a value and unmarshals it into target
func (c *RedisCache) GetJSON(ctx context.Context, key string, target interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		c.logger.Warn("Dropping undecodable cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		_ = c.Delete(ctx, key)
		return ErrCacheInvalid
	}
	return nil
}

// SetJSON marshals value and stores it with a TTL
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value for %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// Stats returns hit and miss counts since startup
func (c *RedisCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
