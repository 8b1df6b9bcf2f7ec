// Package cache provides the optional external cache. When Redis is not
// configured or becomes unreachable the cache degrades to a no-op: misses
// never raise, and callers fall through to the store.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrMiss is returned for absent keys; callers treat it as "go to the
// source", never as a failure.
var ErrMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Add stores the key only if absent and reports whether it was stored.
	// This is the primitive the single-use token defence builds on.
	Add(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
}

// UserKey names the reflection cache entry for a provider user id.
func UserKey(tmsUserID string) string {
	return "user:" + tmsUserID
}

// TokenKey names the burned-token entry for a content hash.
func TokenKey(hash string) string {
	return "sso:burned:" + hash
}

type redisCache struct {
	client *redis.Client
}

// NewRedis builds a Redis-backed cache from a URL. Values are msgpack
// encoded.
func NewRedis(url string) (Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &redisCache{client: redis.NewClient(opts)}, nil
}

// NewRedisFromClient wraps an existing client; tests use this with miniredis.
func NewRedisFromClient(client *redis.Client) Cache {
	return &redisCache{client: client}
}

func (c *redisCache) Get(ctx context.Context, key string, dest any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		slog.Warn("cache: get failed", "key", key, "error", err)
		return ErrMiss
	}
	if err := msgpack.Unmarshal(data, dest); err != nil {
		slog.Warn("cache: decode failed", "key", key, "error", err)
		return ErrMiss
	}
	return nil
}

func (c *redisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		slog.Warn("cache: set failed", "key", key, "error", err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		slog.Warn("cache: delete failed", "key", key, "error", err)
	}
	return nil
}

func (c *redisCache) Add(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return false, err
	}
	stored, err := c.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, err
	}
	return stored, nil
}

func (c *redisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// memoryCache is a small in-process cache for deployments without Redis.
// It exists for callers whose correctness depends on writes actually
// sticking, the single-use token defence above all; it is per process, so
// multi-instance deployments still want Redis.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

func NewMemory() Cache {
	return &memoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// live returns the entry if present and unexpired, pruning it otherwise.
// Callers hold c.mu.
func (c *memoryCache) live(key string) ([]byte, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.data, true
}

func (c *memoryCache) Get(_ context.Context, key string, dest any) error {
	c.mu.Lock()
	data, ok := c.live(key)
	c.mu.Unlock()
	if !ok {
		return ErrMiss
	}
	if err := msgpack.Unmarshal(data, dest); err != nil {
		return ErrMiss
	}
	return nil
}

func (c *memoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{data: data, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Add(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live(key); ok {
		return false, nil
	}
	c.entries[key] = memoryEntry{data: data, expiresAt: c.now().Add(ttl)}
	return true, nil
}

func (c *memoryCache) Ping(context.Context) error { return nil }

// Noop is the degraded cache: every read misses, every write succeeds.
type Noop struct{}

func NewNoop() Cache { return Noop{} }

func (Noop) Get(context.Context, string, any) error { return ErrMiss }

func (Noop) Set(context.Context, string, any, time.Duration) error { return nil }

func (Noop) Delete(context.Context, string) error { return nil }

func (Noop) Add(context.Context, string, any, time.Duration) (bool, error) { return true, nil }

func (Noop) Ping(context.Context) error { return nil }
