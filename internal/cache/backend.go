package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by a Backend when the key holds no value.
var ErrMiss = errors.New("cache: miss")

// Backend is the key/value store behind the tier.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisBackend stores entries in Redis with a per-key expiry.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// SetWithTTL implements Backend.
func (r *RedisBackend) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// MemoryBackend keeps entries in process. bigcache has a single life window
// for all keys, so the per-call ttl is ignored and the window passed to
// NewMemoryBackend applies.
type MemoryBackend struct {
	cache *bigcache.BigCache
}

// NewMemoryBackend builds an in-process backend whose entries live for window.
func NewMemoryBackend(ctx context.Context, window time.Duration) (*MemoryBackend, error) {
	cfg := bigcache.DefaultConfig(window)
	cfg.CleanWindow = time.Minute
	cfg.Verbose = false
	bc, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init bigcache: %w", err)
	}
	return &MemoryBackend{cache: bc}, nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := m.cache.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("bigcache get %s: %w", key, err)
	}
	return data, nil
}

// SetWithTTL implements Backend.
func (m *MemoryBackend) SetWithTTL(_ context.Context, key string, value []byte, _ time.Duration) error {
	if err := m.cache.Set(key, value); err != nil {
		return fmt.Errorf("bigcache set %s: %w", key, err)
	}
	return nil
}

// Close releases the bigcache shards.
func (m *MemoryBackend) Close() error {
	return m.cache.Close()
}

var (
	_ Backend = (*RedisBackend)(nil)
	_ Backend = (*MemoryBackend)(nil)
)
