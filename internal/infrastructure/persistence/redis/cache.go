// Package redis implements the hot caches of the engine on Redis: the
// per-timeframe leaderboard sorted sets and the assembled profile cache.
// Both are derived state; the ledger in PostgreSQL stays authoritative.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrCacheMiss is returned when the requested key is not found in cache.
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrCacheKeyEmpty is returned when an empty key is provided.
	ErrCacheKeyEmpty = errors.New("cache: key cannot be empty")
)

// ══════════════════════════════════════════════════════════════════════════════
// KEY PREFIXES
// ══════════════════════════════════════════════════════════════════════════════

// Key prefixes for namespacing Redis keys.
const (
	PrefixProfile     = "profile:"
	PrefixLeaderboard = "leaderboard:"
)

// ══════════════════════════════════════════════════════════════════════════════
// CACHE CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Cache wraps a go-redis client with JSON helpers.
type Cache struct {
	client *redis.Client
}

// NewClient builds a client from the Redis settings and verifies it.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return client, nil
}

// NewCache wraps an existing client.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Client returns the underlying Redis client.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Set stores value as JSON under key.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrCacheKeyEmpty
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	return retry.CacheRetrier().Do(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, key, data, ttl).Err()
	})
}

// Get decodes the JSON stored under key into dest. Returns ErrCacheMiss if
// the key doesn't exist.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	if key == "" {
		return ErrCacheKeyEmpty
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache: unmarshal %s: %w", key, err)
	}
	return nil
}

// Delete removes keys from the cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return retry.CacheRetrier().Do(ctx, func(ctx context.Context) error {
		return c.client.Del(ctx, keys...).Err()
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// PROFILE CACHE
// ══════════════════════════════════════════════════════════════════════════════

// ProfileCache stores assembled GamificationProfiles as JSON. It satisfies
// the second-level cache of the profile query.
type ProfileCache struct {
	cache *Cache
}

// NewProfileCache creates a ProfileCache.
func NewProfileCache(cache *Cache) *ProfileCache {
	return &ProfileCache{cache: cache}
}

func profileKey(userID shared.UserID) string {
	return PrefixProfile + string(userID)
}

// GetProfile returns the cached profile or a NotFound error.
func (p *ProfileCache) GetProfile(ctx context.Context, userID shared.UserID) (*progress.GamificationProfile, error) {
	var profile progress.GamificationProfile
	if err := p.cache.Get(ctx, profileKey(userID), &profile); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, shared.NotFound("redis", "GetProfile", "profile %s not cached", userID)
		}
		return nil, shared.Transient("redis", "GetProfile", err)
	}
	return &profile, nil
}

// SetProfile caches the profile for ttl.
func (p *ProfileCache) SetProfile(ctx context.Context, profile progress.GamificationProfile, ttl time.Duration) error {
	if err := p.cache.Set(ctx, profileKey(profile.UserID), profile, ttl); err != nil {
		return shared.Transient("redis", "SetProfile", err)
	}
	return nil
}

// DeleteProfile drops the cached profile.
func (p *ProfileCache) DeleteProfile(ctx context.Context, userID shared.UserID) error {
	if err := p.cache.Delete(ctx, profileKey(userID)); err != nil {
		return shared.Transient("redis", "DeleteProfile", err)
	}
	return nil
}
