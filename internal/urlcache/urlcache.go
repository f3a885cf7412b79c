// Package urlcache keeps presigned URLs per storage path so repeated
// rehydrations reuse a still-valid signature.
package urlcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/menta2k/condition-report/internal/config"
	"github.com/menta2k/condition-report/pkg/condition"
)

var (
	_ condition.URLCache = (*MemoryCache)(nil)
	_ condition.URLCache = (*RedisCache)(nil)
)

// New returns the cache named by cfg.Backend, or nil for "none"
func New(cfg config.CacheConfig, log zerolog.Logger) (condition.URLCache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(cfg.Size)
	case "redis":
		return NewRedis(cfg, log)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// MemoryCache is a size-bounded in-process cache with per-entry expiry
type MemoryCache struct {
	cache *lru.Cache
	mu    sync.RWMutex
	now   func() time.Time
}

type cacheEntry struct {
	url       string
	expiresAt time.Time
}

// NewMemoryCache creates a cache holding at most maxSize URLs
func NewMemoryCache(maxSize int) (*MemoryCache, error) {
	if maxSize <= 0 {
		maxSize = 1024
	}
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{cache: cache, now: time.Now}, nil
}

func (c *MemoryCache) Get(_ context.Context, path string) (string, bool) {
	c.mu.RLock()
	val, found := c.cache.Get(path)
	c.mu.RUnlock()
	if !found {
		return "", false
	}

	entry := val.(cacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		c.cache.Remove(path)
		c.mu.Unlock()
		return "", false
	}
	return entry.url, true
}

func (c *MemoryCache) Set(_ context.Context, path, url string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(path, cacheEntry{url: url, expiresAt: c.now().Add(ttl)})
}

func (c *MemoryCache) Delete(_ context.Context, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(path)
}

// Len reports the number of entries, expired ones included
func (c *MemoryCache) Len() int {
	return c.cache.Len()
}

// RedisCache shares presigned URLs between processes
type RedisCache struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

// NewRedis connects to cfg.RedisAddr and pings it
func NewRedis(cfg config.CacheConfig, log zerolog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "condition-report:url:"
	}

	return &RedisCache{
		client: client,
		prefix: prefix,
		log:    log.With().Str("component", "urlcache").Logger(),
	}, nil
}

func (c *RedisCache) key(path string) string {
	return c.prefix + path
}

func (c *RedisCache) Get(ctx context.Context, path string) (string, bool) {
	url, err := c.client.Get(ctx, c.key(path)).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("path", path).Msg("url cache read failed")
		}
		return "", false
	}
	return url, true
}

func (c *RedisCache) Set(ctx context.Context, path, url string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, c.key(path), url, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("url cache write failed")
	}
}

func (c *RedisCache) Delete(ctx context.Context, path string) {
	if err := c.client.Del(ctx, c.key(path)).Err(); err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("url cache delete failed")
	}
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
