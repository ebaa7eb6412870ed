package experiment

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	pkgredis "github.com/feedstack/recommender/pkg/redis"
)

const cacheKeyPrefix = "exp:assign:"

// AssignmentCache stores resolved assignments per (experiment, user) key.
// A found nil assignment means "evaluated, not eligible" and is cached like
// any other result. Implementations must be safe for concurrent use.
type AssignmentCache interface {
	Get(ctx context.Context, key string) (*Assignment, bool)
	Set(ctx context.Context, key string, a *Assignment, ttl time.Duration)
	// DeletePrefix removes all keys beginning with prefix, returning the
	// number of entries dropped.
	DeletePrefix(ctx context.Context, prefix string) int64
}

// cacheKey builds the canonical cache key for one (experiment, user) pair.
func cacheKey(experimentID, userID string) string {
	return cacheKeyPrefix + experimentID + ":" + userID
}

// experimentPrefix is the invalidation prefix covering every user's cached
// assignment for one experiment.
func experimentPrefix(experimentID string) string {
	return cacheKeyPrefix + experimentID + ":"
}

// ---------- In-memory implementation ----------

type memoryEntry struct {
	assignment *Assignment
	expiresAt  time.Time
}

// MemoryCache is a mutex-guarded TTL map. Expired entries are dropped lazily
// on read and swept by a background janitor.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryCache creates a MemoryCache and starts its sweep loop.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{entries: make(map[string]memoryEntry)}
	go c.sweep()
	return c
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*Assignment, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.assignment, true
}

func (c *MemoryCache) Set(ctx context.Context, key string, a *Assignment, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = memoryEntry{assignment: a, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) DeletePrefix(ctx context.Context, prefix string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var deleted int64
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			deleted++
		}
	}
	return deleted
}

// Len returns the number of live entries, counting any not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for key, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, key)
			}
		}
		c.mu.Unlock()
	}
}

// ---------- Redis implementation ----------

// RedisCache stores assignments as JSON values in Redis, sharing state
// across service instances.
type RedisCache struct {
	client *pkgredis.Client
	logger *slog.Logger
}

// NewRedisCache creates a Redis-backed assignment cache.
func NewRedisCache(client *pkgredis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		logger: slog.Default().With("component", "assignment-cache"),
	}
}

// redisEntry wraps the assignment so that a cached nil survives round-trips.
type redisEntry struct {
	Assignment *Assignment `json:"assignment"`
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Assignment, bool) {
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var e redisEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	return e.Assignment, true
}

func (c *RedisCache) Set(ctx context.Context, key string, a *Assignment, ttl time.Duration) {
	data, err := json.Marshal(redisEntry{Assignment: a})
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) int64 {
	deleted, err := c.client.FlushByPattern(ctx, prefix+"*")
	if err != nil {
		c.logger.Error("cache prefix delete failed", "prefix", prefix, "error", err)
	}
	return deleted
}

var _ AssignmentCache = (*MemoryCache)(nil)
var _ AssignmentCache = (*RedisCache)(nil)
