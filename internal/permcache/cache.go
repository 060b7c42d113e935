// Package permcache implements the two-tier permission cache: an optional
// distributed Redis tier backed by a bounded in-process LRU. Cache
// failures are never surfaced to callers; they degrade to a miss.
package permcache

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/meridian-ppm/meridian/internal/observability"
)

// Key prefixes used by the engine. Pattern invalidation matches against
// these namespaces only.
const (
	PrefixPerm  = "perm:"
	PrefixPerms = "perms:"
	PrefixRBAC  = "rbac:"
)

const scanBatch = 200

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	DistributedEnabled bool  `json:"distributed_enabled"`
	DistributedHits    int64 `json:"distributed_hits"`
	DistributedMisses  int64 `json:"distributed_misses"`
	DistributedErrors  int64 `json:"distributed_errors"`
	LocalHits          int64 `json:"local_hits"`
	LocalMisses        int64 `json:"local_misses"`
	LocalEntries       int   `json:"local_entries"`
}

// Cache is the two-tier store. Reads prefer the distributed tier and fall
// back to the local tier; writes go to both. Last writer wins.
type Cache struct {
	redis   *redis.Client
	local   *lru.LRU[string, []byte]
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger

	distHits   atomic.Int64
	distMisses atomic.Int64
	distErrors atomic.Int64
	localHits  atomic.Int64
	localMiss  atomic.Int64
}

// New constructs the cache. client may be nil, in which case only the
// local tier is used. size bounds the local tier entry count. metrics may
// be nil.
func New(client *redis.Client, size int, ttl time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Cache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{
		redis:   client,
		local:   lru.NewLRU[string, []byte](size, nil, ttl),
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached value for key, if present in either tier.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			c.distHits.Add(1)
			c.metrics.ObserveCache("distributed", true)
			return val, true
		case err == redis.Nil:
			c.distMisses.Add(1)
			c.metrics.ObserveCache("distributed", false)
		default:
			c.distErrors.Add(1)
			c.warn("cache get", key, err)
		}
	}
	if val, ok := c.local.Get(key); ok {
		c.localHits.Add(1)
		c.metrics.ObserveCache("local", true)
		return val, true
	}
	c.localMiss.Add(1)
	c.metrics.ObserveCache("local", false)
	return nil, false
}

// Set writes the value to both tiers. Distributed failures are swallowed.
func (c *Cache) Set(ctx context.Context, key string, value []byte) {
	if c.redis != nil {
		if err := c.redis.SetEx(ctx, key, value, c.ttl).Err(); err != nil {
			c.distErrors.Add(1)
			c.warn("cache set", key, err)
		}
	}
	c.local.Add(key, value)
}

// Delete removes a single key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.redis != nil {
		if err := c.redis.Del(ctx, key).Err(); err != nil {
			c.distErrors.Add(1)
			c.warn("cache delete", key, err)
		}
	}
	c.local.Remove(key)
}

// InvalidateUser removes every cached entry mentioning the user.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	c.invalidateSubstring(ctx, userID)
}

// InvalidateScope removes every cached entry whose key mentions the
// scope's cache-key fragment, e.g. "prj:<id>" for a project scope.
func (c *Cache) InvalidateScope(ctx context.Context, scopeType, scopeID string) {
	if scopeID == "" {
		return
	}
	fragment := scopeID
	switch scopeType {
	case "organization":
		fragment = "org:" + scopeID
	case "portfolio":
		fragment = "pf:" + scopeID
	case "project":
		fragment = "prj:" + scopeID
	}
	c.invalidateSubstring(ctx, fragment)
}

// InvalidatePattern removes entries whose key contains the fragment.
func (c *Cache) InvalidatePattern(ctx context.Context, fragment string) {
	if fragment == "" {
		return
	}
	c.invalidateSubstring(ctx, fragment)
}

// ClearAll drops every entry in both tiers.
func (c *Cache) ClearAll(ctx context.Context) {
	if c.redis != nil {
		for _, prefix := range []string{PrefixPerm, PrefixPerms, PrefixRBAC} {
			c.scanDelete(ctx, prefix+"*")
		}
	}
	c.local.Purge()
}

// Snapshot reports current statistics.
func (c *Cache) Snapshot() Stats {
	return Stats{
		DistributedEnabled: c.redis != nil,
		DistributedHits:    c.distHits.Load(),
		DistributedMisses:  c.distMisses.Load(),
		DistributedErrors:  c.distErrors.Load(),
		LocalHits:          c.localHits.Load(),
		LocalMisses:        c.localMiss.Load(),
		LocalEntries:       c.local.Len(),
	}
}

func (c *Cache) invalidateSubstring(ctx context.Context, fragment string) {
	if c.redis != nil {
		for _, prefix := range []string{PrefixPerm, PrefixPerms, PrefixRBAC} {
			c.scanDelete(ctx, prefix+"*"+fragment+"*")
		}
	}
	for _, key := range c.local.Keys() {
		if strings.Contains(key, fragment) {
			c.local.Remove(key)
		}
	}
}

func (c *Cache) scanDelete(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			c.distErrors.Add(1)
			c.warn("cache scan", pattern, err)
			return
		}
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				c.distErrors.Add(1)
				c.warn("cache scan delete", pattern, err)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (c *Cache) warn(op, key string, err error) {
	if c.logger != nil {
		c.logger.Warn(op, slog.String("key", key), slog.Any("error", err))
	}
}
