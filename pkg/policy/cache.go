package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache short-circuits repeated policy evaluations for a bounded TTL. Both
// backends are best-effort: a miss or an unreachable store just re-runs the
// decision function.
type Cache interface {
	Get(ctx context.Context, key string) (Decision, bool)
	Put(ctx context.Context, key string, d Decision)
}

type cachedDecision struct {
	decision Decision
	expiry   time.Time
}

// MemoryCache is the per-process decision cache with TTL and a max-entry
// bound (whole-cache reset at the cap, the cheapest eviction that still
// bounds memory).
type MemoryCache struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]cachedDecision
}

// NewMemoryCache creates an in-process decision cache.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	return &MemoryCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]cachedDecision),
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.entries[key]
	if !ok || time.Now().After(cached.expiry) {
		delete(c.entries, key)
		return Decision{}, false
	}
	return cached.decision, true
}

func (c *MemoryCache) Put(_ context.Context, key string, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.entries = make(map[string]cachedDecision)
	}
	c.entries[key] = cachedDecision{decision: d, expiry: time.Now().Add(c.ttl)}
}

// RedisCache is the shared decision cache, so a fleet of workers converges
// on one evaluation per key per TTL.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCache creates a shared decision cache against the given address.
func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		keyPrefix: "planexec:policy:",
		ttl:       ttl,
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Decision, bool) {
	raw, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("Policy cache read failed", "error", err)
		}
		return Decision{}, false
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		slog.Warn("Policy cache entry corrupt, ignoring", "error", err)
		return Decision{}, false
	}
	return d, true
}

func (c *RedisCache) Put(ctx context.Context, key string, d Decision) {
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, raw, c.ttl).Err(); err != nil {
		slog.Warn("Policy cache write failed", "error", err)
	}
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
