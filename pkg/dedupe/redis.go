package dedupe

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClaimer is the shared Claimer backend: SET NX PX in a single
// round-trip. When Redis is unreachable, Claim fails open and logs a
// warning — the pipeline never stalls on the dedupe store.
type RedisClaimer struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisClaimer creates a claimer against the given Redis address.
func NewRedisClaimer(addr string) *RedisClaimer {
	return &RedisClaimer{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		keyPrefix: "planexec:dedupe:",
	}
}

// NewRedisClaimerFromClient wraps an existing client (useful for testing).
func NewRedisClaimerFromClient(client *redis.Client) *RedisClaimer {
	return &RedisClaimer{client: client, keyPrefix: "planexec:dedupe:"}
}

// Claim atomically claims key for ttl via SET NX PX.
func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := c.client.SetNX(ctx, c.keyPrefix+key, 1, ttl).Result()
	if err != nil {
		slog.Warn("Dedupe claim store unreachable, failing open",
			"key", key, "error", err)
		return true
	}
	return ok
}

// Release drops the claim. Best-effort.
func (c *RedisClaimer) Release(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		slog.Warn("Dedupe release failed", "key", key, "error", err)
	}
}

// IsClaimed reports whether key holds an unexpired claim. An unreachable
// store reports false, consistent with the fail-open claim policy.
func (c *RedisClaimer) IsClaimed(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, c.keyPrefix+key).Result()
	if err != nil {
		slog.Warn("Dedupe existence check failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

// Close releases the Redis connection.
func (c *RedisClaimer) Close() error {
	return c.client.Close()
}
