package lock

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the lock key only while the holder's token still
// matches, so an expired-and-reacquired lock is never released by the
// previous holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLocker is the shared Locker backend: SET NX PX to acquire, a
// compare-and-delete script to release.
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLocker creates a locker against the given Redis address.
func NewRedisLocker(addr string) *RedisLocker {
	return &RedisLocker{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		keyPrefix: "planexec:lock:",
	}
}

// NewRedisLockerFromClient wraps an existing client (useful for testing).
func NewRedisLockerFromClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, keyPrefix: "planexec:lock:"}
}

// AcquireLock acquires the named mutex for ttl, polling with jittered
// backoff until the context deadline.
func (l *RedisLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	token := uuid.NewString()
	redisKey := l.keyPrefix + key

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				if err := releaseScript.Run(context.Background(), l.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
					slog.Warn("Lock release failed, relying on TTL expiry",
						"key", key, "error", err)
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrNotAcquired
		case <-time.After(20*time.Millisecond + time.Duration(rand.Int64N(int64(30*time.Millisecond)))):
		}
	}
}

// Close releases the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
