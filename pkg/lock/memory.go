package lock

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memLock struct {
	token  string
	expiry time.Time
}

// MemoryLocker is the single-process Locker backend. Expired holds are
// reaped lazily at acquisition time, mirroring the TTL-release semantics of
// the shared backend.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memLock
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memLock)}
}

// AcquireLock acquires the named mutex, polling with jittered backoff until
// the context deadline.
func (l *MemoryLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	token := uuid.NewString()
	for {
		if l.tryAcquire(key, token, ttl) {
			return func() { l.release(key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrNotAcquired
		case <-time.After(5*time.Millisecond + time.Duration(rand.Int64N(int64(5*time.Millisecond)))):
		}
	}
}

func (l *MemoryLocker) tryAcquire(key, token string, ttl time.Duration) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && now.Before(held.expiry) {
		return false
	}
	l.locks[key] = memLock{token: token, expiry: now.Add(ttl)}
	return true
}

func (l *MemoryLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && held.token == token {
		delete(l.locks, key)
	}
}

// Close is a no-op for the in-process backend.
func (l *MemoryLocker) Close() error { return nil }
