package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	defer func() { _ = l.Close() }()

	release, err := l.AcquireLock(context.Background(), PlanKey("p1"), time.Minute)
	require.NoError(t, err)

	// second acquirer times out while the lock is held
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.AcquireLock(ctx, PlanKey("p1"), time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	release()

	// and succeeds after release
	release2, err := l.AcquireLock(context.Background(), PlanKey("p1"), time.Minute)
	require.NoError(t, err)
	release2()
}

func TestMemoryLockerTTLExpiry(t *testing.T) {
	l := NewMemoryLocker()
	defer func() { _ = l.Close() }()

	_, err := l.AcquireLock(context.Background(), "k", 20*time.Millisecond)
	require.NoError(t, err)

	// holder never releases; expiry frees the lock
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := l.AcquireLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	release()
}

func TestMemoryLockerStaleReleaseIsNoop(t *testing.T) {
	l := NewMemoryLocker()
	defer func() { _ = l.Close() }()

	staleRelease, err := l.AcquireLock(context.Background(), "k", 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := l.AcquireLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	defer release()

	// the expired holder's release must not free the new holder's lock
	staleRelease()

	shortCtx, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = l.AcquireLock(shortCtx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestMemoryLockerSerialisesConcurrentHolders(t *testing.T) {
	l := NewMemoryLocker()
	defer func() { _ = l.Close() }()

	var mu sync.Mutex
	inSection := 0
	maxInSection := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.AcquireLock(context.Background(), "k", time.Minute)
			require.NoError(t, err)
			mu.Lock()
			inSection++
			if inSection > maxInSection {
				maxInSection = inSection
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inSection--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInSection)
}
