package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectingClaimer is a minimal DedupeClaimer that rejects repeated keys.
type collectingClaimer struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newCollectingClaimer() *collectingClaimer {
	return &collectingClaimer{claimed: make(map[string]bool)}
}

func (c *collectingClaimer) Claim(_ context.Context, key string, _ time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed[key] {
		return false
	}
	c.claimed[key] = true
	return true
}

func consumeAll(t *testing.T, a *MemoryAdapter, queue string) (*sync.Mutex, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var got []string
	err := a.Consume(context.Background(), queue, func(ctx context.Context, msg *Message) {
		mu.Lock()
		got = append(got, string(msg.Payload))
		mu.Unlock()
		require.NoError(t, msg.Ack(ctx))
	})
	require.NoError(t, err)
	return &mu, &got
}

func TestMemoryAdapterDeliversInOrder(t *testing.T) {
	a := NewMemoryAdapter(MemoryAdapterOptions{})
	defer func() { _ = a.Close() }()

	mu, got := consumeAll(t, a, "q1")

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, a.Enqueue(context.Background(), "q1", []byte(p), EnqueueOptions{}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, *got)
	mu.Unlock()
}

func TestMemoryAdapterSuppressesDuplicateIdempotencyKeys(t *testing.T) {
	tel := NewInMemoryTelemetry()
	a := NewMemoryAdapter(MemoryAdapterOptions{Dedupe: newCollectingClaimer(), Telemetry: tel})
	defer func() { _ = a.Close() }()

	mu, got := consumeAll(t, a, "q1")

	opts := EnqueueOptions{IdempotencyKey: "p1:s1"}
	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("x"), opts))
	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("x"), opts))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Len(t, *got, 1)
	mu.Unlock()
	assert.Equal(t, 1, tel.Counter(MetricDeduplicated, "q1"))
}

func TestMemoryAdapterSkipDedupeBypassesClaim(t *testing.T) {
	a := NewMemoryAdapter(MemoryAdapterOptions{Dedupe: newCollectingClaimer()})
	defer func() { _ = a.Close() }()

	mu, got := consumeAll(t, a, "q1")

	opts := EnqueueOptions{IdempotencyKey: "p1:s1", SkipDedupe: true}
	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("x"), opts))
	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("x"), opts))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryAdapterRetryIncrementsAttempts(t *testing.T) {
	a := NewMemoryAdapter(MemoryAdapterOptions{})
	defer func() { _ = a.Close() }()

	var mu sync.Mutex
	var attempts []int
	err := a.Consume(context.Background(), "q1", func(ctx context.Context, msg *Message) {
		mu.Lock()
		attempts = append(attempts, msg.Attempts)
		n := len(attempts)
		mu.Unlock()
		if n < 3 {
			require.NoError(t, msg.Retry(ctx, RetryOptions{}))
			return
		}
		require.NoError(t, msg.Ack(ctx))
	})
	require.NoError(t, err)

	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("x"), EnqueueOptions{}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, attempts)
	mu.Unlock()
}

func TestMemoryAdapterDeadLetterRoutesToSuffixQueue(t *testing.T) {
	a := NewMemoryAdapter(MemoryAdapterOptions{})
	defer func() { _ = a.Close() }()

	var mu sync.Mutex
	var deadReason string
	err := a.Consume(context.Background(), "q1"+DeadLetterSuffix, func(ctx context.Context, msg *Message) {
		mu.Lock()
		deadReason = msg.Headers[HeaderDeadLetterReason]
		mu.Unlock()
		require.NoError(t, msg.Ack(ctx))
	})
	require.NoError(t, err)

	err = a.Consume(context.Background(), "q1", func(ctx context.Context, msg *Message) {
		require.NoError(t, msg.DeadLetter(ctx, DeadLetterOptions{Reason: "mismatched_trace_or_idempotency"}))
	})
	require.NoError(t, err)

	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("x"), EnqueueOptions{}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deadReason == "mismatched_trace_or_idempotency"
	}, time.Second, 5*time.Millisecond)
}

func TestMessageRejectsDoubleResolution(t *testing.T) {
	msg := NewMessage("m1", nil, nil, 0,
		func(context.Context) error { return nil },
		func(context.Context, RetryOptions) error { return nil },
		func(context.Context, DeadLetterOptions) error { return nil },
	)
	require.NoError(t, msg.Ack(context.Background()))
	assert.ErrorIs(t, msg.Retry(context.Background(), RetryOptions{}), ErrAlreadyResolved)
	assert.ErrorIs(t, msg.DeadLetter(context.Background(), DeadLetterOptions{}), ErrAlreadyResolved)
}

func TestMemoryAdapterDepthGauge(t *testing.T) {
	tel := NewInMemoryTelemetry()
	a := NewMemoryAdapter(MemoryAdapterOptions{Telemetry: tel})
	defer func() { _ = a.Close() }()

	// No consumer registered: messages stay buffered.
	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("a"), EnqueueOptions{}))
	require.NoError(t, a.Enqueue(context.Background(), "q1", []byte("b"), EnqueueOptions{}))

	depth, err := a.QueueDepth(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
	assert.Equal(t, float64(2), tel.Gauge(MetricDepth, "q1"))
}
