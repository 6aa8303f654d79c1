package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// memDelivery is one queued payload inside the in-process adapter.
type memDelivery struct {
	id       string
	payload  []byte
	headers  map[string]string
	attempts int
}

type memQueue struct {
	ch       chan *memDelivery
	inFlight int
}

// MemoryAdapter is an in-process Adapter for single-node deployments and
// tests. Delivery is serial per queue, which mirrors the per-plan ordering
// the partitioned-log backend gets from planId-hash partitioning.
type MemoryAdapter struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	dedupe    DedupeClaimer
	dedupeTTL time.Duration
	telemetry Telemetry
	closed     bool
	nextID     int
	bufferSize int
	wg         sync.WaitGroup
}

// MemoryAdapterOptions configures a MemoryAdapter.
type MemoryAdapterOptions struct {
	// Dedupe suppresses duplicate enqueues by idempotency key; nil disables
	// suppression entirely.
	Dedupe    DedupeClaimer
	DedupeTTL time.Duration
	Telemetry Telemetry
	// BufferSize bounds pending messages per queue (default 1024).
	BufferSize int
}

// NewMemoryAdapter creates an in-process queue adapter.
func NewMemoryAdapter(opts MemoryAdapterOptions) *MemoryAdapter {
	if opts.Telemetry == nil {
		opts.Telemetry = NoopTelemetry{}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 5 * time.Minute
	}
	return &MemoryAdapter{
		queues:     make(map[string]*memQueue),
		dedupe:     opts.Dedupe,
		dedupeTTL:  opts.DedupeTTL,
		telemetry:  opts.Telemetry,
		bufferSize: opts.BufferSize,
	}
}

func (a *MemoryAdapter) queue(name string) *memQueue {
	q, ok := a.queues[name]
	if !ok {
		q = &memQueue{ch: make(chan *memDelivery, a.bufferSize)}
		a.queues[name] = q
	}
	return q
}

// Enqueue publishes payload on the named in-process queue.
func (a *MemoryAdapter) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
	if opts.IdempotencyKey != "" && !opts.SkipDedupe && a.dedupe != nil {
		if !a.dedupe.Claim(ctx, dedupeKey(queue, opts.IdempotencyKey), a.dedupeTTL) {
			a.telemetry.IncCounter(MetricDeduplicated, map[string]string{"queue": queue})
			return nil
		}
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdapterClosed
	}
	a.nextID++
	d := &memDelivery{
		id:      fmt.Sprintf("mem-%d", a.nextID),
		payload: payload,
		headers: copyHeaders(opts.Headers),
	}
	if opts.IdempotencyKey != "" {
		d.headers[HeaderIdempotencyKey] = opts.IdempotencyKey
	}
	if v, ok := d.headers[HeaderAttempts]; ok {
		d.attempts, _ = strconv.Atoi(v)
	}
	q := a.queue(queue)
	a.mu.Unlock()

	deliver := func() {
		select {
		case q.ch <- d:
		default:
			slog.Error("In-process queue full, dropping message", "queue", queue, "message_id", d.id)
		}
		a.publishDepth(queue)
	}

	if opts.DelayMs > 0 {
		time.AfterFunc(time.Duration(opts.DelayMs)*time.Millisecond, deliver)
	} else {
		deliver()
	}

	a.telemetry.IncCounter(MetricEnqueued, map[string]string{"queue": queue})
	return nil
}

// Consume starts a serial delivery loop for the named queue. The loop exits
// when ctx is cancelled or the adapter is closed.
func (a *MemoryAdapter) Consume(ctx context.Context, queue string, handler Handler) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdapterClosed
	}
	q := a.queue(queue)
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-q.ch:
				if !ok {
					return
				}
				a.dispatch(ctx, queue, q, d, handler)
			}
		}
	}()
	return nil
}

func (a *MemoryAdapter) dispatch(ctx context.Context, queue string, q *memQueue, d *memDelivery, handler Handler) {
	a.mu.Lock()
	q.inFlight++
	a.mu.Unlock()

	done := func() {
		a.mu.Lock()
		q.inFlight--
		a.mu.Unlock()
		a.publishDepth(queue)
	}

	labels := map[string]string{"queue": queue}
	msg := NewMessage(d.id, d.payload, copyHeaders(d.headers), d.attempts,
		func(context.Context) error {
			done()
			a.telemetry.IncCounter(MetricAcked, labels)
			return nil
		},
		func(_ context.Context, opts RetryOptions) error {
			done()
			a.telemetry.IncCounter(MetricRetried, labels)
			next := &memDelivery{
				id:       d.id + "-r",
				payload:  d.payload,
				headers:  copyHeaders(d.headers),
				attempts: d.attempts + 1,
			}
			next.headers[HeaderAttempts] = strconv.Itoa(next.attempts)
			redeliver := func() {
				select {
				case q.ch <- next:
				default:
					slog.Error("In-process queue full on retry, dropping message", "queue", queue, "message_id", next.id)
				}
				a.publishDepth(queue)
			}
			if opts.DelayMs > 0 {
				time.AfterFunc(time.Duration(opts.DelayMs)*time.Millisecond, redeliver)
			} else {
				redeliver()
			}
			return nil
		},
		func(ctx context.Context, opts DeadLetterOptions) error {
			done()
			a.telemetry.IncCounter(MetricDeadLettered, labels)
			dest := opts.Queue
			if dest == "" {
				dest = queue + DeadLetterSuffix
			}
			headers := copyHeaders(d.headers)
			if opts.Reason != "" {
				headers[HeaderDeadLetterReason] = opts.Reason
			}
			return a.Enqueue(ctx, dest, d.payload, EnqueueOptions{Headers: headers, SkipDedupe: true})
		},
	)

	handler(ctx, msg)
}

// QueueDepth returns buffered plus in-flight messages for the named queue.
func (a *MemoryAdapter) QueueDepth(_ context.Context, queue string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[queue]
	if !ok {
		return 0, nil
	}
	return len(q.ch) + q.inFlight, nil
}

func (a *MemoryAdapter) publishDepth(queue string) {
	depth, _ := a.QueueDepth(context.Background(), queue)
	a.telemetry.SetGauge(MetricDepth, float64(depth), map[string]string{"queue": queue})
}

// Close stops accepting work. Consume loops drain on context cancellation.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
