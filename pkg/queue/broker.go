package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/codeready-toolchain/planexec/pkg/config"
)

// delaySuffix names the per-queue delay queue used for native delayed retry
// without a broker plugin: messages published there carry a per-message TTL
// and dead-letter back into the real queue when it expires.
const delaySuffix = ".delay"

// BrokerAdapter implements Adapter on a classic AMQP broker via amqp091-go.
// One durable queue per logical queue name, per-message ack, delayed retry
// through a TTL + dead-letter-exchange delay queue, native DLQ.
type BrokerAdapter struct {
	cfg       config.BrokerConfig
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	dedupe    DedupeClaimer
	dedupeTTL time.Duration
	telemetry Telemetry
	prefetch  int

	mu       sync.Mutex
	declared map[string]bool
	closed   bool
	wg       sync.WaitGroup
}

// BrokerAdapterOptions configures a BrokerAdapter.
type BrokerAdapterOptions struct {
	Dedupe    DedupeClaimer
	DedupeTTL time.Duration
	Telemetry Telemetry
	Prefetch  int
}

// NewBrokerAdapter dials the broker and opens the shared publish channel.
func NewBrokerAdapter(cfg config.BrokerConfig, opts BrokerAdapterOptions) (*BrokerAdapter, error) {
	if opts.Telemetry == nil {
		opts.Telemetry = NoopTelemetry{}
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 5 * time.Minute
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat})
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}

	return &BrokerAdapter{
		cfg:       cfg,
		conn:      conn,
		pubCh:     ch,
		dedupe:    opts.Dedupe,
		dedupeTTL: opts.DedupeTTL,
		telemetry: opts.Telemetry,
		prefetch:  opts.Prefetch,
		declared:  make(map[string]bool),
	}, nil
}

// declareTopology declares the queue, its delay companion, and its DLQ.
// Idempotent; amqp declarations are no-ops when the entities already exist
// with the same arguments.
func (a *BrokerAdapter) declareTopology(ch *amqp.Channel, queue string) error {
	a.mu.Lock()
	if a.declared[queue] {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if _, err := ch.QueueDeclare(queue+DeadLetterSuffix, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue for %s: %w", queue, err)
	}
	// Delay queue: expired messages dead-letter into the real queue via the
	// default exchange.
	if _, err := ch.QueueDeclare(queue+delaySuffix, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("failed to declare delay queue for %s: %w", queue, err)
	}

	a.mu.Lock()
	a.declared[queue] = true
	a.mu.Unlock()
	return nil
}

// Enqueue publishes payload on the named durable queue.
func (a *BrokerAdapter) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
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
	a.mu.Unlock()

	if err := a.declareTopology(a.pubCh, queue); err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if opts.IdempotencyKey != "" {
		headers[HeaderIdempotencyKey] = opts.IdempotencyKey
	}

	routingKey := queue
	pub := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         payload,
		Headers:      headers,
	}
	if opts.DelayMs > 0 {
		routingKey = queue + delaySuffix
		pub.Expiration = strconv.Itoa(opts.DelayMs)
	}

	if err := a.pubCh.PublishWithContext(ctx, "", routingKey, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}

	a.telemetry.IncCounter(MetricEnqueued, map[string]string{"queue": queue})
	a.publishDepth(ctx, queue)
	return nil
}

// Consume registers handler on the named queue with manual ack and the
// configured prefetch. Each consumer runs on its own channel.
func (a *BrokerAdapter) Consume(ctx context.Context, queue string, handler Handler) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdapterClosed
	}
	a.mu.Unlock()

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := a.declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(a.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to start consumer on %s: %w", queue, err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				handler(ctx, a.wrapDelivery(queue, d))
			}
		}
	}()
	return nil
}

func (a *BrokerAdapter) wrapDelivery(queue string, d amqp.Delivery) *Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	attempts := 0
	if v, ok := headers[HeaderAttempts]; ok {
		attempts, _ = strconv.Atoi(v)
	}
	labels := map[string]string{"queue": queue}

	return NewMessage(d.MessageId, d.Body, headers, attempts,
		func(ctx context.Context) error {
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("failed to ack: %w", err)
			}
			a.telemetry.IncCounter(MetricAcked, labels)
			a.publishDepth(ctx, queue)
			return nil
		},
		func(ctx context.Context, opts RetryOptions) error {
			retryHeaders := copyHeaders(headers)
			retryHeaders[HeaderAttempts] = strconv.Itoa(attempts + 1)
			if err := a.Enqueue(ctx, queue, d.Body, EnqueueOptions{
				Headers:    retryHeaders,
				DelayMs:    opts.DelayMs,
				SkipDedupe: true,
			}); err != nil {
				return err
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("failed to ack after retry publish: %w", err)
			}
			a.telemetry.IncCounter(MetricRetried, labels)
			return nil
		},
		func(ctx context.Context, opts DeadLetterOptions) error {
			dest := opts.Queue
			if dest == "" {
				dest = queue + DeadLetterSuffix
			}
			dlHeaders := copyHeaders(headers)
			if opts.Reason != "" {
				dlHeaders[HeaderDeadLetterReason] = opts.Reason
			}
			if err := a.Enqueue(ctx, dest, d.Body, EnqueueOptions{
				Headers:    dlHeaders,
				SkipDedupe: true,
			}); err != nil {
				return err
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("failed to ack after dead-letter publish: %w", err)
			}
			a.telemetry.IncCounter(MetricDeadLettered, labels)
			slog.Warn("Message dead-lettered",
				"queue", queue, "destination", dest, "reason", opts.Reason)
			return nil
		},
	)
}

// QueueDepth returns the broker's pending message count via a passive
// declare.
func (a *BrokerAdapter) QueueDepth(_ context.Context, queue string) (int, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("failed to open channel for depth check: %w", err)
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

func (a *BrokerAdapter) publishDepth(ctx context.Context, queue string) {
	depth, err := a.QueueDepth(ctx, queue)
	if err != nil {
		slog.Warn("Queue depth check failed", "queue", queue, "error", err)
		return
	}
	a.telemetry.SetGauge(MetricDepth, float64(depth), map[string]string{"queue": queue})
}

// Close shuts the publish channel and connection. Consumers exit when their
// context is cancelled or the connection drops.
func (a *BrokerAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if err := a.pubCh.Close(); err != nil {
		slog.Warn("Error closing publish channel", "error", err)
	}
	return a.conn.Close()
}
