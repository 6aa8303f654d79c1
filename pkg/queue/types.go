// Package queue provides the transport-agnostic durable work queue the
// orchestrator runs on: enqueue with idempotency-key de-duplication,
// at-least-once consume with manual ack/retry/dead-letter, and queue-depth
// telemetry. Two interchangeable backends ship — a broker-style adapter
// (RabbitMQ via amqp091-go) and a partitioned-log adapter (Kafka via
// kafka-go) — plus an in-process adapter for single-node use and tests.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Logical queue names used by the orchestrator core.
const (
	// PlanStepsQueue carries StepJob payloads to the step consumer.
	PlanStepsQueue = "plan.steps"
	// PlanCompletionsQueue carries Completion payloads to the completion consumer.
	PlanCompletionsQueue = "plan.completions"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter
// destination on backends without a native DLQ.
const DeadLetterSuffix = ".dead"

// Message header keys. Headers are opaque strings end to end.
const (
	HeaderTraceID          = "trace-id"
	HeaderRequestID        = "request-id"
	HeaderAttempts         = "x-attempts"
	HeaderIdempotencyKey   = "x-idempotency-key"
	HeaderDeadLetterReason = "x-dead-letter-reason"
)

// Sentinel errors for queue operations.
var (
	// ErrAlreadyResolved indicates the handler called more than one of
	// Ack/Retry/DeadLetter on the same message.
	ErrAlreadyResolved = errors.New("message already resolved")

	// ErrAdapterClosed indicates an operation on a closed adapter.
	ErrAdapterClosed = errors.New("queue adapter closed")
)

// EnqueueOptions controls a single Enqueue call.
type EnqueueOptions struct {
	// IdempotencyKey, when set and SkipDedupe is false, is claimed against
	// the dedupe service before publishing; a failed claim makes the enqueue
	// a silent no-op.
	IdempotencyKey string
	// Headers are copied onto the message verbatim.
	Headers map[string]string
	// DelayMs defers delivery by the given duration (native delay queue on
	// the broker backend, sleep-before-publish on the log backend).
	DelayMs int
	// SkipDedupe bypasses the idempotency-key claim.
	SkipDedupe bool
	// PartitionKey selects the partition on the log backend (planId hash —
	// preserves per-plan ordering under retries). Ignored by the broker
	// backend.
	PartitionKey string
}

// RetryOptions controls a Message.Retry call.
type RetryOptions struct {
	DelayMs int
}

// DeadLetterOptions controls a Message.DeadLetter call.
type DeadLetterOptions struct {
	Reason string
	// Queue overrides the default "<queue>.dead" destination.
	Queue string
}

// DedupeClaimer is the subset of the dedupe service the adapter needs.
// Implemented by dedupe.MemoryClaimer and dedupe.RedisClaimer.
type DedupeClaimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) bool
}

// dedupeKey namespaces an idempotency key per queue, so the same
// "{planId}:{stepId}" key can ride both the steps and the completions queue
// without one claim suppressing the other.
func dedupeKey(queue, idempotencyKey string) string {
	return queue + "|" + idempotencyKey
}

// Handler processes one delivered message. It must call exactly one of
// msg.Ack, msg.Retry, or msg.DeadLetter before returning; a handler that
// returns without resolving the message leaves it un-acked and the transport
// redelivers it.
type Handler func(ctx context.Context, msg *Message)

// Adapter is the transport-agnostic durable work queue contract.
type Adapter interface {
	// Enqueue publishes payload on the named queue. With an idempotency key
	// present and SkipDedupe false, a duplicate within the dedupe TTL is a
	// silent no-op.
	Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error

	// Consume registers a long-lived handler on the named queue. Delivery is
	// at-least-once.
	Consume(ctx context.Context, queue string, handler Handler) error

	// QueueDepth returns pending-but-unacked work (or consumer-group lag on
	// the log backend).
	QueueDepth(ctx context.Context, queue string) (int, error)

	Close() error
}

// Message is one at-least-once delivery handed to a Handler.
type Message struct {
	ID       string
	Payload  []byte
	Headers  map[string]string
	Attempts int

	mu       sync.Mutex
	resolved bool
	ackFn    func(ctx context.Context) error
	retryFn  func(ctx context.Context, opts RetryOptions) error
	deadFn   func(ctx context.Context, opts DeadLetterOptions) error
}

// NewMessage assembles a Message with backend-supplied resolution callbacks.
// Exported for adapter implementations and test fakes.
func NewMessage(
	id string,
	payload []byte,
	headers map[string]string,
	attempts int,
	ack func(ctx context.Context) error,
	retry func(ctx context.Context, opts RetryOptions) error,
	dead func(ctx context.Context, opts DeadLetterOptions) error,
) *Message {
	if headers == nil {
		headers = map[string]string{}
	}
	return &Message{
		ID:       id,
		Payload:  payload,
		Headers:  headers,
		Attempts: attempts,
		ackFn:    ack,
		retryFn:  retry,
		deadFn:   dead,
	}
}

func (m *Message) resolve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved {
		return ErrAlreadyResolved
	}
	m.resolved = true
	return nil
}

// Ack marks the message as successfully processed.
func (m *Message) Ack(ctx context.Context) error {
	if err := m.resolve(); err != nil {
		return err
	}
	return m.ackFn(ctx)
}

// Retry re-delivers the message with Attempts incremented, optionally after
// a delay.
func (m *Message) Retry(ctx context.Context, opts RetryOptions) error {
	if err := m.resolve(); err != nil {
		return err
	}
	return m.retryFn(ctx, opts)
}

// DeadLetter routes the message to the dead-letter destination.
func (m *Message) DeadLetter(ctx context.Context, opts DeadLetterOptions) error {
	if err := m.resolve(); err != nil {
		return err
	}
	return m.deadFn(ctx, opts)
}
