package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/codeready-toolchain/planexec/pkg/config"
)

// LogAdapter implements Adapter on a partitioned log via kafka-go. One topic
// per logical queue, partitioned by the caller-supplied partition key (the
// planId hash, preserving per-plan ordering under retries), manual offset
// commit on ack only, retry by republish with attempts incremented, DLQ as a
// "<topic>.dead" suffix topic.
type LogAdapter struct {
	cfg       config.LogConfig
	dedupe    DedupeClaimer
	dedupeTTL time.Duration
	telemetry Telemetry

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	created map[string]bool
	closed  bool
	wg      sync.WaitGroup
}

// LogAdapterOptions configures a LogAdapter.
type LogAdapterOptions struct {
	Dedupe    DedupeClaimer
	DedupeTTL time.Duration
	Telemetry Telemetry
}

// NewLogAdapter creates a partitioned-log queue adapter.
func NewLogAdapter(cfg config.LogConfig, opts LogAdapterOptions) *LogAdapter {
	if opts.Telemetry == nil {
		opts.Telemetry = NoopTelemetry{}
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 5 * time.Minute
	}
	return &LogAdapter{
		cfg:       cfg,
		dedupe:    opts.Dedupe,
		dedupeTTL: opts.DedupeTTL,
		telemetry: opts.Telemetry,
		writers:   make(map[string]*kafka.Writer),
		created:   make(map[string]bool),
	}
}

// ensureTopic creates the topic when auto-creation is enabled, applying
// log-compaction config to topics named in CompactedTopics.
func (a *LogAdapter) ensureTopic(topic string) error {
	a.mu.Lock()
	if a.created[topic] || !a.cfg.AutoCreateTopics {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	conn, err := kafka.Dial("tcp", a.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find controller: %w", err)
	}
	ctrlConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial controller: %w", err)
	}
	defer func() { _ = ctrlConn.Close() }()

	topicCfg := kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     a.cfg.Partitions,
		ReplicationFactor: a.cfg.ReplicationFactor,
	}
	if a.isCompacted(topic) {
		topicCfg.ConfigEntries = []kafka.ConfigEntry{
			{ConfigName: "cleanup.policy", ConfigValue: "compact"},
		}
	}
	if err := ctrlConn.CreateTopics(topicCfg); err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}

	a.mu.Lock()
	a.created[topic] = true
	a.mu.Unlock()
	return nil
}

func (a *LogAdapter) isCompacted(topic string) bool {
	for _, t := range a.cfg.CompactedTopics {
		if t == topic {
			return true
		}
	}
	return false
}

func (a *LogAdapter) writer(topic string) *kafka.Writer {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:         kafka.TCP(a.cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		a.writers[topic] = w
	}
	return w
}

// Enqueue publishes payload on the named topic, keyed by PartitionKey.
func (a *LogAdapter) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
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

	if err := a.ensureTopic(queue); err != nil {
		return err
	}

	headers := copyHeaders(opts.Headers)
	if opts.IdempotencyKey != "" {
		headers[HeaderIdempotencyKey] = opts.IdempotencyKey
	}

	if opts.DelayMs > 0 {
		// The log has no native delayed delivery; sleeping before publish
		// keeps the retry-backoff contract without an extra topic.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(opts.DelayMs) * time.Millisecond):
		}
	}

	msg := kafka.Message{
		Key:     []byte(opts.PartitionKey),
		Value:   payload,
		Headers: toKafkaHeaders(headers),
	}
	if err := a.writer(queue).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to topic %s: %w", queue, err)
	}

	a.telemetry.IncCounter(MetricEnqueued, map[string]string{"queue": queue})
	return nil
}

// Consume starts a consumer-group reader on the named topic with manual
// offset commit: offsets advance only on ack (or after a successful retry /
// dead-letter republish).
func (a *LogAdapter) Consume(ctx context.Context, queue string, handler Handler) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdapterClosed
	}
	a.mu.Unlock()

	if err := a.ensureTopic(queue); err != nil {
		return err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  a.cfg.Brokers,
		GroupID:  a.cfg.ConsumerGroup,
		Topic:    queue,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	a.mu.Lock()
	a.readers = append(a.readers, reader)
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("Fetch failed, backing off", "topic", queue, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			handler(ctx, a.wrapMessage(queue, reader, m))
			a.publishLag(ctx, queue)
		}
	}()
	return nil
}

func (a *LogAdapter) wrapMessage(queue string, reader *kafka.Reader, m kafka.Message) *Message {
	headers := fromKafkaHeaders(m.Headers)
	attempts := 0
	if v, ok := headers[HeaderAttempts]; ok {
		attempts, _ = strconv.Atoi(v)
	}
	labels := map[string]string{"queue": queue}
	id := fmt.Sprintf("%s-%d-%d", queue, m.Partition, m.Offset)

	commit := func(ctx context.Context) error {
		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("failed to commit offset: %w", err)
		}
		return nil
	}

	return NewMessage(id, m.Value, headers, attempts,
		func(ctx context.Context) error {
			if err := commit(ctx); err != nil {
				return err
			}
			a.telemetry.IncCounter(MetricAcked, labels)
			return nil
		},
		func(ctx context.Context, opts RetryOptions) error {
			retryHeaders := copyHeaders(headers)
			retryHeaders[HeaderAttempts] = strconv.Itoa(attempts + 1)
			if err := a.Enqueue(ctx, queue, m.Value, EnqueueOptions{
				Headers:      retryHeaders,
				DelayMs:      opts.DelayMs,
				SkipDedupe:   true,
				PartitionKey: string(m.Key),
			}); err != nil {
				return err
			}
			if err := commit(ctx); err != nil {
				return err
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
			if err := a.Enqueue(ctx, dest, m.Value, EnqueueOptions{
				Headers:      dlHeaders,
				SkipDedupe:   true,
				PartitionKey: string(m.Key),
			}); err != nil {
				return err
			}
			if err := commit(ctx); err != nil {
				return err
			}
			a.telemetry.IncCounter(MetricDeadLettered, labels)
			slog.Warn("Message dead-lettered",
				"topic", queue, "destination", dest, "reason", opts.Reason)
			return nil
		},
	)
}

// QueueDepth derives consumer-group lag: latest offset minus committed
// offset, summed across partitions.
func (a *LogAdapter) QueueDepth(ctx context.Context, queue string) (int, error) {
	client := &kafka.Client{Addr: kafka.TCP(a.cfg.Brokers...)}

	conn, err := kafka.Dial("tcp", a.cfg.Brokers[0])
	if err != nil {
		return 0, fmt.Errorf("failed to dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	partitions, err := conn.ReadPartitions(queue)
	if err != nil {
		return 0, fmt.Errorf("failed to read partitions for %s: %w", queue, err)
	}

	offsetReqs := make([]kafka.OffsetRequest, 0, len(partitions))
	partitionIDs := make([]int, 0, len(partitions))
	for _, p := range partitions {
		offsetReqs = append(offsetReqs, kafka.LastOffsetOf(p.ID))
		partitionIDs = append(partitionIDs, p.ID)
	}

	latest, err := client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{queue: offsetReqs},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list offsets for %s: %w", queue, err)
	}

	committed, err := client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: a.cfg.ConsumerGroup,
		Topics:  map[string][]int{queue: partitionIDs},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch committed offsets for %s: %w", queue, err)
	}

	committedByPartition := make(map[int]int64)
	for _, p := range committed.Topics[queue] {
		committedByPartition[p.Partition] = p.CommittedOffset
	}

	total := 0
	for _, p := range latest.Topics[queue] {
		c := committedByPartition[p.Partition]
		if c < 0 {
			c = p.FirstOffset
		}
		lag := p.LastOffset - c
		if lag < 0 {
			lag = 0
		}
		total += int(lag)
		a.telemetry.SetGauge(MetricPartitionLag, float64(lag), map[string]string{
			"queue":     queue,
			"partition": strconv.Itoa(p.Partition),
		})
	}
	return total, nil
}

func (a *LogAdapter) publishLag(ctx context.Context, queue string) {
	depth, err := a.QueueDepth(ctx, queue)
	if err != nil {
		slog.Warn("Lag check failed", "topic", queue, "error", err)
		return
	}
	a.telemetry.SetGauge(MetricDepth, float64(depth), map[string]string{"queue": queue})
}

// Close shuts all writers and readers.
func (a *LogAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	writers := a.writers
	readers := a.readers
	a.mu.Unlock()

	var firstErr error
	for _, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func toKafkaHeaders(h map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(h []kafka.Header) map[string]string {
	out := make(map[string]string, len(h))
	for _, kh := range h {
		out[kh.Key] = string(kh.Value)
	}
	return out
}
