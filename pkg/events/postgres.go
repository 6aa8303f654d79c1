package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
)

// notifyPayloadLimit stays under PostgreSQL's 8000-byte NOTIFY cap; larger
// payloads are replaced by a truncation envelope carrying only routing
// fields, and consumers refetch the full entry from the plan store.
const notifyPayloadLimit = 7900

// PostgresBus carries plan step events across processes via LISTEN/NOTIFY.
// Publish goes through the shared connection pool; every subscription holds
// its own dedicated LISTEN connection so notification waits never contend
// with other statements.
type PostgresBus struct {
	db         *sql.DB
	connString string

	mu     sync.Mutex
	closed bool
	conns  map[*pgx.Conn]struct{}
}

// NewPostgresBus creates a bus over an existing pool plus a connection
// string for dedicated LISTEN connections.
func NewPostgresBus(db *sql.DB, connString string) *PostgresBus {
	return &PostgresBus{db: db, connString: connString, conns: make(map[*pgx.Conn]struct{})}
}

// Publish broadcasts the event on the named channel.
func (b *PostgresBus) Publish(ctx context.Context, channel string, event PlanStepEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	notifyPayload, err := truncateIfNeeded(payload)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated LISTEN connection for the channel and streams
// its notifications until Unsubscribe is called or ctx is cancelled.
func (b *PostgresBus) Subscribe(ctx context.Context, channel string) (<-chan PlanStepEvent, Unsubscribe, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("event bus closed")
	}
	b.mu.Unlock()

	conn, err := pgx.Connect(ctx, b.connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, nil, fmt.Errorf("LISTEN failed: %w", err)
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	out := make(chan PlanStepEvent, subscriberBuffer)
	loopCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		for {
			notification, err := conn.WaitForNotification(loopCtx)
			if err != nil {
				if loopCtx.Err() == nil {
					slog.Error("Notification wait failed", "channel", channel, "error", err)
				}
				return
			}
			var event PlanStepEvent
			if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
				slog.Warn("Discarding malformed event payload", "channel", channel, "error", err)
				continue
			}
			select {
			case out <- event:
			default:
				slog.Warn("Event subscriber lagging, dropping event",
					"channel", channel, "plan_id", event.PlanID, "step_id", event.Step.ID)
			}
		}
	}()

	unsubscribe := func() {
		cancel()
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close(context.Background())
	}
	return out, unsubscribe, nil
}

// Close drops every LISTEN connection. The shared pool is owned by the
// caller and left open.
func (b *PostgresBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*pgx.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[*pgx.Conn]struct{})
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(context.Background())
	}
	return nil
}

// truncateIfNeeded returns the payload as-is when it fits the NOTIFY limit,
// otherwise a minimal envelope with only the routing fields.
func truncateIfNeeded(payload []byte) (string, error) {
	if len(payload) <= notifyPayloadLimit {
		return string(payload), nil
	}
	return buildTruncatedPayload(payload)
}

// buildTruncatedPayload extracts the routing fields the consumer needs to
// refetch the full entry from the plan store.
func buildTruncatedPayload(payload []byte) (string, error) {
	var routing struct {
		Event   string `json:"event"`
		TraceID string `json:"traceId"`
		PlanID  string `json:"planId"`
		Step    struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"step"`
	}
	if err := json.Unmarshal(payload, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"event":     routing.Event,
		"traceId":   routing.TraceID,
		"planId":    routing.PlanID,
		"step":      map[string]any{"id": routing.Step.ID, "state": routing.Step.State},
		"truncated": true,
	}
	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
