// Package completionconsumer applies completion events to the plan state
// machine: it guards each message against the persisted trace id and
// idempotency key, writes the terminal state, and asks the scheduler to
// advance the plan cursor.
package completionconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
	"github.com/codeready-toolchain/planexec/pkg/queue"
	"github.com/codeready-toolchain/planexec/pkg/scheduler"
)

// ReasonMismatch is the dead-letter reason for a completion whose headers
// disagree with the persisted entry.
const ReasonMismatch = "mismatched_trace_or_idempotency"

// retryDelay is the re-delivery delay after a transient apply failure.
const retryDelay = 500 * time.Millisecond

// Consumer processes the completions queue.
type Consumer struct {
	manager *scheduler.Manager
	queue   queue.Adapter
	// contentCapture gates whether completion output is persisted and
	// forwarded on events; when off, output is dropped at this boundary.
	contentCapture bool
}

// New wires a completion consumer.
func New(manager *scheduler.Manager, adapter queue.Adapter, contentCapture bool) *Consumer {
	return &Consumer{manager: manager, queue: adapter, contentCapture: contentCapture}
}

// Start registers the consumer on the completions queue.
func (c *Consumer) Start(ctx context.Context) error {
	return c.queue.Consume(ctx, queue.PlanCompletionsQueue, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg *queue.Message) {
	var completion planmodel.Completion
	if err := json.Unmarshal(msg.Payload, &completion); err != nil {
		slog.Error("Malformed completion", "message_id", msg.ID, "error", err)
		c.deadLetter(ctx, msg, "malformed_payload")
		return
	}

	log := slog.With("plan_id", completion.PlanID, "step_id", completion.StepID, "state", completion.State)

	sc, err := c.manager.LookupStep(ctx, completion.PlanID, completion.StepID)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownStep) {
			// orphan: no persisted entry, nothing to corrupt
			log.Info("Dropping orphan completion")
			c.ack(ctx, msg)
			return
		}
		log.Error("Step lookup failed, retrying delivery", "error", err)
		c.retry(ctx, msg)
		return
	}

	headerTrace := msg.Headers[queue.HeaderTraceID]
	headerKey := msg.Headers[queue.HeaderIdempotencyKey]
	expectedKey := planmodel.IdempotencyKey(completion.PlanID, completion.StepID)
	if headerTrace != sc.TraceID || headerKey != expectedKey {
		log.Warn("Completion guard mismatch",
			"header_trace", headerTrace, "persisted_trace", sc.TraceID,
			"header_key", headerKey, "expected_key", expectedKey)
		c.deadLetter(ctx, msg, ReasonMismatch)
		return
	}

	switch completion.State {
	case planmodel.StateCompleted:
		output := planmodel.Null
		if c.contentCapture {
			output = completion.Output
		}
		if err := c.manager.CompleteStep(ctx, completion.PlanID, completion.StepID, completion.Summary, output); err != nil {
			log.Error("Failed to apply completion, retrying delivery", "error", err)
			c.retry(ctx, msg)
			return
		}
		c.ack(ctx, msg)

	case planmodel.StateFailed, planmodel.StateRejected:
		if err := c.manager.HaltStep(ctx, completion.PlanID, completion.StepID, completion.State, completion.Summary); err != nil {
			log.Error("Failed to apply halt, retrying delivery", "error", err)
			c.retry(ctx, msg)
			return
		}
		c.ack(ctx, msg)

	case planmodel.StateRunning:
		// streaming progress: state only, no cursor movement
		if err := c.manager.UpdateRunning(ctx, completion.PlanID, completion.StepID, completion.Summary); err != nil {
			log.Error("Failed to apply progress, retrying delivery", "error", err)
			c.retry(ctx, msg)
			return
		}
		c.ack(ctx, msg)

	default:
		log.Error("Completion carries an unknown state")
		c.deadLetter(ctx, msg, "invalid_completion_state")
	}
}

func (c *Consumer) ack(ctx context.Context, msg *queue.Message) {
	if err := msg.Ack(ctx); err != nil {
		slog.Error("Ack failed", "message_id", msg.ID, "error", err)
	}
}

func (c *Consumer) retry(ctx context.Context, msg *queue.Message) {
	if err := msg.Retry(ctx, queue.RetryOptions{DelayMs: int(retryDelay.Milliseconds())}); err != nil {
		slog.Error("Retry failed", "message_id", msg.ID, "error", err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg *queue.Message, reason string) {
	if err := msg.DeadLetter(ctx, queue.DeadLetterOptions{Reason: reason}); err != nil {
		slog.Error("Dead-letter failed", "message_id", msg.ID, "error", err)
	}
}
