// Package stepconsumer executes dequeued step jobs: it transitions the
// step to running, invokes the external tool agent under the step's timeout,
// classifies the outcome, and either publishes a completion or schedules a
// retry with exponential backoff.
package stepconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/planexec/pkg/cost"
	"github.com/codeready-toolchain/planexec/pkg/events"
	"github.com/codeready-toolchain/planexec/pkg/planmodel"
	"github.com/codeready-toolchain/planexec/pkg/planstore"
	"github.com/codeready-toolchain/planexec/pkg/queue"
	"github.com/codeready-toolchain/planexec/pkg/toolagent"
)

// Config tunes the consumer's retry policy.
type Config struct {
	// MaxAttempts bounds executions per step (first run plus retries).
	MaxAttempts int
	// BaseBackoff seeds backoff(n) = base * 2^(n-1).
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
}

// Consumer processes the steps queue.
type Consumer struct {
	store   planstore.Store
	queue   queue.Adapter
	agent   toolagent.Client
	bus     events.Bus
	tracker *cost.Tracker // nil disables cost tracking
	cfg     Config
}

// New wires a step consumer. tracker may be nil.
func New(store planstore.Store, adapter queue.Adapter, agent toolagent.Client, bus events.Bus, tracker *cost.Tracker, cfg Config) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		store:   store,
		queue:   adapter,
		agent:   agent,
		bus:     bus,
		tracker: tracker,
		cfg:     cfg,
	}
}

// Start registers the consumer on the steps queue.
func (c *Consumer) Start(ctx context.Context) error {
	return c.queue.Consume(ctx, queue.PlanStepsQueue, c.handle)
}

// backoff returns the delay before attempt n (1-based retry count), capped.
func (c *Consumer) backoff(n int) time.Duration {
	d := c.cfg.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	if d > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return d
}

func (c *Consumer) handle(ctx context.Context, msg *queue.Message) {
	var job planmodel.StepJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		slog.Error("Malformed step job", "message_id", msg.ID, "error", err)
		if err := msg.DeadLetter(ctx, queue.DeadLetterOptions{Reason: "malformed_payload"}); err != nil {
			slog.Error("Dead-letter failed", "message_id", msg.ID, "error", err)
		}
		return
	}

	attempt := msg.Attempts
	log := slog.With("plan_id", job.PlanID, "step_id", job.Step.ID, "attempt", attempt)

	entry, err := c.store.GetEntry(ctx, job.PlanID, job.Step.ID)
	if err != nil {
		if errors.Is(err, planstore.ErrNotFound) {
			// the step was forgotten (rejected, cleaned up, or already done);
			// never re-run it
			log.Info("Dropping job without persisted entry")
			c.ack(ctx, msg)
			return
		}
		log.Error("Store read failed, retrying delivery", "error", err)
		c.retry(ctx, msg, queue.RetryOptions{DelayMs: int(c.cfg.BaseBackoff.Milliseconds())})
		return
	}
	if entry.State.Terminal() {
		log.Info("Dropping job for terminal step", "state", entry.State)
		c.ack(ctx, msg)
		return
	}

	// a redelivered retry arrives in retrying; move it through queued first
	if entry.State == planmodel.StateRetrying {
		if err := c.store.SetState(ctx, job.PlanID, job.Step.ID, planmodel.StateQueued, planstore.SetStateOptions{
			Attempt: &attempt,
		}); err != nil {
			log.Error("Failed to re-queue retrying step", "error", err)
			c.retry(ctx, msg, queue.RetryOptions{DelayMs: int(c.cfg.BaseBackoff.Milliseconds())})
			return
		}
		c.emit(ctx, job, planmodel.StateQueued, attempt, "Queued for retry", planmodel.Null)
	}

	if err := c.store.SetState(ctx, job.PlanID, job.Step.ID, planmodel.StateRunning, planstore.SetStateOptions{
		Attempt: &attempt,
	}); err != nil {
		log.Error("Failed to mark step running", "error", err)
		c.retry(ctx, msg, queue.RetryOptions{DelayMs: int(c.cfg.BaseBackoff.Milliseconds())})
		return
	}
	c.emit(ctx, job, planmodel.StateRunning, attempt, "Executing", planmodel.Null)

	terminal := c.invoke(ctx, job)

	switch {
	case terminal.State == toolagent.EventCompleted:
		completion := planmodel.Completion{
			PlanID:  job.PlanID,
			StepID:  job.Step.ID,
			State:   planmodel.StateCompleted,
			Summary: terminal.Summary,
			Output:  terminal.Output,
		}
		if err := c.publishCompletion(ctx, job, completion); err != nil {
			log.Error("Failed to publish completion, retrying delivery", "error", err)
			c.retry(ctx, msg, queue.RetryOptions{DelayMs: int(c.cfg.BaseBackoff.Milliseconds())})
			return
		}
		c.ack(ctx, msg)

	case terminal.Retryable && attempt+1 < c.cfg.MaxAttempts:
		if err := c.store.SetState(ctx, job.PlanID, job.Step.ID, planmodel.StateRetrying, planstore.SetStateOptions{
			Summary: failureSummary(terminal),
		}); err != nil {
			log.Error("Failed to mark step retrying", "error", err)
		}
		c.emit(ctx, job, planmodel.StateRetrying, attempt, failureSummary(terminal), planmodel.Null)
		delay := c.backoff(attempt + 1)
		log.Info("Step failed, scheduling retry", "delay", delay, "error", terminal.Err)
		c.retry(ctx, msg, queue.RetryOptions{DelayMs: int(delay.Milliseconds())})

	default:
		completion := planmodel.Completion{
			PlanID:  job.PlanID,
			StepID:  job.Step.ID,
			State:   planmodel.StateFailed,
			Summary: failureSummary(terminal),
		}
		if err := c.publishCompletion(ctx, job, completion); err != nil {
			log.Error("Failed to publish failure, retrying delivery", "error", err)
			c.retry(ctx, msg, queue.RetryOptions{DelayMs: int(c.cfg.BaseBackoff.Milliseconds())})
			return
		}
		log.Warn("Step failed permanently", "error", terminal.Err)
		c.ack(ctx, msg)
	}
}

// invoke runs the tool agent under the step timeout, draining progress
// events until the terminal one. Timeouts classify as retryable.
func (c *Consumer) invoke(ctx context.Context, job planmodel.StepJob) toolagent.ToolEvent {
	timeout := time.Duration(job.Step.TimeoutSeconds) * time.Second
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var terminal toolagent.ToolEvent
	run := func(ctx context.Context) (cost.Usage, error) {
		ev, err := c.drainAgent(ctx, job)
		terminal = ev
		return cost.Usage{PromptTokens: ev.PromptTokens, CompletionTokens: ev.CompletionTokens}, err
	}

	if c.tracker != nil {
		md := cost.OperationMetadata{
			Operation: job.Step.Tool,
			PlanID:    job.PlanID,
			StepID:    job.Step.ID,
		}
		if job.Subject != nil {
			md.TenantID = job.Subject.TenantID
		}
		md.Provider, md.Model = providerModel(job.Step.Metadata)
		_, _ = c.tracker.TrackOperation(invokeCtx, md, run)
	} else {
		_, _ = run(invokeCtx)
	}
	return terminal
}

// drainAgent consumes the agent's event stream and returns its terminal
// event.
func (c *Consumer) drainAgent(ctx context.Context, job planmodel.StepJob) (toolagent.ToolEvent, error) {
	stream, err := c.agent.Invoke(ctx, toolagent.StepInvocation{
		PlanID:         job.PlanID,
		StepID:         job.Step.ID,
		Action:         job.Step.Action,
		Tool:           job.Step.Tool,
		Input:          job.Step.Input,
		TimeoutSeconds: job.Step.TimeoutSeconds,
		Subject:        job.Subject,
	})
	if err != nil {
		// failure to reach the agent at all is transport-class: retryable
		return toolagent.ToolEvent{State: toolagent.EventFailed, Err: err, Retryable: true}, err
	}

	for {
		select {
		case <-ctx.Done():
			return toolagent.ToolEvent{
				State:     toolagent.EventFailed,
				Err:       fmt.Errorf("step timed out after %ds: %w", job.Step.TimeoutSeconds, ctx.Err()),
				Retryable: true,
			}, ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return toolagent.ToolEvent{
					State:     toolagent.EventFailed,
					Err:       errors.New("tool agent stream closed without terminal event"),
					Retryable: true,
				}, nil
			}
			if ev.Terminal() {
				return ev, ev.Err
			}
		}
	}
}

func (c *Consumer) publishCompletion(ctx context.Context, job planmodel.StepJob, completion planmodel.Completion) error {
	payload, err := json.Marshal(completion)
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}
	return c.queue.Enqueue(ctx, queue.PlanCompletionsQueue, payload, queue.EnqueueOptions{
		IdempotencyKey: planmodel.IdempotencyKey(job.PlanID, job.Step.ID),
		PartitionKey:   job.PlanID,
		Headers: map[string]string{
			queue.HeaderTraceID:   job.TraceID,
			queue.HeaderRequestID: job.RequestID,
		},
	})
}

func (c *Consumer) emit(ctx context.Context, job planmodel.StepJob, state planmodel.StepState, attempt int, summary string, output planmodel.Value) {
	body := events.StepBody(job.Step, state, attempt, summary)
	body.Output = output
	event := events.NewPlanStepEvent(job.TraceID, job.RequestID, job.PlanID, body)
	if err := c.bus.Publish(ctx, events.PlanChannel, event); err != nil {
		slog.Warn("Failed to publish step event",
			"plan_id", job.PlanID, "step_id", job.Step.ID, "state", state, "error", err)
	}
}

func (c *Consumer) ack(ctx context.Context, msg *queue.Message) {
	if err := msg.Ack(ctx); err != nil {
		slog.Error("Ack failed", "message_id", msg.ID, "error", err)
	}
}

func (c *Consumer) retry(ctx context.Context, msg *queue.Message, opts queue.RetryOptions) {
	if err := msg.Retry(ctx, opts); err != nil {
		slog.Error("Retry failed", "message_id", msg.ID, "error", err)
	}
}

func failureSummary(ev toolagent.ToolEvent) string {
	if ev.Summary != "" {
		return ev.Summary
	}
	if ev.Err != nil {
		return ev.Err.Error()
	}
	return "tool execution failed"
}

// providerModel extracts optional provider/model hints from step metadata
// for cost attribution.
func providerModel(metadata planmodel.Value) (provider, model string) {
	if metadata.Kind != planmodel.KindMapping {
		return "", ""
	}
	if v, ok := metadata.Mapping["provider"]; ok && v.Kind == planmodel.KindString {
		provider = v.String
	}
	if v, ok := metadata.Mapping["model"]; ok && v.Kind == planmodel.KindString {
		model = v.String
	}
	return provider, model
}
