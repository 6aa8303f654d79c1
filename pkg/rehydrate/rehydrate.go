// Package rehydrate restores in-flight state after a restart: every
// non-terminal persisted step is re-registered in the scheduler's hot
// registry, session file locks are re-acquired, and interrupted work is
// re-published under its original idempotency key — so a job that made it
// onto the queue before the crash is never duplicated.
package rehydrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/codeready-toolchain/planexec/pkg/events"
	"github.com/codeready-toolchain/planexec/pkg/planmodel"
	"github.com/codeready-toolchain/planexec/pkg/planstore"
	"github.com/codeready-toolchain/planexec/pkg/queue"
	"github.com/codeready-toolchain/planexec/pkg/scheduler"
)

// Run performs the startup rehydration pass. Call before the consumers
// start dispatching.
func Run(ctx context.Context, store planstore.Store, manager *scheduler.Manager, adapter queue.Adapter, bus events.Bus) error {
	entries, err := store.ListActiveSteps(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active steps: %w", err)
	}

	restored := 0
	for _, entry := range entries {
		manager.RestoreEntry(ctx, entry)

		switch entry.State {
		case planmodel.StateWaitingApproval:
			// parked steps stay parked; surface them without enqueueing
			emit(ctx, bus, entry, planmodel.StateWaitingApproval, "Awaiting approval (rehydrated)")

		case planmodel.StateQueued, planmodel.StateRetrying:
			if err := republish(ctx, adapter, entry); err != nil {
				return err
			}

		case planmodel.StateRunning:
			if err := republish(ctx, adapter, entry); err != nil {
				return err
			}
			emit(ctx, bus, entry, planmodel.StateQueued, "Retry enqueued after restart")
		}
		restored++
	}

	if restored > 0 {
		slog.Info("Rehydration complete", "steps", restored)
	}
	return nil
}

// republish puts the persisted job back on the steps queue. The persisted
// idempotency key plus the dedupe service suppress a duplicate when the
// original enqueue survived the crash.
func republish(ctx context.Context, adapter queue.Adapter, entry planmodel.PersistedStepEntry) error {
	job := planmodel.StepJob{
		PlanID:    entry.PlanID,
		Step:      entry.Step,
		Attempt:   entry.Attempt,
		CreatedAt: entry.CreatedAt,
		TraceID:   entry.TraceID,
		RequestID: entry.RequestID,
		Subject:   entry.Subject,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal rehydrated job: %w", err)
	}
	if err := adapter.Enqueue(ctx, queue.PlanStepsQueue, payload, queue.EnqueueOptions{
		IdempotencyKey: entry.IdempotencyKey,
		PartitionKey:   entry.PlanID,
		Headers: map[string]string{
			queue.HeaderTraceID:   entry.TraceID,
			queue.HeaderRequestID: entry.RequestID,
			queue.HeaderAttempts:  strconv.Itoa(entry.Attempt),
		},
	}); err != nil {
		return fmt.Errorf("failed to re-enqueue %s: %w", entry.IdempotencyKey, err)
	}
	return nil
}

func emit(ctx context.Context, bus events.Bus, entry planmodel.PersistedStepEntry, state planmodel.StepState, summary string) {
	body := events.StepBody(entry.Step, state, entry.Attempt, summary)
	body.Approvals = entry.Approvals
	event := events.NewPlanStepEvent(entry.TraceID, entry.RequestID, entry.PlanID, body)
	if err := bus.Publish(ctx, events.PlanChannel, event); err != nil {
		slog.Warn("Failed to publish rehydration event",
			"plan_id", entry.PlanID, "step_id", entry.Step.ID, "error", err)
	}
}
