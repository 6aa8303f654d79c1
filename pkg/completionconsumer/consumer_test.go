package completionconsumer_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/planexec/pkg/completionconsumer"
	"github.com/codeready-toolchain/planexec/pkg/events"
	"github.com/codeready-toolchain/planexec/pkg/lock"
	"github.com/codeready-toolchain/planexec/pkg/planmodel"
	"github.com/codeready-toolchain/planexec/pkg/planstore"
	"github.com/codeready-toolchain/planexec/pkg/policy"
	"github.com/codeready-toolchain/planexec/pkg/queue"
	"github.com/codeready-toolchain/planexec/pkg/scheduler"
)

type harness struct {
	t       *testing.T
	store   *planstore.FileStore
	adapter *queue.MemoryAdapter
	manager *scheduler.Manager

	mu     sync.Mutex
	events []events.PlanStepEvent
	dead   []*queue.Message
}

func newHarness(t *testing.T, contentCapture bool) *harness {
	t.Helper()

	store, err := planstore.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	adapter := queue.NewMemoryAdapter(queue.MemoryAdapterOptions{})
	bus := events.NewInMemoryBus()
	enforcer := policy.NewRuleEnforcer([]policy.CapabilityRule{{Capability: "repo.read"}}, nil)
	locker := lock.NewMemoryLocker()
	manager := scheduler.NewManager(store, adapter, locker, enforcer, bus, nil, scheduler.Options{})

	h := &harness{t: t, store: store, adapter: adapter, manager: manager}

	ctx, cancel := context.WithCancel(context.Background())

	stream, unsub, err := bus.Subscribe(ctx, events.PlanChannel)
	require.NoError(t, err)
	go func() {
		for ev := range stream {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		}
	}()

	require.NoError(t, adapter.Consume(ctx, queue.PlanCompletionsQueue+queue.DeadLetterSuffix,
		func(ctx context.Context, msg *queue.Message) {
			h.mu.Lock()
			h.dead = append(h.dead, msg)
			h.mu.Unlock()
			require.NoError(t, msg.Ack(ctx))
		}))

	consumer := completionconsumer.New(manager, adapter, contentCapture)
	require.NoError(t, consumer.Start(ctx))

	t.Cleanup(func() {
		cancel()
		unsub()
		_ = bus.Close()
		_ = adapter.Close()
		_ = store.Close()
		_ = locker.Close()
	})
	return h
}

func (h *harness) seedRunningStep(ctx context.Context, planID, stepID, traceID string) {
	h.t.Helper()
	step := planmodel.Step{ID: stepID, Action: "act", Tool: "tool.x", Capability: "repo.read", TimeoutSeconds: 5}
	require.NoError(h.t, h.store.RememberStep(ctx, planID, step, traceID, planstore.RememberStepOptions{
		InitialState:   planmodel.StateQueued,
		IdempotencyKey: planmodel.IdempotencyKey(planID, stepID),
	}))
	require.NoError(h.t, h.store.SetState(ctx, planID, stepID, planmodel.StateRunning, planstore.SetStateOptions{}))
}

func (h *harness) publishCompletion(ctx context.Context, completion planmodel.Completion, headers map[string]string) {
	h.t.Helper()
	payload, err := json.Marshal(completion)
	require.NoError(h.t, err)
	require.NoError(h.t, h.adapter.Enqueue(ctx, queue.PlanCompletionsQueue, payload, queue.EnqueueOptions{Headers: headers}))
}

func TestMismatchedTraceIsDeadLettered(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.seedRunningStep(ctx, "p6", "s1", "mine")

	h.publishCompletion(ctx, planmodel.Completion{
		PlanID: "p6", StepID: "s1", State: planmodel.StateCompleted, Summary: "done",
	}, map[string]string{
		queue.HeaderTraceID:        "other",
		queue.HeaderIdempotencyKey: "p6:s1",
	})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.dead) == 1
	}, 5*time.Second, 5*time.Millisecond)

	h.mu.Lock()
	assert.Equal(t, completionconsumer.ReasonMismatch, h.dead[0].Headers[queue.HeaderDeadLetterReason])
	h.mu.Unlock()

	// no state change survived the mismatch
	entry, err := h.store.GetEntry(ctx, "p6", "s1")
	require.NoError(t, err)
	assert.Equal(t, planmodel.StateRunning, entry.State)
}

func TestMissingIdempotencyHeaderIsDeadLettered(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.seedRunningStep(ctx, "p6b", "s1", "mine")

	// trace matches but the idempotency header is absent
	h.publishCompletion(ctx, planmodel.Completion{
		PlanID: "p6b", StepID: "s1", State: planmodel.StateCompleted,
	}, map[string]string{
		queue.HeaderTraceID: "mine",
	})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.dead) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestOrphanCompletionIsAckDropped(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.publishCompletion(ctx, planmodel.Completion{
		PlanID: "ghost", StepID: "s1", State: planmodel.StateCompleted,
	}, nil)

	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	assert.Empty(t, h.dead)
	assert.Empty(t, h.events)
	h.mu.Unlock()
}

func TestContentCaptureOffDropsOutput(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	h.seedRunningStep(ctx, "p7", "s1", "mine")

	output := planmodel.MappingValue(map[string]planmodel.Value{"text": planmodel.StringValue("secret")})
	h.publishCompletion(ctx, planmodel.Completion{
		PlanID: "p7", StepID: "s1", State: planmodel.StateCompleted, Summary: "done", Output: output,
	}, map[string]string{
		queue.HeaderTraceID:        "mine",
		queue.HeaderIdempotencyKey: "p7:s1",
	})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, ev := range h.events {
			if ev.Step.State == planmodel.StateCompleted {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	h.mu.Lock()
	for _, ev := range h.events {
		if ev.Step.State == planmodel.StateCompleted {
			assert.True(t, ev.Step.Output.IsNull(), "output must not cross the boundary when capture is off")
		}
	}
	h.mu.Unlock()
}

func TestContentCaptureOnForwardsOutput(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.seedRunningStep(ctx, "p7b", "s1", "mine")

	output := planmodel.MappingValue(map[string]planmodel.Value{"text": planmodel.StringValue("hello")})
	h.publishCompletion(ctx, planmodel.Completion{
		PlanID: "p7b", StepID: "s1", State: planmodel.StateCompleted, Summary: "done", Output: output,
	}, map[string]string{
		queue.HeaderTraceID:        "mine",
		queue.HeaderIdempotencyKey: "p7b:s1",
	})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, ev := range h.events {
			if ev.Step.State == planmodel.StateCompleted && !ev.Step.Output.IsNull() {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func TestFailedCompletionHaltsAndCleans(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.seedRunningStep(ctx, "p8", "s1", "mine")

	h.publishCompletion(ctx, planmodel.Completion{
		PlanID: "p8", StepID: "s1", State: planmodel.StateFailed, Summary: "tool exploded",
	}, map[string]string{
		queue.HeaderTraceID:        "mine",
		queue.HeaderIdempotencyKey: "p8:s1",
	})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, ev := range h.events {
			if ev.Step.State == planmodel.StateFailed {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := h.store.GetEntry(ctx, "p8", "s1")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}
