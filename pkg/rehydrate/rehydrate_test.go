package rehydrate_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/planexec/pkg/dedupe"
	"github.com/codeready-toolchain/planexec/pkg/events"
	"github.com/codeready-toolchain/planexec/pkg/lock"
	"github.com/codeready-toolchain/planexec/pkg/planmodel"
	"github.com/codeready-toolchain/planexec/pkg/planstore"
	"github.com/codeready-toolchain/planexec/pkg/policy"
	"github.com/codeready-toolchain/planexec/pkg/queue"
	"github.com/codeready-toolchain/planexec/pkg/rehydrate"
	"github.com/codeready-toolchain/planexec/pkg/scheduler"
)

type harness struct {
	t       *testing.T
	store   *planstore.FileStore
	claimer *dedupe.MemoryClaimer
	adapter *queue.MemoryAdapter
	bus     *events.InMemoryBus
	manager *scheduler.Manager

	mu     sync.Mutex
	jobs   []*queue.Message
	events []events.PlanStepEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := planstore.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	claimer := dedupe.NewMemoryClaimer()
	adapter := queue.NewMemoryAdapter(queue.MemoryAdapterOptions{Dedupe: claimer, DedupeTTL: time.Minute})
	bus := events.NewInMemoryBus()
	enforcer := policy.NewRuleEnforcer([]policy.CapabilityRule{{Capability: "repo.read"}}, nil)
	locker := lock.NewMemoryLocker()
	manager := scheduler.NewManager(store, adapter, locker, enforcer, bus, nil, scheduler.Options{})

	h := &harness{t: t, store: store, claimer: claimer, adapter: adapter, bus: bus, manager: manager}

	ctx, cancel := context.WithCancel(context.Background())

	// collect re-published step jobs without executing them
	require.NoError(t, adapter.Consume(ctx, queue.PlanStepsQueue, func(ctx context.Context, msg *queue.Message) {
		h.mu.Lock()
		h.jobs = append(h.jobs, msg)
		h.mu.Unlock()
		require.NoError(t, msg.Ack(ctx))
	}))

	stream, unsub, err := bus.Subscribe(ctx, events.PlanChannel)
	require.NoError(t, err)
	go func() {
		for ev := range stream {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		unsub()
		_ = bus.Close()
		_ = adapter.Close()
		_ = store.Close()
		_ = claimer.Close()
		_ = locker.Close()
	})
	return h
}

func (h *harness) persistEntry(ctx context.Context, planID, stepID string, state planmodel.StepState, attempt int) {
	h.t.Helper()
	step := planmodel.Step{ID: stepID, Action: "act", Tool: "tool.x", Capability: "repo.read", TimeoutSeconds: 5}
	require.NoError(h.t, h.store.RememberStep(ctx, planID, step, "trace-5", planstore.RememberStepOptions{
		InitialState:   planmodel.StateQueued,
		IdempotencyKey: planmodel.IdempotencyKey(planID, stepID),
		Attempt:        attempt,
	}))
	switch state {
	case planmodel.StateRunning:
		require.NoError(h.t, h.store.SetState(ctx, planID, stepID, planmodel.StateRunning, planstore.SetStateOptions{}))
	case planmodel.StateQueued:
	default:
		h.t.Fatalf("unsupported seed state %s", state)
	}
}

func TestRehydrateRunningStepReenqueuesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.persistEntry(ctx, "p5", "s1", planmodel.StateRunning, 1)

	require.NoError(t, rehydrate.Run(ctx, h.store, h.manager, h.adapter, h.bus))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.jobs) == 1
	}, 5*time.Second, 5*time.Millisecond)

	h.mu.Lock()
	msg := h.jobs[0]
	assert.Equal(t, "p5:s1", msg.Headers[queue.HeaderIdempotencyKey])
	var job planmodel.StepJob
	require.NoError(t, json.Unmarshal(msg.Payload, &job))
	assert.Equal(t, 1, job.Attempt)
	h.mu.Unlock()

	// the rehydrated running step surfaces as a queued retry
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, ev := range h.events {
			if ev.Step.ID == "s1" && ev.Step.State == planmodel.StateQueued &&
				strings.Contains(ev.Step.Summary, "Retry enqueued") {
				return ev.Step.Attempt != nil && *ev.Step.Attempt == 1
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRehydrateSuppressesAlreadyEnqueuedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.persistEntry(ctx, "p5", "s1", planmodel.StateQueued, 0)

	// the crash happened after a successful enqueue: the dedupe claim exists
	require.True(t, h.claimer.Claim(ctx, queue.PlanStepsQueue+"|p5:s1", time.Minute))

	require.NoError(t, rehydrate.Run(ctx, h.store, h.manager, h.adapter, h.bus))

	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	assert.Empty(t, h.jobs, "a job enqueued before the crash must not be duplicated")
	h.mu.Unlock()
}

func TestRehydrateWaitingApprovalEmitsWithoutEnqueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	step := planmodel.Step{ID: "s1", Action: "act", Tool: "tool.x", Capability: "repo.read", TimeoutSeconds: 5, ApprovalRequired: true}
	require.NoError(t, h.store.RememberStep(ctx, "p5a", step, "trace-5a", planstore.RememberStepOptions{
		InitialState:   planmodel.StateWaitingApproval,
		IdempotencyKey: "p5a:s1",
	}))

	require.NoError(t, rehydrate.Run(ctx, h.store, h.manager, h.adapter, h.bus))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, ev := range h.events {
			if ev.Step.ID == "s1" && ev.Step.State == planmodel.StateWaitingApproval &&
				strings.Contains(ev.Step.Summary, "rehydrated") {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	h.mu.Lock()
	assert.Empty(t, h.jobs)
	h.mu.Unlock()
}

func TestOrphanWatcherRecoversStaleStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.persistEntry(ctx, "p5o", "s1", planmodel.StateRunning, 0)

	watcher := rehydrate.NewOrphanWatcher(h.store, h.adapter, h.bus, 10*time.Millisecond, 0)
	watcher.Start(ctx)
	defer watcher.Stop()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.jobs) >= 1
	}, 5*time.Second, 5*time.Millisecond)

	_, recovered := watcher.Stats()
	assert.GreaterOrEqual(t, recovered, 1)
}

func TestRehydrateRestoresRegistryForCompletionGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.persistEntry(ctx, "p5r", "s1", planmodel.StateRunning, 0)
	require.NoError(t, rehydrate.Run(ctx, h.store, h.manager, h.adapter, h.bus))

	sc, err := h.manager.LookupStep(ctx, "p5r", "s1")
	require.NoError(t, err)
	assert.Equal(t, "trace-5", sc.TraceID)
	assert.False(t, sc.InFlight)
}
