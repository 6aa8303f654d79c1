package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

func testEvent(planID, stepID string, state planmodel.StepState) PlanStepEvent {
	step := planmodel.Step{ID: stepID, Action: "a", Tool: "t", Capability: "c", TimeoutSeconds: 5}
	return NewPlanStepEvent("trace-1", "req-1", planID, StepBody(step, state, 0, ""))
}

func TestInMemoryBusFanOut(t *testing.T) {
	bus := NewInMemoryBus()
	defer func() { _ = bus.Close() }()

	ctx := context.Background()
	ch1, unsub1, err := bus.Subscribe(ctx, PlanChannel)
	require.NoError(t, err)
	defer unsub1()
	ch2, unsub2, err := bus.Subscribe(ctx, PlanChannel)
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, bus.Publish(ctx, PlanChannel, testEvent("p1", "s1", planmodel.StateQueued)))

	for _, ch := range []<-chan PlanStepEvent{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "p1", got.PlanID)
			assert.Equal(t, planmodel.StateQueued, got.Step.State)
			assert.Equal(t, EventTypePlanStep, got.Event)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestInMemoryBusChannelIsolation(t *testing.T) {
	bus := NewInMemoryBus()
	defer func() { _ = bus.Close() }()

	ctx := context.Background()
	other, unsub, err := bus.Subscribe(ctx, "other.channel")
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, bus.Publish(ctx, PlanChannel, testEvent("p1", "s1", planmodel.StateQueued)))

	select {
	case <-other:
		t.Fatal("event leaked across channels")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewInMemoryBus()
	defer func() { _ = bus.Close() }()

	ctx := context.Background()
	ch, unsub, err := bus.Subscribe(ctx, PlanChannel)
	require.NoError(t, err)
	unsub()

	require.NoError(t, bus.Publish(ctx, PlanChannel, testEvent("p1", "s1", planmodel.StateQueued)))

	_, open := <-ch
	assert.False(t, open)
}

func TestEventOccurredAtIsRFC3339(t *testing.T) {
	ev := testEvent("p1", "s1", planmodel.StateCompleted)
	_, err := time.Parse(time.RFC3339, ev.OccurredAt)
	assert.NoError(t, err)
}

func TestTruncateIfNeededKeepsRoutingFields(t *testing.T) {
	ev := testEvent("p1", "s1", planmodel.StateCompleted)
	ev.Step.Output = planmodel.StringValue(strings.Repeat("x", 10_000))
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	require.Greater(t, len(payload), notifyPayloadLimit)

	truncated, err := truncateIfNeeded(payload)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(truncated), notifyPayloadLimit)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(truncated), &envelope))
	assert.Equal(t, true, envelope["truncated"])
	assert.Equal(t, "p1", envelope["planId"])
	step := envelope["step"].(map[string]any)
	assert.Equal(t, "s1", step["id"])
	assert.Equal(t, "completed", step["state"])
}
