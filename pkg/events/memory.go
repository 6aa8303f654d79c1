package events

import (
	"context"
	"log/slog"
	"sync"
)

// subscriberBuffer bounds each subscriber's backlog; a subscriber that falls
// further behind loses events (the bus is at-least-once, not lossless, and
// rehydration re-emits terminal-adjacent events).
const subscriberBuffer = 256

// InMemoryBus fans events out to in-process subscribers over buffered
// channels. The default bus for single-node deployments and tests.
type InMemoryBus struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan PlanStepEvent
	nextID      int
	closed      bool
}

// NewInMemoryBus creates an empty in-process bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subscribers: make(map[string]map[int]chan PlanStepEvent)}
}

// Publish delivers the event to every subscriber of the channel.
func (b *InMemoryBus) Publish(_ context.Context, channel string, event PlanStepEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for id, ch := range b.subscribers[channel] {
		select {
		case ch <- event:
		default:
			slog.Warn("Event subscriber lagging, dropping event",
				"channel", channel, "subscriber", id,
				"plan_id", event.PlanID, "step_id", event.Step.ID)
		}
	}
	return nil
}

// Subscribe attaches a new subscriber to the channel.
func (b *InMemoryBus) Subscribe(_ context.Context, channel string) (<-chan PlanStepEvent, Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan PlanStepEvent, subscriberBuffer)
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[int]chan PlanStepEvent)
	}
	id := b.nextID
	b.nextID++
	b.subscribers[channel][id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[channel][id]; ok {
			delete(b.subscribers[channel], id)
			close(sub)
		}
	}
	return ch, unsubscribe, nil
}

// Close detaches every subscriber.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = make(map[string]map[int]chan PlanStepEvent)
	return nil
}
