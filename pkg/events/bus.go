// Package events is the outbound plan event bus: every step state change
// publishes a PlanStepEvent. Delivery is at-least-once and not transactional
// with state persistence — events are emitted after successful state writes,
// and consumers dedupe on (planId, stepId, state, attempt).
package events

import (
	"context"
	"time"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

// PlanChannel is the bus channel carrying plan step events.
const PlanChannel = "plan.steps"

// EventTypePlanStep is the event discriminator on the wire.
const EventTypePlanStep = "plan.step"

// StepEventBody is the step snapshot carried on a PlanStepEvent.
type StepEventBody struct {
	ID               string              `json:"id"`
	Action           string              `json:"action"`
	Tool             string              `json:"tool"`
	Capability       string              `json:"capability"`
	CapabilityLabel  string              `json:"capabilityLabel,omitempty"`
	Labels           []string            `json:"labels,omitempty"`
	TimeoutSeconds   int                 `json:"timeoutSeconds"`
	ApprovalRequired bool                `json:"approvalRequired"`
	State            planmodel.StepState `json:"state"`
	Attempt          *int                `json:"attempt,omitempty"`
	Summary          string              `json:"summary,omitempty"`
	Output           planmodel.Value     `json:"output,omitempty"`
	Approvals        map[string]bool     `json:"approvals,omitempty"`
}

// PlanStepEvent is one state change on the plan event bus.
type PlanStepEvent struct {
	Event      string        `json:"event"`
	TraceID    string        `json:"traceId"`
	RequestID  string        `json:"requestId,omitempty"`
	PlanID     string        `json:"planId"`
	OccurredAt string        `json:"occurredAt"`
	Step       StepEventBody `json:"step"`
}

// NewPlanStepEvent stamps a PlanStepEvent with the discriminator and the
// RFC3339 wall-clock time.
func NewPlanStepEvent(traceID, requestID, planID string, step StepEventBody) PlanStepEvent {
	return PlanStepEvent{
		Event:      EventTypePlanStep,
		TraceID:    traceID,
		RequestID:  requestID,
		PlanID:     planID,
		OccurredAt: time.Now().Format(time.RFC3339),
		Step:       step,
	}
}

// Unsubscribe detaches a subscription.
type Unsubscribe func()

// Bus publishes and delivers plan step events.
type Bus interface {
	Publish(ctx context.Context, channel string, event PlanStepEvent) error
	Subscribe(ctx context.Context, channel string) (<-chan PlanStepEvent, Unsubscribe, error)
	Close() error
}

// StepBody builds the event body for a step in the given state.
func StepBody(step planmodel.Step, state planmodel.StepState, attempt int, summary string) StepEventBody {
	a := attempt
	return StepEventBody{
		ID:               step.ID,
		Action:           step.Action,
		Tool:             step.Tool,
		Capability:       step.Capability,
		CapabilityLabel:  step.CapabilityLabel,
		Labels:           step.Labels,
		TimeoutSeconds:   step.TimeoutSeconds,
		ApprovalRequired: step.ApprovalRequired,
		State:            state,
		Attempt:          &a,
		Summary:          summary,
	}
}
