package planmodel

import "time"

// Plan is an ordered sequence of capability-bearing Steps submitted for
// execution. Immutable once submitted.
type Plan struct {
	ID              string   `json:"id"`
	Goal            string   `json:"goal"`
	Steps           []Step   `json:"steps"`
	SuccessCriteria []string `json:"successCriteria,omitempty"`
}

// Step is a unit of work bound to one tool invocation and one capability.
type Step struct {
	ID               string   `json:"id"`
	Action           string   `json:"action"`
	Tool             string   `json:"tool"`
	Capability       string   `json:"capability"`
	CapabilityLabel  string   `json:"capabilityLabel,omitempty"`
	Labels           []string `json:"labels,omitempty"`
	TimeoutSeconds   int      `json:"timeoutSeconds"`
	ApprovalRequired bool     `json:"approvalRequired"`
	Input            Value    `json:"input,omitempty"`
	Metadata         Value    `json:"metadata,omitempty"`
}

// Subject is the authenticated identity on whose behalf a step executes.
type Subject struct {
	SessionID string   `json:"sessionId,omitempty"`
	TenantID  string   `json:"tenantId,omitempty"`
	UserID    string   `json:"userId,omitempty"`
	Email     string   `json:"email,omitempty"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

// StepJob is the payload transported on the steps queue.
type StepJob struct {
	PlanID    string    `json:"planId"`
	Step      Step      `json:"step"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"createdAt"`
	TraceID   string    `json:"traceId"`
	RequestID string    `json:"requestId"`
	Subject   *Subject  `json:"subject,omitempty"`
}

// StepState is a value in the step lifecycle state machine (see
// transitions.go for the transition graph).
type StepState string

const (
	StateWaitingApproval StepState = "waiting_approval"
	StateQueued          StepState = "queued"
	StateRunning         StepState = "running"
	StateRetrying        StepState = "retrying"
	StateCompleted       StepState = "completed"
	StateFailed          StepState = "failed"
	StateRejected        StepState = "rejected"

	// StateApproved is an event-only marker published when an approval is
	// granted; it is never persisted — the entry moves straight from
	// waiting_approval to queued.
	StateApproved StepState = "approved"
)

// Terminal reports whether s is a terminal state the lifecycle never leaves.
func (s StepState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected:
		return true
	default:
		return false
	}
}

// InFlight reports whether s counts toward the at-most-one-in-flight
// invariant.
func (s StepState) InFlight() bool {
	switch s {
	case StateQueued, StateRunning, StateRetrying:
		return true
	default:
		return false
	}
}

// Completion is the payload on the completions queue.
type Completion struct {
	PlanID    string          `json:"planId"`
	StepID    string          `json:"stepId"`
	State     StepState       `json:"state"`
	Summary   string          `json:"summary,omitempty"`
	Output    Value           `json:"output,omitempty"`
	Approvals map[string]bool `json:"approvals,omitempty"`
}

// PersistedStepEntry is the durable record of one step's lifecycle state,
// owned exclusively by the Plan State Store.
type PersistedStepEntry struct {
	PlanID         string          `json:"planId"`
	Step           Step            `json:"step"`
	State          StepState       `json:"state"`
	Attempt        int             `json:"attempt"`
	CreatedAt      time.Time       `json:"createdAt"`
	TraceID        string          `json:"traceId"`
	RequestID      string          `json:"requestId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Approvals      map[string]bool `json:"approvals,omitempty"`
	Subject        *Subject        `json:"subject,omitempty"`
	Output         Value           `json:"output,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// PlanStepDescriptor is one entry in PlanMetadata.Steps.
type PlanStepDescriptor struct {
	Step      Step      `json:"step"`
	CreatedAt time.Time `json:"createdAt"`
	Attempt   int       `json:"attempt"`
	RequestID string    `json:"requestId"`
	Subject   *Subject  `json:"subject,omitempty"`
}

// PlanMetadata is the per-plan cursor and step-order record owned by the
// Plan State Store.
type PlanMetadata struct {
	PlanID             string               `json:"planId"`
	TraceID            string               `json:"traceId"`
	RequestID          string               `json:"requestId"`
	Steps              []PlanStepDescriptor `json:"steps"`
	NextStepIndex      int                  `json:"nextStepIndex"`
	LastCompletedIndex int                  `json:"lastCompletedIndex"`
}

// IdempotencyKey returns the stable key "{planId}:{stepId}" used by the queue
// adapter and the state store to suppress duplicate work.
func IdempotencyKey(planID, stepID string) string {
	return planID + ":" + stepID
}
