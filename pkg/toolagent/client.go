// Package toolagent is the contract to the external tool execution agent.
// The agent itself is out of scope; the orchestrator reaches it only through
// the Client interface, and a scriptable in-process stub ships for tests and
// embedded deployments.
package toolagent

import (
	"context"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

// EventState is the lifecycle marker on a ToolEvent.
type EventState string

const (
	EventRunning   EventState = "running"
	EventCompleted EventState = "completed"
	EventFailed    EventState = "failed"
)

// StepInvocation is one tool call handed to the agent.
type StepInvocation struct {
	PlanID         string
	StepID         string
	Action         string
	Tool           string
	Input          planmodel.Value
	TimeoutSeconds int
	Subject        *planmodel.Subject
}

// ToolEvent is one progress or terminal record from the agent. The final
// event of a stream carries Completed or Failed; a failed terminal event
// says whether the failure is worth retrying.
type ToolEvent struct {
	State     EventState
	Summary   string
	Output    planmodel.Value
	Err       error
	Retryable bool

	// Token usage reported on the terminal event, for cost attribution.
	PromptTokens     int
	CompletionTokens int
}

// Terminal reports whether this event ends the stream.
func (e ToolEvent) Terminal() bool {
	return e.State == EventCompleted || e.State == EventFailed
}

// Client invokes tools on the external agent. The returned channel yields
// zero or more progress events followed by exactly one terminal event, then
// closes. Implementations must honor ctx cancellation by emitting a failed
// terminal event and closing.
type Client interface {
	Invoke(ctx context.Context, inv StepInvocation) (<-chan ToolEvent, error)
}
