package toolagent

import (
	"context"
	"fmt"
	"sync"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

// Outcome scripts one invocation's result in a StubClient.
type Outcome struct {
	Summary   string
	Output    planmodel.Value
	Err       error
	Retryable bool
	// Progress events emitted before the terminal one.
	Progress []ToolEvent
}

// StubClient is a deterministic in-process Client. Each step id is scripted
// with a sequence of outcomes consumed one per invocation; the last outcome
// repeats once the script is exhausted. Unscripted steps succeed.
type StubClient struct {
	mu       sync.Mutex
	scripts  map[string][]Outcome
	consumed map[string]int
	calls    []StepInvocation
}

// NewStubClient creates an empty stub; every invocation succeeds until
// scripted otherwise.
func NewStubClient() *StubClient {
	return &StubClient{
		scripts:  make(map[string][]Outcome),
		consumed: make(map[string]int),
	}
}

// Script sets the outcome sequence for one step id.
func (c *StubClient) Script(stepID string, outcomes ...Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[stepID] = outcomes
}

// Calls returns every invocation seen so far.
func (c *StubClient) Calls() []StepInvocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StepInvocation(nil), c.calls...)
}

// CallCount returns how many times a step id was invoked.
func (c *StubClient) CallCount(stepID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, inv := range c.calls {
		if inv.StepID == stepID {
			n++
		}
	}
	return n
}

// Invoke replays the scripted outcome for the step.
func (c *StubClient) Invoke(ctx context.Context, inv StepInvocation) (<-chan ToolEvent, error) {
	c.mu.Lock()
	c.calls = append(c.calls, inv)
	outcome := Outcome{Summary: fmt.Sprintf("%s ok", inv.Tool)}
	if script, ok := c.scripts[inv.StepID]; ok && len(script) > 0 {
		i := c.consumed[inv.StepID]
		if i >= len(script) {
			i = len(script) - 1
		}
		outcome = script[i]
		c.consumed[inv.StepID]++
	}
	c.mu.Unlock()

	out := make(chan ToolEvent, len(outcome.Progress)+1)
	go func() {
		defer close(out)
		for _, ev := range outcome.Progress {
			select {
			case <-ctx.Done():
				out <- ToolEvent{State: EventFailed, Err: ctx.Err(), Retryable: true}
				return
			case out <- ev:
			}
		}
		terminal := ToolEvent{State: EventCompleted, Summary: outcome.Summary, Output: outcome.Output}
		if outcome.Err != nil {
			terminal = ToolEvent{State: EventFailed, Summary: outcome.Summary, Err: outcome.Err, Retryable: outcome.Retryable}
		}
		select {
		case <-ctx.Done():
			out <- ToolEvent{State: EventFailed, Err: ctx.Err(), Retryable: true}
		case out <- terminal:
		}
	}()
	return out, nil
}
