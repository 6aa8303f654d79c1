// Package policy is the pluggable decision layer consulted before any step
// is queued. The enforcer is a pure decision function over the step,
// the approvals map, and the subject; an optional cache short-circuits
// repeated evaluations.
package policy

import (
	"context"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

// Deny reasons the scheduler distinguishes.
const (
	// ReasonApprovalRequired parks the step in waiting_approval instead of
	// failing it.
	ReasonApprovalRequired = "approval_required"
	// ReasonMissingCapability is a blocking deny: the subject cannot hold
	// this capability at all.
	ReasonMissingCapability = "missing_capability"
)

// DenyEntry is one reason a step is not (yet) allowed to run.
type DenyEntry struct {
	Reason     string `json:"reason"`
	Capability string `json:"capability,omitempty"`
}

// Decision is the enforcer's verdict on one step.
type Decision struct {
	Allow bool        `json:"allow"`
	Deny  []DenyEntry `json:"deny,omitempty"`
}

// Blocking returns the deny entries that fail the step outright (everything
// except approval_required).
func (d Decision) Blocking() []DenyEntry {
	var out []DenyEntry
	for _, e := range d.Deny {
		if e.Reason != ReasonApprovalRequired {
			out = append(out, e)
		}
	}
	return out
}

// Input carries the evaluation context for one step.
type Input struct {
	PlanID    string
	TraceID   string
	Approvals map[string]bool
	Subject   *planmodel.Subject
}

// Enforcer decides whether a step may run.
type Enforcer interface {
	// EnforcePlanStep returns Allow == true iff Deny is empty, or every
	// deny entry is approval_required and the step itself demands approval.
	EnforcePlanStep(ctx context.Context, step planmodel.Step, in Input) (Decision, error)
}

// finalize derives Allow from the collected deny entries per the contract
// above. Shared by the rule engine and any custom Enforcer built on it.
func finalize(step planmodel.Step, deny []DenyEntry) Decision {
	if len(deny) == 0 {
		return Decision{Allow: true}
	}
	if step.ApprovalRequired {
		allApproval := true
		for _, e := range deny {
			if e.Reason != ReasonApprovalRequired {
				allApproval = false
				break
			}
		}
		if allApproval {
			return Decision{Allow: true, Deny: deny}
		}
	}
	return Decision{Allow: false, Deny: deny}
}
