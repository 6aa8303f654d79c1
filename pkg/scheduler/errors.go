package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/planexec/pkg/policy"
)

// Sentinel errors for scheduler operations.
var (
	// ErrPolicyViolation indicates a blocking policy deny at submission or
	// approval time. No state change survives it.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrUnknownStep indicates the step is in neither the hot registry nor
	// the plan state store.
	ErrUnknownStep = errors.New("unknown plan step")
)

// PolicyViolationError carries the deny entries behind an ErrPolicyViolation.
type PolicyViolationError struct {
	PlanID string
	StepID string
	Deny   []policy.DenyEntry
}

func (e *PolicyViolationError) Error() string {
	reasons := make([]string, 0, len(e.Deny))
	for _, d := range e.Deny {
		if d.Capability != "" {
			reasons = append(reasons, fmt.Sprintf("%s (%s)", d.Reason, d.Capability))
		} else {
			reasons = append(reasons, d.Reason)
		}
	}
	return fmt.Sprintf("policy violation on %s:%s: %s", e.PlanID, e.StepID, strings.Join(reasons, ", "))
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrPolicyViolation
}
