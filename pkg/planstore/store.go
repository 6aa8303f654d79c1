// Package planstore is the durable record of every step's lifecycle state
// and every plan's ordered step list and cursors. Two backends ship: a
// single-file JSON document for single-node deployments and a PostgreSQL
// schema for shared deployments. Both enforce the step lifecycle transition
// graph on every state change of an existing entry; a new entry is stored
// with the initial state its caller gives.
package planstore

import (
	"context"
	"errors"
	"time"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested entry or metadata does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition indicates a state write that violates the step
	// lifecycle graph.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// RememberStepOptions carries the initial persisted fields for a step entry.
type RememberStepOptions struct {
	InitialState   planmodel.StepState
	IdempotencyKey string
	Attempt        int
	CreatedAt      time.Time
	RequestID      string
	Approvals      map[string]bool
	Subject        *planmodel.Subject
}

// SetStateOptions carries the optional fields of a state transition.
type SetStateOptions struct {
	Summary string
	Output  planmodel.Value
	// Attempt, when non-nil, advances the persisted attempt counter
	// (non-decreasing).
	Attempt *int
}

// Store is the Plan State Store contract. All operations tolerate
// concurrent callers.
type Store interface {
	RememberPlanMetadata(ctx context.Context, planID string, md planmodel.PlanMetadata) error
	GetPlanMetadata(ctx context.Context, planID string) (*planmodel.PlanMetadata, error)
	ForgetPlanMetadata(ctx context.Context, planID string) error
	// ListPlanMetadata returns every plan's metadata, for operations/debug.
	ListPlanMetadata(ctx context.Context) ([]planmodel.PlanMetadata, error)

	// RememberStep persists a step entry, idempotent by idempotency key: an
	// existing entry is updated only in ways that legitimately advance it
	// (attempt non-decreasing, state respecting the transition graph); a
	// terminal state never regresses.
	RememberStep(ctx context.Context, planID string, step planmodel.Step, traceID string, opts RememberStepOptions) error

	// SetState applies an allowed lifecycle transition; illegal transitions
	// return ErrIllegalTransition.
	SetState(ctx context.Context, planID, stepID string, state planmodel.StepState, opts SetStateOptions) error

	GetEntry(ctx context.Context, planID, stepID string) (*planmodel.PersistedStepEntry, error)
	ForgetStep(ctx context.Context, planID, stepID string) error

	// ListActiveSteps returns every entry whose state is not terminal, used
	// at startup for rehydration.
	ListActiveSteps(ctx context.Context) ([]planmodel.PersistedStepEntry, error)

	// EnsureApprovals returns the step's approvals map, empty when the entry
	// does not exist yet.
	EnsureApprovals(ctx context.Context, planID, stepID string) (map[string]bool, error)
	RecordApproval(ctx context.Context, planID, stepID, capability string, value bool) error
	ClearApprovals(ctx context.Context, planID, stepID string) error

	// RetainSubject archives a plan's subject after its registry entries are
	// gone. The archive is bounded; which subject is evicted at the cap is
	// backend-specific (the file backend drops the lexically smallest plan
	// id, the relational backend the oldest retained_at).
	RetainSubject(ctx context.Context, planID string, subject planmodel.Subject) error
	RetainedSubject(ctx context.Context, planID string) (*planmodel.Subject, error)
	ForgetRetainedSubject(ctx context.Context, planID string) error

	// Sweep removes terminal entries not updated since cutoff and prunes the
	// retained-subject archive for plans with no remaining entries. Entries
	// in waiting_approval are never pruned by age.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// applyRemember merges a RememberStep call into an existing entry in place,
// enforcing the advance-only rules shared by both backends.
func applyRemember(entry *planmodel.PersistedStepEntry, opts RememberStepOptions, now time.Time) {
	if opts.Attempt > entry.Attempt {
		entry.Attempt = opts.Attempt
	}
	if !entry.State.Terminal() && entry.State != opts.InitialState &&
		planmodel.ValidTransition(entry.State, opts.InitialState) {
		entry.State = opts.InitialState
	}
	for capability, granted := range opts.Approvals {
		if entry.Approvals == nil {
			entry.Approvals = map[string]bool{}
		}
		entry.Approvals[capability] = granted
	}
	if opts.Subject != nil {
		entry.Subject = opts.Subject
	}
	if !opts.CreatedAt.IsZero() {
		entry.CreatedAt = opts.CreatedAt
	}
	entry.UpdatedAt = now
}

// newEntry builds the persisted form of a first-time RememberStep call.
func newEntry(planID string, step planmodel.Step, traceID string, opts RememberStepOptions, now time.Time) planmodel.PersistedStepEntry {
	key := opts.IdempotencyKey
	if key == "" {
		key = planmodel.IdempotencyKey(planID, step.ID)
	}
	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	approvals := map[string]bool{}
	for capability, granted := range opts.Approvals {
		approvals[capability] = granted
	}
	return planmodel.PersistedStepEntry{
		PlanID:         planID,
		Step:           step,
		State:          opts.InitialState,
		Attempt:        opts.Attempt,
		CreatedAt:      createdAt,
		TraceID:        traceID,
		RequestID:      opts.RequestID,
		IdempotencyKey: key,
		Approvals:      approvals,
		Subject:        opts.Subject,
		UpdatedAt:      now,
	}
}
