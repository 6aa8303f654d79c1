// Package scheduler owns the plan state machine: it submits plans,
// advances per-plan cursors under the distributed plan lock, consults the
// policy enforcer, parks approval-gated steps, and enqueues runnable steps
// on the work queue. The hot registry mirrors dispatched steps per process;
// the plan state store stays authoritative.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/planexec/pkg/events"
	"github.com/codeready-toolchain/planexec/pkg/filelock"
	"github.com/codeready-toolchain/planexec/pkg/lock"
	"github.com/codeready-toolchain/planexec/pkg/planmodel"
	"github.com/codeready-toolchain/planexec/pkg/planstore"
	"github.com/codeready-toolchain/planexec/pkg/policy"
	"github.com/codeready-toolchain/planexec/pkg/queue"
)

// Approval decisions accepted by ResolvePlanStepApproval.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Options tunes the manager.
type Options struct {
	// LockTTL is the distributed plan lock's expiry; it must exceed the
	// worst-case cursor-advance critical section.
	LockTTL time.Duration
	// LockWait bounds how long lock acquisition blocks before returning a
	// transient error.
	LockWait time.Duration
}

func (o *Options) applyDefaults() {
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 10 * time.Second
	}
}

// Manager is the plan queue manager.
type Manager struct {
	store    planstore.Store
	queue    queue.Adapter
	locks    lock.Locker
	enforcer policy.Enforcer
	bus      events.Bus
	files    *filelock.SessionLockManager // nil disables session file locks
	opts     Options

	mu             sync.Mutex
	approvalsCache map[string]map[string]bool // "planID:stepID" -> approvals
	sessionRefs    map[string]int
	planSubjects   map[string]*planmodel.Subject
	planSessions   map[string]string // planID -> sessionID

	reg *registry
}

// NewManager wires a plan queue manager. files may be nil when no shared
// workspace is configured.
func NewManager(store planstore.Store, adapter queue.Adapter, locker lock.Locker, enforcer policy.Enforcer, bus events.Bus, files *filelock.SessionLockManager, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		store:          store,
		queue:          adapter,
		locks:          locker,
		enforcer:       enforcer,
		bus:            bus,
		files:          files,
		opts:           opts,
		approvalsCache: make(map[string]map[string]bool),
		sessionRefs:    make(map[string]int),
		planSubjects:   make(map[string]*planmodel.Subject),
		planSessions:   make(map[string]string),
		reg:            newRegistry(),
	}
}

// withPlanLock runs fn under the distributed plan lock with bounded wait.
func (m *Manager) withPlanLock(ctx context.Context, planID string, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, m.opts.LockWait)
	defer cancel()
	release, err := m.locks.AcquireLock(lockCtx, lock.PlanKey(planID), m.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire plan lock for %s: %w", planID, err)
	}
	defer release()
	return fn(ctx)
}

// SubmitPlanSteps persists the plan's metadata and releases its first
// eligible steps. A blocking policy deny fails the whole call and leaves no
// state behind.
func (m *Manager) SubmitPlanSteps(ctx context.Context, plan planmodel.Plan, traceID, requestID string, subject *planmodel.Subject) error {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	return m.withPlanLock(ctx, plan.ID, func(ctx context.Context) error {
		if _, err := m.store.GetPlanMetadata(ctx, plan.ID); err == nil {
			// duplicate submit while the plan is in flight: keep the existing
			// cursors and just re-drive the release loop
			return m.releaseNextLocked(ctx, plan.ID)
		} else if !errors.Is(err, planstore.ErrNotFound) {
			return err
		}

		now := time.Now()
		md := planmodel.PlanMetadata{
			PlanID:             plan.ID,
			TraceID:            traceID,
			RequestID:          requestID,
			Steps:              make([]planmodel.PlanStepDescriptor, 0, len(plan.Steps)),
			NextStepIndex:      0,
			LastCompletedIndex: -1,
		}
		for _, step := range plan.Steps {
			md.Steps = append(md.Steps, planmodel.PlanStepDescriptor{
				Step:      step,
				CreatedAt: now,
				Attempt:   0,
				RequestID: requestID,
				Subject:   subject,
			})
		}

		if err := m.store.RememberPlanMetadata(ctx, plan.ID, md); err != nil {
			return err
		}
		m.registerPlan(ctx, plan.ID, subject)

		if err := m.releaseNextLocked(ctx, plan.ID); err != nil {
			if errors.Is(err, ErrPolicyViolation) {
				// the plan must not partially start
				_ = m.store.ForgetPlanMetadata(ctx, plan.ID)
				m.deregisterPlan(plan.ID)
			}
			return err
		}
		return nil
	})
}

// ApprovalResolution is one approval decision on a parked step.
type ApprovalResolution struct {
	PlanID   string
	StepID   string
	Decision string // approved | rejected
	Summary  string
}

// ResolvePlanStepApproval applies an approval decision. Approval re-runs the
// policy check with the updated approvals map — approvals mutate the
// decision inputs, so a cached pre-approval verdict must not survive the
// boundary.
func (m *Manager) ResolvePlanStepApproval(ctx context.Context, res ApprovalResolution) error {
	sc, err := m.stepContext(ctx, res.PlanID, res.StepID)
	if err != nil {
		return err
	}

	return m.withPlanLock(ctx, res.PlanID, func(ctx context.Context) error {
		switch res.Decision {
		case DecisionRejected:
			summary := res.Summary
			if summary == "" {
				summary = "Approval rejected"
			}
			m.emit(ctx, sc.TraceID, sc.RequestID, res.PlanID,
				events.StepBody(sc.Step, planmodel.StateRejected, sc.Job.Attempt, summary))
			m.cleanupStep(ctx, res.PlanID, res.StepID)
			m.haltPlan(res.PlanID)
			return nil

		case DecisionApproved:
			approvals, err := m.store.EnsureApprovals(ctx, res.PlanID, res.StepID)
			if err != nil {
				return err
			}
			approvals[sc.Step.Capability] = true

			decision, err := m.enforcer.EnforcePlanStep(ctx, sc.Step, policy.Input{
				PlanID:    res.PlanID,
				TraceID:   sc.TraceID,
				Approvals: approvals,
				Subject:   sc.Subject,
			})
			if err != nil {
				return err
			}
			if blocking := decision.Blocking(); len(blocking) > 0 {
				m.emit(ctx, sc.TraceID, sc.RequestID, res.PlanID,
					events.StepBody(sc.Step, planmodel.StateRejected, sc.Job.Attempt, "Approval overridden by policy"))
				m.cleanupStep(ctx, res.PlanID, res.StepID)
				m.haltPlan(res.PlanID)
				return &PolicyViolationError{PlanID: res.PlanID, StepID: res.StepID, Deny: decision.Deny}
			}

			m.cacheApprovals(res.PlanID, res.StepID, approvals)
			if err := m.store.RecordApproval(ctx, res.PlanID, res.StepID, sc.Step.Capability, true); err != nil {
				return err
			}

			body := events.StepBody(sc.Step, planmodel.StateApproved, sc.Job.Attempt, res.Summary)
			body.Approvals = approvals
			m.emit(ctx, sc.TraceID, sc.RequestID, res.PlanID, body)

			return m.releaseNextLocked(ctx, res.PlanID)

		default:
			return fmt.Errorf("unknown approval decision %q", res.Decision)
		}
	})
}

// ReleaseNextPlanSteps advances the plan's cursor, enqueueing every step
// that is eligible to run. Idempotent; safe to call repeatedly.
func (m *Manager) ReleaseNextPlanSteps(ctx context.Context, planID string) error {
	return m.withPlanLock(ctx, planID, func(ctx context.Context) error {
		return m.releaseNextLocked(ctx, planID)
	})
}

// releaseNextLocked is the cursor-advance loop. Caller holds the plan lock.
func (m *Manager) releaseNextLocked(ctx context.Context, planID string) error {
	md, err := m.store.GetPlanMetadata(ctx, planID)
	if err != nil {
		if errors.Is(err, planstore.ErrNotFound) {
			return nil
		}
		return err
	}

	for md.NextStepIndex < len(md.Steps) && md.NextStepIndex <= md.LastCompletedIndex+1 {
		desc := md.Steps[md.NextStepIndex]
		step := desc.Step

		stored, err := m.store.GetEntry(ctx, planID, step.ID)
		if err != nil && !errors.Is(err, planstore.ErrNotFound) {
			return err
		}
		if stored != nil && stored.State.InFlight() {
			break // already dispatched; the completion consumer advances us
		}
		if stored != nil && stored.State.Terminal() {
			break // halted plan; nothing further releases
		}

		attempt := 0
		if stored != nil {
			attempt = stored.Attempt
		}
		job := planmodel.StepJob{
			PlanID:    planID,
			Step:      step,
			Attempt:   attempt,
			CreatedAt: time.Now(),
			TraceID:   md.TraceID,
			RequestID: desc.RequestID,
			Subject:   desc.Subject,
		}

		approvals, err := m.store.EnsureApprovals(ctx, planID, step.ID)
		if err != nil {
			return err
		}
		for capability, granted := range m.cachedApprovals(planID, step.ID) {
			approvals[capability] = granted
		}

		decision, err := m.enforcer.EnforcePlanStep(ctx, step, policy.Input{
			PlanID:    planID,
			TraceID:   md.TraceID,
			Approvals: approvals,
			Subject:   desc.Subject,
		})
		if err != nil {
			return err
		}
		if blocking := decision.Blocking(); !decision.Allow && (len(blocking) > 0 || !step.ApprovalRequired) {
			return &PolicyViolationError{PlanID: planID, StepID: step.ID, Deny: decision.Deny}
		}

		m.reg.put(planID, step.ID, StepContext{
			Step:      step,
			TraceID:   md.TraceID,
			RequestID: desc.RequestID,
			Job:       job,
			Subject:   desc.Subject,
			InFlight:  false,
		})

		idempotencyKey := planmodel.IdempotencyKey(planID, step.ID)

		if step.ApprovalRequired && !approvals[step.Capability] {
			if stored == nil {
				if err := m.store.RememberStep(ctx, planID, step, md.TraceID, planstore.RememberStepOptions{
					InitialState:   planmodel.StateWaitingApproval,
					IdempotencyKey: idempotencyKey,
					Attempt:        attempt,
					CreatedAt:      job.CreatedAt,
					RequestID:      desc.RequestID,
					Approvals:      approvals,
					Subject:        desc.Subject,
				}); err != nil {
					return err
				}
			}
			m.emit(ctx, md.TraceID, desc.RequestID, planID,
				events.StepBody(step, planmodel.StateWaitingApproval, attempt, "Awaiting approval"))
			break // the cursor stays here until the approval resolves
		}

		if stored == nil || stored.State == planmodel.StateWaitingApproval {
			if err := m.store.RememberStep(ctx, planID, step, md.TraceID, planstore.RememberStepOptions{
				InitialState:   planmodel.StateQueued,
				IdempotencyKey: idempotencyKey,
				Attempt:        attempt,
				CreatedAt:      job.CreatedAt,
				RequestID:      desc.RequestID,
				Approvals:      approvals,
				Subject:        desc.Subject,
			}); err != nil {
				return err
			}
		}

		if err := m.enqueueJob(ctx, job, idempotencyKey); err != nil {
			// restore the invariant: no persisted entry for an un-enqueued step
			m.reg.drop(planID, step.ID)
			m.dropApprovalsCache(planID, step.ID)
			_ = m.store.ForgetStep(ctx, planID, step.ID)
			m.pruneSubject(ctx, planID)
			return fmt.Errorf("failed to enqueue step %s: %w", idempotencyKey, err)
		}

		m.emit(ctx, md.TraceID, desc.RequestID, planID,
			events.StepBody(step, planmodel.StateQueued, attempt, "Queued for execution"))

		md.NextStepIndex++
	}

	if md.NextStepIndex >= len(md.Steps) && md.LastCompletedIndex >= len(md.Steps)-1 {
		if err := m.store.ForgetPlanMetadata(ctx, planID); err != nil {
			return err
		}
		m.deregisterPlan(planID)
	} else {
		if err := m.store.RememberPlanMetadata(ctx, planID, *md); err != nil {
			return err
		}
	}

	if depth, err := m.queue.QueueDepth(ctx, queue.PlanStepsQueue); err == nil {
		slog.Debug("Steps queue depth", "queue", queue.PlanStepsQueue, "depth", depth)
	}
	return nil
}

func (m *Manager) enqueueJob(ctx context.Context, job planmodel.StepJob, idempotencyKey string) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal step job: %w", err)
	}
	return m.queue.Enqueue(ctx, queue.PlanStepsQueue, payload, queue.EnqueueOptions{
		IdempotencyKey: idempotencyKey,
		PartitionKey:   job.PlanID,
		Headers: map[string]string{
			queue.HeaderTraceID:   job.TraceID,
			queue.HeaderRequestID: job.RequestID,
			queue.HeaderAttempts:  strconv.Itoa(job.Attempt),
		},
	})
}

// CompleteStep applies a successful completion: terminal state, cursor
// advance, and release of the next step — one plan-lock critical section, so
// observers see completed(step[i]) before queued(step[i+1]).
func (m *Manager) CompleteStep(ctx context.Context, planID, stepID, summary string, output planmodel.Value) error {
	sc, err := m.stepContext(ctx, planID, stepID)
	if err != nil {
		return err
	}

	return m.withPlanLock(ctx, planID, func(ctx context.Context) error {
		attempt := sc.Job.Attempt
		if entry, err := m.store.GetEntry(ctx, planID, stepID); err == nil {
			attempt = entry.Attempt
		}

		if err := m.store.SetState(ctx, planID, stepID, planmodel.StateCompleted, planstore.SetStateOptions{
			Summary: summary,
			Output:  output,
		}); err != nil && !errors.Is(err, planstore.ErrNotFound) {
			return err
		}
		if err := m.store.ForgetStep(ctx, planID, stepID); err != nil {
			return err
		}

		md, err := m.store.GetPlanMetadata(ctx, planID)
		if err == nil {
			for i, desc := range md.Steps {
				if desc.Step.ID == stepID && i > md.LastCompletedIndex {
					md.LastCompletedIndex = i
					break
				}
			}
			if err := m.store.RememberPlanMetadata(ctx, planID, *md); err != nil {
				return err
			}
		} else if !errors.Is(err, planstore.ErrNotFound) {
			return err
		}

		body := events.StepBody(sc.Step, planmodel.StateCompleted, attempt, summary)
		body.Output = output
		m.emit(ctx, sc.TraceID, sc.RequestID, planID, body)

		m.reg.drop(planID, stepID)
		m.dropApprovalsCache(planID, stepID)

		// release the successor before pruning, so the subject stays active
		// while any step of the plan remains registered
		if err := m.releaseNextLocked(ctx, planID); err != nil {
			return err
		}
		m.pruneSubject(ctx, planID)
		return nil
	})
}

// HaltStep applies a failed or rejected completion: terminal event, cleanup,
// no cursor advance — the plan halts.
func (m *Manager) HaltStep(ctx context.Context, planID, stepID string, state planmodel.StepState, summary string) error {
	if state != planmodel.StateFailed && state != planmodel.StateRejected {
		return fmt.Errorf("halt state must be failed or rejected, got %s", state)
	}
	sc, err := m.stepContext(ctx, planID, stepID)
	if err != nil {
		return err
	}

	return m.withPlanLock(ctx, planID, func(ctx context.Context) error {
		attempt := sc.Job.Attempt
		if entry, err := m.store.GetEntry(ctx, planID, stepID); err == nil {
			attempt = entry.Attempt
		}
		m.emit(ctx, sc.TraceID, sc.RequestID, planID,
			events.StepBody(sc.Step, state, attempt, summary))
		m.cleanupStep(ctx, planID, stepID)
		m.haltPlan(planID)
		return nil
	})
}

// UpdateRunning applies a streaming progress completion: state only, no
// cursor movement.
func (m *Manager) UpdateRunning(ctx context.Context, planID, stepID, summary string) error {
	err := m.store.SetState(ctx, planID, stepID, planmodel.StateRunning, planstore.SetStateOptions{Summary: summary})
	if err != nil && !errors.Is(err, planstore.ErrNotFound) {
		return err
	}
	return nil
}

// cleanupStep clears approvals, forgets the entry, drops the registry
// mirror, and prunes the plan subject. Caller holds the plan lock.
func (m *Manager) cleanupStep(ctx context.Context, planID, stepID string) {
	if err := m.store.ClearApprovals(ctx, planID, stepID); err != nil {
		slog.Warn("Failed to clear approvals", "plan_id", planID, "step_id", stepID, "error", err)
	}
	if err := m.store.ForgetStep(ctx, planID, stepID); err != nil {
		slog.Warn("Failed to forget step", "plan_id", planID, "step_id", stepID, "error", err)
	}
	m.reg.drop(planID, stepID)
	m.dropApprovalsCache(planID, stepID)
	m.pruneSubject(ctx, planID)
}

// LookupStep returns the hot-registry context for a step, falling back to
// the plan state store.
func (m *Manager) LookupStep(ctx context.Context, planID, stepID string) (StepContext, error) {
	return m.stepContext(ctx, planID, stepID)
}

func (m *Manager) stepContext(ctx context.Context, planID, stepID string) (StepContext, error) {
	if sc, ok := m.reg.get(planID, stepID); ok {
		return sc, nil
	}
	entry, err := m.store.GetEntry(ctx, planID, stepID)
	if err != nil {
		if errors.Is(err, planstore.ErrNotFound) {
			return StepContext{}, fmt.Errorf("%w: %s:%s", ErrUnknownStep, planID, stepID)
		}
		return StepContext{}, err
	}
	return StepContext{
		Step:      entry.Step,
		TraceID:   entry.TraceID,
		RequestID: entry.RequestID,
		Job: planmodel.StepJob{
			PlanID:    planID,
			Step:      entry.Step,
			Attempt:   entry.Attempt,
			CreatedAt: entry.CreatedAt,
			TraceID:   entry.TraceID,
			RequestID: entry.RequestID,
			Subject:   entry.Subject,
		},
		Subject: entry.Subject,
	}, nil
}

// RestoreEntry re-registers a persisted entry in the hot registry during
// rehydration, restoring session file locks and refcounts as needed.
func (m *Manager) RestoreEntry(ctx context.Context, entry planmodel.PersistedStepEntry) {
	m.reg.put(entry.PlanID, entry.Step.ID, StepContext{
		Step:      entry.Step,
		TraceID:   entry.TraceID,
		RequestID: entry.RequestID,
		Job: planmodel.StepJob{
			PlanID:    entry.PlanID,
			Step:      entry.Step,
			Attempt:   entry.Attempt,
			CreatedAt: entry.CreatedAt,
			TraceID:   entry.TraceID,
			RequestID: entry.RequestID,
			Subject:   entry.Subject,
		},
		Subject:  entry.Subject,
		InFlight: false,
	})

	m.mu.Lock()
	_, known := m.planSessions[entry.PlanID]
	m.mu.Unlock()
	if !known {
		m.registerPlan(ctx, entry.PlanID, entry.Subject)
	}
}

// GetPersistedPlanStep exposes the stored entry for the control surface.
func (m *Manager) GetPersistedPlanStep(ctx context.Context, planID, stepID string) (*planmodel.PersistedStepEntry, error) {
	return m.store.GetEntry(ctx, planID, stepID)
}

// GetPlanSubject returns the plan's subject — active while any registry
// entry remains, archived afterwards.
func (m *Manager) GetPlanSubject(ctx context.Context, planID string) (*planmodel.Subject, error) {
	m.mu.Lock()
	subject, ok := m.planSubjects[planID]
	m.mu.Unlock()
	if ok {
		return subject, nil
	}
	return m.store.RetainedSubject(ctx, planID)
}

// Health is a point-in-time snapshot of the manager for the operations
// surface.
type Health struct {
	ActivePlans     int `json:"active_plans"`
	ActiveSteps     int `json:"active_steps"`
	StepsQueueDepth int `json:"steps_queue_depth"`
}

// Health reports registry counts and steps-queue depth.
func (m *Manager) Health(ctx context.Context) Health {
	plans, steps := m.reg.counts()
	depth, err := m.queue.QueueDepth(ctx, queue.PlanStepsQueue)
	if err != nil {
		depth = -1
	}
	return Health{ActivePlans: plans, ActiveSteps: steps, StepsQueueDepth: depth}
}

// emit publishes a plan step event. Callers emit after the corresponding
// state write, except on the halt path, which emits before cleanupStep.
func (m *Manager) emit(ctx context.Context, traceID, requestID, planID string, body events.StepEventBody) {
	event := events.NewPlanStepEvent(traceID, requestID, planID, body)
	if err := m.bus.Publish(ctx, events.PlanChannel, event); err != nil {
		slog.Warn("Failed to publish plan step event",
			"plan_id", planID, "step_id", body.ID, "state", body.State, "error", err)
	}
}

// --- session and subject bookkeeping ---

func (m *Manager) registerPlan(ctx context.Context, planID string, subject *planmodel.Subject) {
	m.mu.Lock()
	if subject != nil {
		m.planSubjects[planID] = subject
	}
	sessionID := ""
	if subject != nil && subject.SessionID != "" {
		sessionID = subject.SessionID
		m.planSessions[planID] = sessionID
		m.sessionRefs[sessionID]++
	}
	m.mu.Unlock()

	if sessionID != "" && m.files != nil {
		if err := m.files.RestoreSessionLocks(ctx, sessionID); err != nil {
			slog.Warn("Failed to restore session locks", "session_id", sessionID, "error", err)
		}
	}
}

// deregisterPlan drops the plan's session reference and archives its
// subject. Called when the plan finishes or halts.
func (m *Manager) deregisterPlan(planID string) {
	m.mu.Lock()
	sessionID, hasSession := m.planSessions[planID]
	delete(m.planSessions, planID)
	releaseSession := false
	if hasSession {
		m.sessionRefs[sessionID]--
		if m.sessionRefs[sessionID] <= 0 {
			delete(m.sessionRefs, sessionID)
			releaseSession = true
		}
	}
	m.mu.Unlock()

	if releaseSession && m.files != nil {
		m.files.ReleaseSessionLocks(sessionID)
	}
	m.pruneSubject(context.Background(), planID)
}

// haltPlan is deregisterPlan for plans ending on a failed or rejected step.
func (m *Manager) haltPlan(planID string) {
	m.deregisterPlan(planID)
}

// pruneSubject archives the plan subject once no registry entry remains.
func (m *Manager) pruneSubject(ctx context.Context, planID string) {
	if !m.reg.planEmpty(planID) {
		return
	}
	m.mu.Lock()
	subject, ok := m.planSubjects[planID]
	delete(m.planSubjects, planID)
	m.mu.Unlock()
	if !ok || subject == nil {
		return
	}
	if err := m.store.RetainSubject(ctx, planID, *subject); err != nil {
		slog.Warn("Failed to archive plan subject", "plan_id", planID, "error", err)
	}
}

// --- approvals cache ---

func approvalsKey(planID, stepID string) string {
	return planID + ":" + stepID
}

func (m *Manager) cacheApprovals(planID, stepID string, approvals map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := make(map[string]bool, len(approvals))
	for k, v := range approvals {
		clone[k] = v
	}
	m.approvalsCache[approvalsKey(planID, stepID)] = clone
}

func (m *Manager) cachedApprovals(planID, stepID string) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approvalsCache[approvalsKey(planID, stepID)]
}

func (m *Manager) dropApprovalsCache(planID, stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.approvalsCache, approvalsKey(planID, stepID))
}
