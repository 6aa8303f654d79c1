package scheduler

import (
	"sync"

	"github.com/codeready-toolchain/planexec/pkg/planmodel"
)

// StepContext is the hot-registry mirror of one dispatched step: the
// metadata consumers need on hot paths without a store round-trip. Never
// authoritative — the plan state store is.
type StepContext struct {
	Step      planmodel.Step
	TraceID   string
	RequestID string
	Job       planmodel.StepJob
	Subject   *planmodel.Subject
	InFlight  bool
}

// registry is the per-process hot registry, guarded by a fine-grained lock.
// Correctness across workers comes from the distributed plan lock plus
// idempotent store writes, not from this mirror.
type registry struct {
	mu    sync.RWMutex
	plans map[string]map[string]*StepContext
}

func newRegistry() *registry {
	return &registry{plans: make(map[string]map[string]*StepContext)}
}

func (r *registry) put(planID, stepID string, sc StepContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps, ok := r.plans[planID]
	if !ok {
		steps = make(map[string]*StepContext)
		r.plans[planID] = steps
	}
	steps[stepID] = &sc
}

func (r *registry) get(planID, stepID string) (StepContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if steps, ok := r.plans[planID]; ok {
		if sc, ok := steps[stepID]; ok {
			return *sc, true
		}
	}
	return StepContext{}, false
}

func (r *registry) setInFlight(planID, stepID string, inFlight bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if steps, ok := r.plans[planID]; ok {
		if sc, ok := steps[stepID]; ok {
			sc.InFlight = inFlight
		}
	}
}

func (r *registry) drop(planID, stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if steps, ok := r.plans[planID]; ok {
		delete(steps, stepID)
		if len(steps) == 0 {
			delete(r.plans, planID)
		}
	}
}

// planEmpty reports whether no registry entry remains for the plan.
func (r *registry) planEmpty(planID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plans[planID]) == 0
}

func (r *registry) counts() (plans, steps int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.plans {
		steps += len(s)
	}
	return len(r.plans), steps
}
