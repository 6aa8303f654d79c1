package rehydrate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/planexec/pkg/events"
	"github.com/codeready-toolchain/planexec/pkg/planmodel"
	"github.com/codeready-toolchain/planexec/pkg/planstore"
	"github.com/codeready-toolchain/planexec/pkg/queue"
)

// OrphanWatcher periodically re-publishes dispatched steps whose persisted
// entry has gone stale — work lost to a worker that died mid-flight without
// a clean crash-restart. All workers run it independently; the idempotency
// key makes concurrent recovery attempts collapse into one enqueue.
type OrphanWatcher struct {
	store   planstore.Store
	adapter queue.Adapter
	bus     events.Bus

	// Interval between scans; StaleAfter is how long an in-flight entry may
	// go without an update before it counts as orphaned.
	Interval   time.Duration
	StaleAfter time.Duration

	mu               sync.Mutex
	lastScan         time.Time
	orphansRecovered int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrphanWatcher creates a watcher with the given cadence.
func NewOrphanWatcher(store planstore.Store, adapter queue.Adapter, bus events.Bus, interval, staleAfter time.Duration) *OrphanWatcher {
	return &OrphanWatcher{
		store:      store,
		adapter:    adapter,
		bus:        bus,
		Interval:   interval,
		StaleAfter: staleAfter,
	}
}

// Start launches the background scan loop.
func (w *OrphanWatcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.run(ctx)

	slog.Info("Orphan watcher started", "interval", w.Interval, "stale_after", w.StaleAfter)
}

// Stop signals the loop to exit and waits for it to finish.
func (w *OrphanWatcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	slog.Info("Orphan watcher stopped")
}

func (w *OrphanWatcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

// scan re-enqueues stale in-flight entries. Idempotent across workers.
func (w *OrphanWatcher) scan(ctx context.Context) {
	entries, err := w.store.ListActiveSteps(ctx)
	if err != nil {
		slog.Error("Orphan scan failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-w.StaleAfter)
	recovered := 0
	for _, entry := range entries {
		if !entry.State.InFlight() || !entry.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := republish(ctx, w.adapter, entry); err != nil {
			slog.Error("Orphan recovery enqueue failed",
				"plan_id", entry.PlanID, "step_id", entry.Step.ID, "error", err)
			continue
		}
		emit(ctx, w.bus, entry, planmodel.StateQueued, "Retry enqueued after stall")
		recovered++
	}

	w.mu.Lock()
	w.lastScan = time.Now()
	w.orphansRecovered += recovered
	w.mu.Unlock()

	if recovered > 0 {
		slog.Info("Orphaned steps recovered", "count", recovered)
	}
}

// Stats returns the last scan time and the total recovered count.
func (w *OrphanWatcher) Stats() (lastScan time.Time, recovered int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastScan, w.orphansRecovered
}
