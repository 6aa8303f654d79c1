package planstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/planexec/pkg/config"
)

// Sweeper periodically enforces the retention policy: terminal step entries
// older than the configured age are removed, along with orphaned retained
// subjects. waiting_approval entries are never pruned by age, however long
// they sit. All operations are idempotent and safe to run from multiple
// workers.
type Sweeper struct {
	config *config.RetentionConfig
	store  Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a retention sweeper. With Days == 0 the sweep is
// disabled and Start is a no-op.
func NewSweeper(cfg *config.RetentionConfig, store Store) *Sweeper {
	return &Sweeper{config: cfg, store: store}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil || s.config.Days == 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention sweeper started",
		"retention_days", s.config.Days,
		"interval", s.config.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.Days)
	count, err := s.store.Sweep(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned terminal step entries", "count", count)
	}
}
