package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/logger"
	"safeyou-chat/internal/observability"
)

// Pruner deletes change events older than a cutoff, keeping the newest event
// of every stream.
type Pruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler prunes the change-event log on a cron schedule.
type Scheduler struct {
	pruner Pruner
	cron   string
	window time.Duration
	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) bool
}

func NewScheduler(pruner Pruner, cfg config.RetentionConfig) (*Scheduler, error) {
	expr := cfg.Cron
	if expr == "" {
		expr = "0 * * * *"
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid retention cron expression: %q", cfg.Cron)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("retention window must be positive")
	}
	return &Scheduler{
		pruner: pruner,
		cron:   expr,
		window: cfg.Window,
		now:    time.Now,
		wait:   sleep,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Next is the first scheduled run strictly after ref.
func (s *Scheduler) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, ref.UTC(), false)
}

// RunOnce prunes everything older than the retention window.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.window)
	n, err := s.pruner.PruneEvents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	observability.AddRetentionPruned(n)
	logger.Log.Info("retention run",
		zap.Time("cutoff", cutoff),
		zap.Int64("pruned", n))
	return n, nil
}

// Run blocks until ctx is cancelled, pruning at every scheduled tick. Failed
// runs are logged and retried at the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Log.Info("retention scheduler started", zap.String("cron", s.cron), zap.Duration("window", s.window))
	for {
		next, err := s.Next(s.now())
		if err != nil {
			return fmt.Errorf("next retention tick: %w", err)
		}
		if !s.wait(ctx, time.Until(next)) {
			logger.Log.Info("retention scheduler stopping")
			return nil
		}
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Log.Error("retention run failed", zap.Error(err))
		}
	}
}
