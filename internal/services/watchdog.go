package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"safeyou-chat/internal/logger"
	"safeyou-chat/internal/observability"
)

// Watchdog periodically flips users with stale heartbeats offline.
type Watchdog struct {
	presence *PresenceService
	interval time.Duration
}

func NewWatchdog(presence *PresenceService, interval time.Duration) *Watchdog {
	return &Watchdog{presence: presence, interval: interval}
}

// Run sweeps every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	logger.Log.Info("presence watchdog started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.presence.SweepStale(ctx)
			if err != nil {
				logger.Log.Warn("presence sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				observability.AddPresenceSwept(n)
				logger.Log.Info("stale users marked offline", zap.Int("count", n))
			}
		}
	}
}
