package lifecycle

import (
	"context"
	"time"
)

// Run executes the garbage collection loop until the context is cancelled.
// An interval of zero or less disables the sweeper; expired environments are
// then only reclaimed through explicit GarbageCollect calls.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("garbage collection sweeper started", "interval", interval)
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("garbage collection sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	destroyed, err := s.GarbageCollect(ctx)
	if err != nil {
		s.log.Error("garbage collection sweep failed", "error", err)
		return
	}
	if len(destroyed) > 0 {
		s.log.Info("garbage collection sweep reclaimed environments", "count", len(destroyed), "environment_ids", destroyed)
	}
}
