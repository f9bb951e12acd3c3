package application

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper is the periodic trigger that opens scheduled auctions and closes due ones.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a new instance of Sweeper
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{engine: engine, interval: interval}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Info("Closure sweeper started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			log.Info("Closure sweeper stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one open pass and one close pass at the current clock time.
func (s *Sweeper) Tick(ctx context.Context) {
	started := time.Now()
	now := s.engine.clock.Now()
	defer func() {
		s.engine.metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}()

	opened, err := s.engine.OpenDueAuctions(ctx, now)
	if err != nil {
		log.Error("Sweep: failed to open due auctions", zap.Error(err))
	}
	closed, err := s.engine.CloseDueAuctions(ctx, now)
	if err != nil {
		log.Error("Sweep: failed to close due auctions", zap.Error(err))
	}
	if opened > 0 || closed > 0 {
		log.Info("Sweep finished",
			zap.Int("opened", opened),
			zap.Int("closed", closed),
			zap.Time("at", now))
	}
}
