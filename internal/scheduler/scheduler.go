package scheduler

import (
	"context"
	"log"
	"time"

	"clinic/ticketing-service/internal/dispatch"
)

// Sweeper is the slice of the dispatcher the scheduler needs.
type Sweeper interface {
	AutoClose(ctx context.Context, now time.Time) dispatch.SweepResult
}

type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
}

func New(sweeper Sweeper, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{sweeper: sweeper, interval: interval}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	result := s.sweeper.AutoClose(ctx, time.Now().UTC())
	if result.ClosedQueues > 0 || len(result.Errors) > 0 {
		log.Printf("autoclose sweep closed=%d cancelled=%d errors=%d",
			result.ClosedQueues, result.CancelledEntries, len(result.Errors))
	}
}
