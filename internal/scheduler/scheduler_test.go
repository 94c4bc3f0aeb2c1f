package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"clinic/ticketing-service/internal/dispatch"
)

type countingSweeper struct {
	sweeps int64
}

func (c *countingSweeper) AutoClose(ctx context.Context, now time.Time) dispatch.SweepResult {
	atomic.AddInt64(&c.sweeps, 1)
	return dispatch.SweepResult{}
}

func TestRunSweepsImmediatelyAndOnTick(t *testing.T) {
	sweeper := &countingSweeper{}
	scheduler := New(sweeper, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop on context cancel")
	}

	sweeps := atomic.LoadInt64(&sweeper.sweeps)
	if sweeps < 2 {
		t.Fatalf("expected at least 2 sweeps, got %d", sweeps)
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	scheduler := New(&countingSweeper{}, 0)
	if scheduler.interval != time.Minute {
		t.Fatalf("expected default interval of one minute, got %s", scheduler.interval)
	}
}
