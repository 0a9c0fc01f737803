package room

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/persistence"
)

// Janitor periodically drops rooms idle for longer than the TTL.
type Janitor struct {
	sweeper  persistence.Sweeper
	ttl      time.Duration
	interval time.Duration
	clock    clockwork.Clock
	metrics  Metrics
}

func NewJanitor(sweeper persistence.Sweeper, ttl, interval time.Duration, clock clockwork.Clock, metrics Metrics) *Janitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Janitor{
		sweeper:  sweeper,
		ttl:      ttl,
		interval: interval,
		clock:    clock,
		metrics:  metrics,
	}
}

// Run sweeps every interval until ctx ends.
func (j *Janitor) Run(ctx context.Context) {
	if j.ttl <= 0 || j.interval <= 0 {
		return
	}
	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := j.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Log.Warnw("room sweep failed", "error", err)
			}
		}
	}
}

func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	n, err := j.sweeper.Sweep(ctx, j.clock.Now().Add(-j.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Log.Infow("idle rooms removed", "count", n, "ttl", j.ttl)
	}
	if sizer, ok := j.sweeper.(persistence.Sizer); ok {
		j.metrics.SetActiveRooms(sizer.Len())
	}
	return n, nil
}
