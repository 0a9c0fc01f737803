package broadcast

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/models"
)

// Poller is the polling substitute for push: every interval it reads the
// room and emits what it found, unless a push arrived during the interval.
// Consumers discard documents they have already applied.
type Poller struct {
	reader   Reader
	key      models.RoomKey
	interval time.Duration
	clock    clockwork.Clock
	pushed   atomic.Bool
}

func NewPoller(reader Reader, key models.RoomKey, interval time.Duration, clock clockwork.Clock) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		reader:   reader,
		key:      key,
		interval: interval,
		clock:    clock,
	}
}

// Pushed records that a push event arrived, so the next poll is skipped.
func (p *Poller) Pushed() {
	p.pushed.Store(true)
}

// Run polls until ctx ends. Read failures skip the cycle.
func (p *Poller) Run(ctx context.Context, emit func(*models.Event)) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if p.pushed.Swap(false) {
				continue
			}
			p.poll(ctx, emit)
		}
	}
}

func (p *Poller) poll(ctx context.Context, emit func(*models.Event)) {
	snap, err := p.reader.Read(ctx, p.key)
	if err != nil {
		if ctx.Err() == nil {
			logger.Log.Debugw("poll failed", "room_id", p.key.RoomID, "game_kind", p.key.GameKind, "error", err)
		}
		return
	}
	if !snap.Exists {
		return
	}
	emit(NewEvent(models.EventStateUpdated, p.key, snap))
}
