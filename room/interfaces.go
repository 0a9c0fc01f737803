package room

import (
	"context"
	"time"

	"github.com/wfunc/roomsync/models"
)

// Publisher announces room events. broadcast.Broadcaster satisfies it; it is
// declared here so room does not depend on a transport.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev *models.Event) error
}

// Metrics receives write and event counts. monitor.Monitor satisfies it.
type Metrics interface {
	ObserveWrite(op, gameKind string, d time.Duration, err error)
	EventPublished(eventType string)
	SetActiveRooms(count int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveWrite(string, string, time.Duration, error) {}
func (nopMetrics) EventPublished(string)                            {}
func (nopMetrics) SetActiveRooms(int)                               {}
