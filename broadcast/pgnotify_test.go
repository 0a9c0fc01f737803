package broadcast

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/roomsync/models"
)

// newTestPgNotify wires a broadcaster around an unconnected listener.
func newTestPgNotify(t *testing.T, reader Reader, clock clockwork.Clock, ping func() error) (*PgNotifyBroadcaster, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultPgNotifyConfig()
	cfg.PingInterval = time.Minute
	cfg.Clock = clock
	b := &PgNotifyBroadcaster{
		listener: &pq.Listener{Notify: make(chan *pq.Notification)},
		reader:   reader,
		hub:      NewHub(),
		cfg:      cfg,
		ping:     ping,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.Cleanup(func() {
		cancel()
		<-b.done
		_ = b.hub.Close()
	})
	go b.run(ctx)
	return b, ctx
}

func TestDefaultPgNotifyConfig(t *testing.T) {
	cfg := DefaultPgNotifyConfig()
	assert.Equal(t, "roomsync_events", cfg.Channel)
	assert.Equal(t, 90*time.Second, cfg.PingInterval)
	assert.NotNil(t, cfg.Clock)
}

func TestPgNotifyBroadcaster_PingsOnClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var pings atomic.Int32
	_, ctx := newTestPgNotify(t, &fakeReader{}, clock, func() error {
		pings.Add(1)
		return nil
	})

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Zero(t, pings.Load())

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return pings.Load() == 1 }, time.Second, 5*time.Millisecond)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return pings.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestPgNotifyBroadcaster_HandleNotification(t *testing.T) {
	reader := &fakeReader{snap: &models.Snapshot{
		Exists:   true,
		Version:  9,
		Document: models.Document{"roster": []any{}, "seed": json.Number("9007199254740993")},
	}}
	b, ctx := newTestPgNotify(t, reader, clockwork.NewFakeClock(), func() error { return nil })

	channel := ChannelName(testKey)
	sub, err := b.Subscribe(ctx, channel)
	require.NoError(t, err)

	payload, err := json.Marshal(notification{Channel: channel, Event: &models.Event{
		Type:     models.EventStateUpdated,
		RoomID:   testKey.RoomID,
		GameKind: testKey.GameKind,
		Version:  7,
	}})
	require.NoError(t, err)
	require.NoError(t, b.handleNotification(ctx, string(payload)))

	ev := receive(t, sub)
	assert.Equal(t, uint64(9), ev.Version, "the stored version is delivered")
	assert.Equal(t, json.Number("9007199254740993"), ev.Document["seed"])

	assert.Error(t, b.handleNotification(ctx, "not json"))
}
