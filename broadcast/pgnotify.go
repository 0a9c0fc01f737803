package broadcast

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"

	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/models"
)

// Reader is the read side of the canonical store.
type Reader interface {
	Read(ctx context.Context, key models.RoomKey) (*models.Snapshot, error)
}

// notification is the NOTIFY payload. It never carries the document, which
// could exceed the 8000 byte payload limit; listeners re-read it.
type notification struct {
	Channel string        `json:"channel"`
	Event   *models.Event `json:"event"`
}

type PgNotifyConfig struct {
	DSN          string
	Channel      string
	PingInterval time.Duration
	// Clock drives the keepalive ping. Nil means the real clock.
	Clock clockwork.Clock
}

func DefaultPgNotifyConfig() PgNotifyConfig {
	return PgNotifyConfig{
		Channel:      "roomsync_events",
		PingInterval: 90 * time.Second,
		Clock:        clockwork.NewRealClock(),
	}
}

// PgNotifyBroadcaster publishes through Postgres NOTIFY and delivers through
// LISTEN, so every server process sharing the database sees every event.
// Delivery to local subscribers goes through a Hub.
type PgNotifyBroadcaster struct {
	db       *sql.DB
	listener *pq.Listener
	reader   Reader
	hub      *Hub
	cfg      PgNotifyConfig
	ping     func() error
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewPgNotifyBroadcaster(reader Reader, cfg PgNotifyConfig) (*PgNotifyBroadcaster, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	l := pq.NewListener(
		cfg.DSN,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Log.Errorw("listener event", "event", ev, "error", err)
			}
		},
	)
	if err := l.Listen(cfg.Channel); err != nil {
		_ = l.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}
	logger.Log.Infow("listening for notifications", "channel", cfg.Channel)

	ctx, cancel := context.WithCancel(context.Background())
	b := &PgNotifyBroadcaster{
		db:       db,
		listener: l,
		reader:   reader,
		hub:      NewHub(),
		cfg:      cfg,
		ping:     l.Ping,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.run(ctx)
	return b, nil
}

func (b *PgNotifyBroadcaster) Publish(ctx context.Context, channel string, ev *models.Event) error {
	envelope := *ev
	envelope.Document = nil
	payload, err := json.Marshal(notification{Channel: channel, Event: &envelope})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", b.cfg.Channel, string(payload)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (b *PgNotifyBroadcaster) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	return b.hub.Subscribe(ctx, channel)
}

// Hub exposes the local fan-out for subscriber statistics.
func (b *PgNotifyBroadcaster) Hub() *Hub {
	return b.hub
}

func (b *PgNotifyBroadcaster) run(ctx context.Context) {
	defer close(b.done)

	interval := b.cfg.PingInterval
	if interval <= 0 {
		interval = 90 * time.Second
	}
	clock := b.cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	pingTicker := clock.NewTicker(interval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-b.listener.Notify:
			if note == nil {
				// nil notification means the connection was re-established;
				// anything missed is repaired by client polling.
				continue
			}
			if err := b.handleNotification(ctx, note.Extra); err != nil {
				logger.Log.Errorw("failed to handle notification", "error", err)
			}
		case <-pingTicker.Chan():
			if err := b.ping(); err != nil {
				logger.Log.Errorw("failed to ping listener", "error", err)
			}
		}
	}
}

// handleNotification re-reads the announced room and delivers the stored
// document locally. A newer document than announced is delivered as is.
func (b *PgNotifyBroadcaster) handleNotification(ctx context.Context, extra string) error {
	var n notification
	if err := models.DecodeJSON([]byte(extra), &n); err != nil {
		return fmt.Errorf("invalid notification payload: %w", err)
	}
	if n.Event == nil || b.hub.Subscribers(n.Channel) == 0 {
		return nil
	}

	snap, err := b.reader.Read(ctx, n.Event.Key())
	if err != nil {
		return fmt.Errorf("read announced room: %w", err)
	}
	if !snap.Exists {
		return nil
	}
	ev := *n.Event
	ev.Document = snap.Document
	ev.Version = snap.Version
	return b.hub.Publish(ctx, n.Channel, &ev)
}

func (b *PgNotifyBroadcaster) Close() error {
	b.cancel()
	<-b.done
	_ = b.hub.Close()
	lerr := b.listener.Close()
	if err := b.db.Close(); err != nil {
		return err
	}
	return lerr
}

var _ Broadcaster = (*PgNotifyBroadcaster)(nil)
