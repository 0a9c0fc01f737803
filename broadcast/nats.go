package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/models"
)

// NATSConfig holds the connection settings of NATSBroadcaster.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "roomsync",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBroadcaster fans events out over NATS core pub/sub, one subject per
// room, so several server processes can share rooms.
type NATSBroadcaster struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSBroadcaster(cfg NATSConfig) (*NATSBroadcaster, error) {
	opts := []nats.Option{
		nats.Name("roomsync"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log.Errorw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Log.Errorw("NATS error", "error", err)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATSBroadcasterConn(nc, cfg.SubjectPrefix), nil
}

// NewNATSBroadcasterConn wraps an existing connection; Close will close it.
func NewNATSBroadcasterConn(nc *nats.Conn, prefix string) *NATSBroadcaster {
	return &NATSBroadcaster{nc: nc, prefix: prefix}
}

func (b *NATSBroadcaster) subject(channel string) string {
	if b.prefix == "" {
		return channel
	}
	return b.prefix + "." + channel
}

func (b *NATSBroadcaster) Publish(ctx context.Context, channel string, ev *models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(b.subject(channel), data); err != nil {
		if b.nc.IsClosed() {
			return ErrClosed
		}
		return fmt.Errorf("publish to NATS: %w", err)
	}
	return nil
}

func (b *NATSBroadcaster) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if b.nc.IsClosed() {
		return nil, ErrClosed
	}

	s := newSubscription(ctx, channel, nil)
	ns, err := b.nc.Subscribe(b.subject(channel), func(msg *nats.Msg) {
		var ev models.Event
		if err := models.DecodeJSON(msg.Data, &ev); err != nil {
			logger.Log.Warnw("dropping malformed event", "subject", msg.Subject, "error", err)
			return
		}
		if !s.deliver(&ev) {
			logger.Log.Debugw("subscriber lagging, event dropped", "channel", channel, "version", ev.Version)
		}
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe to NATS: %w", err)
	}
	if !s.attach(func() { _ = ns.Unsubscribe() }) {
		_ = ns.Unsubscribe()
	}
	return s, nil
}

func (b *NATSBroadcaster) Close() error {
	if err := b.nc.Drain(); err != nil && !b.nc.IsClosed() {
		b.nc.Close()
	}
	return nil
}

var _ Broadcaster = (*NATSBroadcaster)(nil)
