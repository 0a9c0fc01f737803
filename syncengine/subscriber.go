package syncengine

import (
	"context"
	"strings"

	"github.com/wfunc/roomsync/broadcast"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/models"
	"github.com/wfunc/roomsync/network"
)

// Subscriber is the push producer: it delivers the events of one room until
// ctx ends or the transport is lost, then closes the channel.
type Subscriber interface {
	Subscribe(ctx context.Context, key models.RoomKey) (<-chan *models.Event, error)
}

// BroadcastSubscriber subscribes directly to an in-process broadcaster.
type BroadcastSubscriber struct {
	Broadcaster broadcast.Broadcaster
}

func (s *BroadcastSubscriber) Subscribe(ctx context.Context, key models.RoomKey) (<-chan *models.Event, error) {
	sub, err := s.Broadcaster.Subscribe(ctx, broadcast.ChannelName(key))
	if err != nil {
		return nil, err
	}
	return sub.C, nil
}

// WebSocketSubscriber subscribes through the server's websocket endpoint.
type WebSocketSubscriber struct {
	BaseURL string
}

func (s *WebSocketSubscriber) url(key models.RoomKey) string {
	base := strings.TrimRight(s.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + RoomPath("/ws/rooms", key)
}

func (s *WebSocketSubscriber) Subscribe(ctx context.Context, key models.RoomKey) (<-chan *models.Event, error) {
	conn, err := network.Dial(ctx, s.url(key), nil)
	if err != nil {
		return nil, err
	}

	out := make(chan *models.Event, 16)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					logger.Log.Infow("push connection lost", "room_id", key.RoomID, "game_kind", key.GameKind, "error", err)
				}
				return
			}
			switch msg.Type {
			case network.MsgTypeEvent:
				if msg.Event == nil {
					continue
				}
				select {
				case out <- msg.Event:
				case <-ctx.Done():
					return
				}
			case network.MsgTypeError:
				logger.Log.Warnw("push error", "room_id", key.RoomID, "error", msg.Error)
			}
		}
	}()
	return out, nil
}
