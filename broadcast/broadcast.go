// broadcast/broadcast.go
package broadcast

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wfunc/roomsync/models"
)

var (
	ErrClosed = errors.New("broadcaster closed")
)

// subscriptionBuffer bounds how far a subscriber may lag before events are
// dropped for it. A dropped event is repaired by the next poll.
const subscriptionBuffer = 32

// ChannelName returns the fan-out channel of a room. Room ids are hex encoded
// so any id is safe as a NATS subject token.
func ChannelName(key models.RoomKey) string {
	return "room." + key.GameKind + "." + hex.EncodeToString([]byte(key.RoomID))
}

// NewEvent builds the event announcing snap for key.
func NewEvent(typ models.EventType, key models.RoomKey, snap *models.Snapshot) *models.Event {
	ev := &models.Event{
		ID:          uuid.NewString(),
		Type:        typ,
		RoomID:      key.RoomID,
		GameKind:    key.GameKind,
		PublishedAt: time.Now(),
	}
	if snap != nil {
		ev.Version = snap.Version
		ev.Document = snap.Document
	}
	return ev
}

// 广播接口
//
// Delivery is at-least-once and best effort: a subscriber that falls behind
// loses events rather than blocking the publisher.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, ev *models.Event) error
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	Close() error
}

// Subscription receives the events of one channel on C until Close is called
// or the subscribing context ends.
type Subscription struct {
	C <-chan *models.Event

	channel string
	ch      chan *models.Event
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	onClose func()
}

func newSubscription(ctx context.Context, channel string, onClose func()) *Subscription {
	ch := make(chan *models.Event, subscriptionBuffer)
	s := &Subscription{
		C:       ch,
		channel: channel,
		ch:      ch,
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (s *Subscription) Channel() string {
	return s.channel
}

// deliver never blocks; it reports false when the event was dropped.
func (s *Subscription) deliver(ev *models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

// attach sets the close hook of a subscription created without one. It
// reports false if the subscription already closed, in which case the caller
// must release the resource itself.
func (s *Subscription) attach(onClose func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.onClose = onClose
	return true
}

// Hub 进程内广播器
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	// OnDrop, when set, is called for every event a slow subscriber missed.
	OnDrop func(channel string)
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

func (h *Hub) Publish(ctx context.Context, channel string, ev *models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Get a thread-safe copy of the subscribers
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*Subscription, 0, len(h.subs[channel]))
	for s := range h.subs[channel] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if !s.deliver(ev) && h.OnDrop != nil {
			h.OnDrop(channel)
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	s := newSubscription(ctx, channel, nil)
	if !s.attach(func() { h.remove(channel, s) }) {
		return s, nil
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Subscription]struct{})
	}
	h.subs[channel][s] = struct{}{}
	return s, nil
}

func (h *Hub) remove(channel string, s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[channel], s)
	if len(h.subs[channel]) == 0 {
		delete(h.subs, channel)
	}
}

// Subscribers returns the number of live subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Total returns the number of live subscriptions across all channels.
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*Subscription
	for _, subs := range h.subs {
		for s := range subs {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return nil
}

var _ Broadcaster = (*Hub)(nil)
