// room/room.go
package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wfunc/roomsync/broadcast"
	"github.com/wfunc/roomsync/games"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/models"
	"github.com/wfunc/roomsync/persistence"
)

const (
	opReplace = "replace"
	opReset   = "reset"
)

// Service is the server-side write path of a room: it validates documents,
// writes them to the canonical store and announces every write on the room's
// broadcast channel.
type Service struct {
	store     persistence.Store
	publisher Publisher
	catalog   *games.Catalog
	metrics   Metrics
}

type Option func(*Service)

func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a room service. publisher may be nil, in which case
// writes are not announced and clients rely on polling.
func NewService(store persistence.Store, publisher Publisher, catalog *games.Catalog, opts ...Option) *Service {
	s := &Service{
		store:     store,
		publisher: publisher,
		catalog:   catalog,
		metrics:   nopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Game returns the registered game kind, or games.ErrUnknownGame.
func (s *Service) Game(kind string) (*games.Game, error) {
	return s.catalog.Get(kind)
}

func (s *Service) Catalog() *games.Catalog {
	return s.catalog
}

func (s *Service) checkKey(key models.RoomKey) (*games.Game, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.catalog.Get(key.GameKind)
}

// ValidateDocument checks that doc carries a roster the game can hold.
func ValidateDocument(game *games.Game, doc models.Document) error {
	if doc == nil {
		return models.ErrInvalidDocument
	}
	roster, err := doc.Roster()
	if err != nil {
		return err
	}
	if err := roster.Validate(); err != nil {
		return err
	}
	if len(roster) > game.MaxPlayers() {
		return fmt.Errorf("%w: %d entries for %d roles", models.ErrInvalidRoster, len(roster), game.MaxPlayers())
	}
	return nil
}

// Read returns the current snapshot; an unknown room reads as Exists=false.
func (s *Service) Read(ctx context.Context, key models.RoomKey) (*models.Snapshot, error) {
	if _, err := s.checkKey(key); err != nil {
		return nil, err
	}
	return s.store.Read(ctx, key)
}

// Replace overwrites the room unconditionally. Concurrent writers race and
// the last write wins.
func (s *Service) Replace(ctx context.Context, key models.RoomKey, doc models.Document) (*models.Snapshot, error) {
	game, err := s.checkKey(key)
	if err != nil {
		return nil, err
	}
	if err := ValidateDocument(game, doc); err != nil {
		return nil, err
	}

	start := time.Now()
	snap, err := s.store.Replace(ctx, key, doc)
	s.metrics.ObserveWrite(opReplace, key.GameKind, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, models.EventStateUpdated, key, snap)
	return snap, nil
}

// ReplaceIfVersion overwrites the room only if its current version equals
// expected. Zero expects the room not to exist yet.
func (s *Service) ReplaceIfVersion(ctx context.Context, key models.RoomKey, doc models.Document, expected uint64) (*models.Snapshot, error) {
	game, err := s.checkKey(key)
	if err != nil {
		return nil, err
	}
	if err := ValidateDocument(game, doc); err != nil {
		return nil, err
	}

	start := time.Now()
	snap, err := s.store.Update(ctx, key, func(current *models.Snapshot) (models.Document, error) {
		if current.Version != expected {
			return nil, fmt.Errorf("%w: room at version %d, expected %d", persistence.ErrVersionConflict, current.Version, expected)
		}
		return doc, nil
	})
	s.metrics.ObserveWrite(opReplace, key.GameKind, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, models.EventStateUpdated, key, snap)
	return snap, nil
}

// Reset replaces every field except the roster with those of initial; the
// roster is carried over exactly as stored. A missing room is created with an
// empty roster. A nil initial uses the game's initial document.
func (s *Service) Reset(ctx context.Context, key models.RoomKey, initial models.Document) (*models.Snapshot, error) {
	game, err := s.checkKey(key)
	if err != nil {
		return nil, err
	}
	if initial == nil {
		initial = game.InitialDocument()
	}

	start := time.Now()
	snap, err := s.store.Update(ctx, key, func(current *models.Snapshot) (models.Document, error) {
		next := initial.Clone()
		if next == nil {
			next = models.Document{}
		}
		if current.Exists && current.Document.HasRoster() {
			next[models.RosterField] = current.Document[models.RosterField]
		} else {
			next[models.RosterField] = []any{}
		}
		return next, nil
	})
	s.metrics.ObserveWrite(opReset, key.GameKind, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, models.EventStateReset, key, snap)
	return snap, nil
}

// announce is best effort: a lost event is repaired by client polling.
func (s *Service) announce(ctx context.Context, typ models.EventType, key models.RoomKey, snap *models.Snapshot) {
	if sizer, ok := s.store.(persistence.Sizer); ok {
		s.metrics.SetActiveRooms(sizer.Len())
	}
	if s.publisher == nil {
		return
	}
	ev := broadcast.NewEvent(typ, key, snap)
	if err := s.publisher.Publish(ctx, broadcast.ChannelName(key), ev); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Log.Warnw("publish failed", "room_id", key.RoomID, "game_kind", key.GameKind, "version", snap.Version, "error", err)
		}
		return
	}
	s.metrics.EventPublished(string(typ))
	logger.Log.Debugw("state published", "room_id", key.RoomID, "game_kind", key.GameKind, "version", snap.Version, "type", typ)
}
