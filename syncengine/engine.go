// Package syncengine keeps one participant's local view of a room in step
// with the canonical document. Pushed and polled documents feed a single
// reconciliation queue; a document whose hash equals the last applied one is
// dropped, which is how a participant's own writes echoing back are ignored.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/wfunc/roomsync/broadcast"
	"github.com/wfunc/roomsync/games"
	"github.com/wfunc/roomsync/logger"
	"github.com/wfunc/roomsync/models"
	"github.com/wfunc/roomsync/persistence"
	"github.com/wfunc/roomsync/roles"
	"github.com/wfunc/roomsync/state"
	"github.com/wfunc/roomsync/statehash"
)

var (
	ErrNotJoined      = errors.New("not joined to a room")
	ErrAlreadyJoined  = errors.New("already joined to a room")
	ErrRoleUnresolved = errors.New("role not resolved yet")
	ErrNotYourTurn    = errors.New("not this participant's turn")
)

const queueSize = 64

// MoveFunc computes the next document from a copy of the current one. It
// runs only after admission passed, with the participant's role.
type MoveFunc func(doc models.Document, role string) (models.Document, error)

type Engine struct {
	backend    Backend
	subscriber Subscriber
	game       *games.Game
	clock      clockwork.Clock
	log        *zap.SugaredLogger

	pollInterval   time.Duration
	joinRetries    int
	joinRetryDelay time.Duration
	participantID  string
	strict         bool
	onApply        func(models.Document)

	lifecycle *state.Lifecycle
	moveMu    sync.Mutex

	mu       sync.Mutex
	key      models.RoomKey
	name     string
	role     string
	doc      models.Document
	good     models.Document
	lastHash string
	version  uint64
	session  uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*Engine)

func WithSubscriber(s Subscriber) Option {
	return func(e *Engine) { e.subscriber = s }
}

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithJoinRetries bounds how often the initial read is retried.
func WithJoinRetries(n int, delay time.Duration) Option {
	return func(e *Engine) {
		e.joinRetries = n
		e.joinRetryDelay = delay
	}
}

// WithParticipantID sets a stable identifier that tells this participant
// apart from a different one joining under the same display name. Without it
// an exact name match is taken as a reconnect.
func WithParticipantID(id string) Option {
	return func(e *Engine) { e.participantID = id }
}

// WithStrictVersions makes every write conditional on the version the move
// was computed from, turning lost updates into rejected moves.
func WithStrictVersions() Option {
	return func(e *Engine) { e.strict = true }
}

// WithOnApply registers a hook called with every document applied to the
// local view.
func WithOnApply(fn func(models.Document)) Option {
	return func(e *Engine) { e.onApply = fn }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

func New(backend Backend, game *games.Game, opts ...Option) *Engine {
	e := &Engine{
		backend:        backend,
		game:           game,
		clock:          clockwork.NewRealClock(),
		log:            logger.Log,
		pollInterval:   500 * time.Millisecond,
		joinRetries:    3,
		joinRetryDelay: 200 * time.Millisecond,
		lifecycle:      state.NewLifecycle(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lifecycle exposes the engine's state machine, e.g. to observe changes.
func (e *Engine) Lifecycle() *state.Lifecycle {
	return e.lifecycle
}

func (e *Engine) State() string {
	return e.lifecycle.Current()
}

func (e *Engine) ParticipantID() string {
	return e.participantID
}

func (e *Engine) Game() *games.Game {
	return e.game
}

func (e *Engine) Key() models.RoomKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key
}

// Name is the display name the participant ended up with, which may be a
// numbered variant of the requested one.
func (e *Engine) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// Role is empty while unresolved.
func (e *Engine) Role() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Document returns a copy of the local view.
func (e *Engine) Document() models.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Clone()
}

func (e *Engine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Join enters roomID under name. preferredRole is an invite hint and may be
// empty. No state is written when the room is full.
func (e *Engine) Join(ctx context.Context, roomID, name, preferredRole string) error {
	key := models.RoomKey{RoomID: roomID, GameKind: e.game.Kind}
	if err := key.Validate(); err != nil {
		return err
	}
	if err := e.lifecycle.Transition(state.Joining); err != nil {
		return ErrAlreadyJoined
	}

	snap, slot, err := e.joinRoom(ctx, key, roles.Request{
		Name:          name,
		PreferredRole: preferredRole,
		ParticipantID: e.participantID,
	})
	if err != nil {
		_ = e.lifecycle.Transition(state.Disconnected)
		return err
	}

	e.mu.Lock()
	e.key = key
	e.name = slot.DisplayName
	e.role = slot.Role
	applied := e.applyLocked(snap.Document, snap.Version)
	e.startLocked(key)
	err = e.lifecycle.Transition(state.Synced)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.notify(applied)

	e.log.Infow("joined room", "room_id", key.RoomID, "game_kind", key.GameKind,
		"name", slot.DisplayName, "role", slot.Role, "version", snap.Version)
	return nil
}

// joinRoom reads the room and writes the roster if this join changes it. In
// strict mode a concurrent roster change restarts the attempt.
func (e *Engine) joinRoom(ctx context.Context, key models.RoomKey, req roles.Request) (*models.Snapshot, models.PlayerSlot, error) {
	for attempt := 0; ; attempt++ {
		current, err := e.readWithRetry(ctx, key)
		if err != nil {
			return nil, models.PlayerSlot{}, err
		}

		var (
			base   models.Document
			roster models.Roster
		)
		if current.Exists {
			base = current.Document
			if roster, err = base.Roster(); err != nil {
				return nil, models.PlayerSlot{}, err
			}
		} else {
			base = e.game.InitialDocument()
		}

		a, err := roles.Join(roster, req, e.game.Roles)
		if err != nil {
			return nil, models.PlayerSlot{}, err
		}
		if current.Exists && !a.Appended {
			return current, a.Slot, nil
		}

		next := base.WithRoster(a.Roster)
		var snap *models.Snapshot
		if e.strict {
			snap, err = e.backend.ReplaceIfVersion(ctx, key, next, current.Version)
		} else {
			snap, err = e.backend.Replace(ctx, key, next)
		}
		if errors.Is(err, persistence.ErrVersionConflict) && attempt < e.joinRetries {
			continue
		}
		if err != nil {
			return nil, models.PlayerSlot{}, err
		}
		if snap.Document == nil {
			snap.Document = next
		}
		return snap, a.Slot, nil
	}
}

func (e *Engine) readWithRetry(ctx context.Context, key models.RoomKey) (*models.Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt <= e.joinRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-e.clock.After(e.joinRetryDelay * time.Duration(attempt)):
			}
		}
		snap, err := e.backend.Read(ctx, key)
		if err == nil {
			return snap, nil
		}
		if errors.Is(err, games.ErrUnknownGame) || errors.Is(err, models.ErrInvalidRoomKey) {
			return nil, err
		}
		lastErr = err
		e.log.Warnw("join read failed", "room_id", key.RoomID, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("read room after %d attempts: %w", e.joinRetries+1, lastErr)
}

// startLocked launches the reconciliation loop and its two producers. The
// loop blocks on e.mu until the caller releases it.
func (e *Engine) startLocked(key models.RoomKey) {
	ctx, cancel := context.WithCancel(context.Background())
	queue := make(chan *models.Event, queueSize)
	poller := broadcast.NewPoller(e.backend, key, e.pollInterval, e.clock)
	e.cancel = cancel
	e.session++

	enqueue := func(ev *models.Event) {
		select {
		case queue <- ev:
		case <-ctx.Done():
		}
	}

	if e.subscriber != nil {
		events, err := e.subscriber.Subscribe(ctx, key)
		if err != nil {
			e.log.Warnw("push unavailable, polling only", "room_id", key.RoomID, "error", err)
		} else {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				for ev := range events {
					poller.Pushed()
					enqueue(ev)
				}
			}()
		}
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		poller.Run(ctx, enqueue)
	}()
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-queue:
				e.reconcile(ev)
			}
		}
	}()
}

// reconcile applies an incoming document unless it is the one already
// applied or older than it.
func (e *Engine) reconcile(ev *models.Event) {
	if ev == nil || ev.Document == nil {
		return
	}
	h := statehash.Hash(ev.Document)

	e.mu.Lock()
	if e.cancel == nil || ev.Key() != e.key {
		e.mu.Unlock()
		return
	}
	if h == e.lastHash {
		if ev.Version > e.version {
			e.version = ev.Version
		}
		e.mu.Unlock()
		return
	}
	if ev.Version != 0 && ev.Version <= e.version {
		e.log.Debugw("stale document discarded", "room_id", e.key.RoomID, "version", ev.Version, "applied", e.version)
		e.mu.Unlock()
		return
	}

	_ = e.lifecycle.Transition(state.Reconciling)
	applied := e.applyLocked(ev.Document, ev.Version)
	_ = e.lifecycle.Transition(state.Synced)
	e.mu.Unlock()

	e.notify(applied)
}

// applyLocked replaces the local view and re-derives the role. The returned
// copy is handed to notify once e.mu is released.
func (e *Engine) applyLocked(doc models.Document, version uint64) models.Document {
	e.doc = doc.Clone()
	e.good = e.doc
	e.lastHash = statehash.Hash(e.doc)
	if version > e.version {
		e.version = version
	}
	e.deriveRoleLocked()
	return e.doc.Clone()
}

func (e *Engine) deriveRoleLocked() {
	roster, err := e.doc.Roster()
	if err != nil {
		return
	}
	if role, ok := roles.Infer(roster, e.name, e.role, e.game.Roles); ok {
		e.role = role
	}
}

func (e *Engine) notify(doc models.Document) {
	if e.onApply != nil && doc != nil {
		e.onApply(doc)
	}
}

func (e *Engine) admitLocked() error {
	if e.cancel == nil {
		return ErrNotJoined
	}
	if e.role == "" {
		return ErrRoleUnresolved
	}
	if e.game.TurnField == "" {
		return nil
	}
	turn, ok := e.game.TurnOf(e.doc)
	if !ok || turn != e.role {
		return fmt.Errorf("%w: turn is %q, role is %q", ErrNotYourTurn, turn, e.role)
	}
	return nil
}

// Move submits a local move. It is rejected before any network call unless
// the participant's resolved role holds the turn. The result is applied to
// the local view at once and reverted if the write fails.
func (e *Engine) Move(ctx context.Context, fn MoveFunc) error {
	e.moveMu.Lock()
	defer e.moveMu.Unlock()

	e.mu.Lock()
	if err := e.admitLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	key, role, baseVersion, session := e.key, e.role, e.version, e.session
	current := e.doc.Clone()
	e.mu.Unlock()

	next, err := fn(current.Clone(), role)
	if err != nil {
		return err
	}
	if next == nil {
		return models.ErrInvalidDocument
	}
	if !next.HasRoster() {
		next = next.Clone()
		next[models.RosterField] = current[models.RosterField]
	}

	e.mu.Lock()
	if e.cancel == nil || e.session != session {
		e.mu.Unlock()
		return ErrNotJoined
	}
	good := e.good
	applied := e.applyLocked(next, 0)
	e.good = good
	optimistic := e.lastHash
	e.mu.Unlock()
	e.notify(applied)

	var snap *models.Snapshot
	if e.strict {
		snap, err = e.backend.ReplaceIfVersion(ctx, key, next, baseVersion)
	} else {
		snap, err = e.backend.Replace(ctx, key, next)
	}

	e.mu.Lock()
	if e.cancel == nil || e.session != session {
		// Left or rejoined while the write was in flight; the view it
		// belonged to is gone.
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("submit move: %w", err)
		}
		return nil
	}
	if err != nil {
		var reverted models.Document
		if e.lastHash == optimistic {
			reverted = e.applyLocked(e.good, 0)
		}
		e.mu.Unlock()
		e.notify(reverted)
		e.log.Warnw("move rejected", "room_id", key.RoomID, "role", role, "error", err)
		return fmt.Errorf("submit move: %w", err)
	}

	var confirmed models.Document
	switch {
	case e.lastHash == optimistic:
		e.good = e.doc
		if snap.Version > e.version {
			e.version = snap.Version
		}
	case snap.Version > e.version:
		// A document applied while the write was in flight is older than
		// the write; the store holds ours.
		confirmed = e.applyLocked(next, snap.Version)
	}
	e.mu.Unlock()
	e.notify(confirmed)
	return nil
}

// Reset restores the game's initial document, keeping the roster.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel == nil {
		e.mu.Unlock()
		return ErrNotJoined
	}
	key := e.key
	e.mu.Unlock()

	snap, err := e.backend.Reset(ctx, key, e.game.InitialDocument())
	if err != nil {
		return fmt.Errorf("reset room: %w", err)
	}
	e.reconcile(broadcast.NewEvent(models.EventStateReset, key, snap))
	return nil
}

// Disconnect leaves the room locally. The roster is not touched, so joining
// again under the same name recovers the same role.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.key = models.RoomKey{}
	e.name = ""
	e.role = ""
	e.doc = nil
	e.good = nil
	e.lastHash = ""
	e.version = 0
	e.mu.Unlock()

	_ = e.lifecycle.Transition(state.Disconnected)
}
