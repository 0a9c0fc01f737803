package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/roomsync/broadcast"
	"github.com/wfunc/roomsync/games"
	"github.com/wfunc/roomsync/models"
	"github.com/wfunc/roomsync/persistence"
	"github.com/wfunc/roomsync/statehash"
)

// MockPublisher records published events.
type MockPublisher struct {
	mu     sync.Mutex
	events []*models.Event
	chans  []string
}

func (m *MockPublisher) Publish(_ context.Context, channel string, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	m.chans = append(m.chans, channel)
	return nil
}

func (m *MockPublisher) last() (*models.Event, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil, ""
	}
	return m.events[len(m.events)-1], m.chans[len(m.chans)-1]
}

var tttKey = models.RoomKey{RoomID: "ttt-demo", GameKind: "tic-tac-toe"}

func newTestService() (*Service, *MockPublisher) {
	pub := &MockPublisher{}
	return NewService(persistence.NewMemoryStore(), pub, games.Default()), pub
}

func withRoster(doc models.Document, slots ...models.PlayerSlot) models.Document {
	return doc.WithRoster(models.Roster(slots))
}

func TestService_ReadUnknownRoom(t *testing.T) {
	svc, _ := newTestService()
	snap, err := svc.Read(context.Background(), tttKey)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestService_RejectsUnknownGameAndBadKeys(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Read(ctx, models.RoomKey{RoomID: "r", GameKind: "chess"})
	assert.ErrorIs(t, err, games.ErrUnknownGame)

	_, err = svc.Read(ctx, models.RoomKey{RoomID: "", GameKind: "tic-tac-toe"})
	assert.ErrorIs(t, err, models.ErrInvalidRoomKey)
}

func TestService_ReplaceValidatesRoster(t *testing.T) {
	svc, pub := newTestService()
	ctx := context.Background()

	_, err := svc.Replace(ctx, tttKey, models.Document{"turn": "X"})
	assert.ErrorIs(t, err, models.ErrMissingRoster)

	dup := withRoster(models.Document{}, models.PlayerSlot{DisplayName: "A", Role: "X"}, models.PlayerSlot{DisplayName: "A", Role: "O"})
	_, err = svc.Replace(ctx, tttKey, dup)
	assert.ErrorIs(t, err, models.ErrInvalidRoster)

	three := withRoster(models.Document{},
		models.PlayerSlot{DisplayName: "A", Role: "X"},
		models.PlayerSlot{DisplayName: "B", Role: "O"},
		models.PlayerSlot{DisplayName: "C", Role: "X"})
	_, err = svc.Replace(ctx, tttKey, three)
	assert.ErrorIs(t, err, models.ErrInvalidRoster)

	ev, _ := pub.last()
	assert.Nil(t, ev, "rejected writes are not announced")
}

func TestService_ReplacePublishes(t *testing.T) {
	svc, pub := newTestService()
	doc := withRoster(models.Document{"turn": "X"}, models.PlayerSlot{DisplayName: "Alice", Role: "X"})

	snap, err := svc.Replace(context.Background(), tttKey, doc)
	require.NoError(t, err)

	ev, channel := pub.last()
	require.NotNil(t, ev)
	assert.Equal(t, broadcast.ChannelName(tttKey), channel)
	assert.Equal(t, models.EventStateUpdated, ev.Type)
	assert.Equal(t, snap.Version, ev.Version)
	assert.True(t, statehash.Equal(doc, ev.Document))
}

// Two writers read the same version and both write: the second overwrites
// the first without error.
func TestService_LostUpdateIsLastWriteWins(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	base := withRoster(models.Document{"turn": "X"}, models.PlayerSlot{DisplayName: "Alice", Role: "X"})
	_, err := svc.Replace(ctx, tttKey, base)
	require.NoError(t, err)

	a, err := svc.Read(ctx, tttKey)
	require.NoError(t, err)
	b, err := svc.Read(ctx, tttKey)
	require.NoError(t, err)

	docA := a.Document.Clone()
	docA["cell0"] = "X"
	docB := b.Document.Clone()
	docB["cell4"] = "X"

	_, err = svc.Replace(ctx, tttKey, docA)
	require.NoError(t, err)
	_, err = svc.Replace(ctx, tttKey, docB)
	require.NoError(t, err)

	final, err := svc.Read(ctx, tttKey)
	require.NoError(t, err)
	assert.Equal(t, "X", final.Document["cell4"])
	assert.Nil(t, final.Document["cell0"], "first write is lost")
}

func TestService_ReplaceIfVersion(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	doc := withRoster(models.Document{"turn": "X"})

	first, err := svc.ReplaceIfVersion(ctx, tttKey, doc, 0)
	require.NoError(t, err)

	_, err = svc.ReplaceIfVersion(ctx, tttKey, doc, 0)
	assert.ErrorIs(t, err, persistence.ErrVersionConflict)

	second, err := svc.ReplaceIfVersion(ctx, tttKey, doc, first.Version)
	require.NoError(t, err)
	assert.Greater(t, second.Version, first.Version)
}

func TestService_ResetPreservesRoster(t *testing.T) {
	svc, pub := newTestService()
	ctx := context.Background()
	game, err := svc.Game("tic-tac-toe")
	require.NoError(t, err)

	played := withRoster(models.Document{"turn": "O", "board": []any{"X", "", "", "", "", "", "", "", ""}, "winner": "X"},
		models.PlayerSlot{DisplayName: "Alice", Role: "X", ParticipantID: "pa"},
		models.PlayerSlot{DisplayName: "Bob", Role: "O"})
	before, err := svc.Replace(ctx, tttKey, played)
	require.NoError(t, err)

	snap, err := svc.Reset(ctx, tttKey, nil)
	require.NoError(t, err)

	assert.Equal(t, statehash.Hash(before.Document[models.RosterField]), statehash.Hash(snap.Document[models.RosterField]))
	for field, value := range game.Initial {
		if field == models.RosterField {
			continue
		}
		assert.Equal(t, value, snap.Document[field], field)
	}
	_, hasWinner := snap.Document["winner"]
	assert.False(t, hasWinner, "fields outside the initial document are dropped")

	ev, _ := pub.last()
	require.NotNil(t, ev)
	assert.Equal(t, models.EventStateReset, ev.Type)
}

func TestService_ResetMissingRoomCreatesEmptyRoster(t *testing.T) {
	svc, _ := newTestService()
	snap, err := svc.Reset(context.Background(), tttKey, nil)
	require.NoError(t, err)
	assert.True(t, snap.Exists)

	roster, err := snap.Document.Roster()
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func TestService_NilPublisher(t *testing.T) {
	svc := NewService(persistence.NewMemoryStore(), nil, games.Default())
	_, err := svc.Replace(context.Background(), tttKey, withRoster(models.Document{}))
	assert.NoError(t, err)
}

func TestJanitor_SweepsIdleRooms(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	store := persistence.NewMemoryStore(persistence.WithClock(clock))
	svc := NewService(store, nil, games.Default())
	_, err := svc.Replace(ctx, tttKey, withRoster(models.Document{}))
	require.NoError(t, err)

	j := NewJanitor(store, time.Hour, time.Minute, clock, nil)
	go j.Run(ctx)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(30 * time.Minute)
	n, err := j.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(2 * time.Hour)
	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
}
