// persistence/memory.go
package persistence

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wfunc/roomsync/models"
)

type memoryEntry struct {
	key        models.RoomKey
	doc        models.Document
	version    uint64
	updatedAt  time.Time
	accessedAt time.Time
}

// MemoryStore is the in-process store: one map guarded by one mutex, with an
// LRU list for capacity eviction and access times for idle sweeping.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	maxRooms int
	entries  map[models.RoomKey]*list.Element
	lru      *list.List // front is most recently used
	version  uint64
	closed   bool
}

type MemoryOption func(*MemoryStore)

func WithClock(clock clockwork.Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

// WithMaxRooms caps the number of rooms; the least recently used room is
// evicted when a new one would exceed it. Zero means unbounded.
func WithMaxRooms(n int) MemoryOption {
	return func(s *MemoryStore) { s.maxRooms = n }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		clock:   clockwork.NewRealClock(),
		entries: make(map[models.RoomKey]*list.Element),
		lru:     list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Read(ctx context.Context, key models.RoomKey) (*models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.snapshotLocked(key, true), nil
}

func (s *MemoryStore) Replace(ctx context.Context, key models.RoomKey, doc models.Document) (*models.Snapshot, error) {
	return s.Update(ctx, key, func(*models.Snapshot) (models.Document, error) {
		return doc, nil
	})
}

func (s *MemoryStore) Update(ctx context.Context, key models.RoomKey, fn UpdateFunc) (*models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	current := s.snapshotLocked(key, false)
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	s.writeLocked(key, next.Clone())
	return s.snapshotLocked(key, false), nil
}

func (s *MemoryStore) writeLocked(key models.RoomKey, doc models.Document) {
	now := s.clock.Now()
	s.version++

	if el, ok := s.entries[key]; ok {
		e := el.Value.(*memoryEntry)
		e.doc = doc
		e.version = s.version
		e.updatedAt = now
		e.accessedAt = now
		s.lru.MoveToFront(el)
		return
	}

	s.entries[key] = s.lru.PushFront(&memoryEntry{
		key:        key,
		doc:        doc,
		version:    s.version,
		updatedAt:  now,
		accessedAt: now,
	})
	for s.maxRooms > 0 && s.lru.Len() > s.maxRooms {
		s.removeLocked(s.lru.Back())
	}
}

func (s *MemoryStore) snapshotLocked(key models.RoomKey, touch bool) *models.Snapshot {
	el, ok := s.entries[key]
	if !ok {
		return &models.Snapshot{Exists: false}
	}
	e := el.Value.(*memoryEntry)
	if touch {
		e.accessedAt = s.clock.Now()
		s.lru.MoveToFront(el)
	}
	return &models.Snapshot{
		Exists:    true,
		Document:  e.doc.Clone(),
		Version:   e.version,
		UpdatedAt: e.updatedAt,
	}
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	e := s.lru.Remove(el).(*memoryEntry)
	delete(s.entries, e.key)
}

// Sweep drops rooms not read or written since idleSince.
func (s *MemoryStore) Sweep(ctx context.Context, idleSince time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*memoryEntry).accessedAt.Before(idleSince) {
			s.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Sweeper = (*MemoryStore)(nil)
	_ Sizer   = (*MemoryStore)(nil)
)
