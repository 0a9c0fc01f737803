// session/session.go
package session

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/roomsync/broadcast"
	"github.com/wfunc/roomsync/models"
	"github.com/wfunc/roomsync/network"
)

// Session is one push subscriber attached to one room.
type Session struct {
	ID         string
	Conn       network.Connection
	Key        models.RoomKey
	CreatedAt  time.Time
	LastActive time.Time
	sent       uint64
	mutex      sync.RWMutex
}

func NewSession(id string, key models.RoomKey, conn network.Connection) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Conn:       conn,
		Key:        key,
		CreatedAt:  now,
		LastActive: now,
	}
}

func (s *Session) Send(ev *models.Event) error {
	s.mutex.Lock()
	s.LastActive = time.Now()
	s.sent++
	s.mutex.Unlock()
	return s.Conn.Send(network.EventMessage(ev))
}

// Sent returns the number of events pushed so far.
func (s *Session) Sent() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.sent
}

func (s *Session) GetID() string {
	return s.ID
}

// Pump forwards sub's events to the peer until the subscription ends, ctx
// ends or a send fails.
func (s *Session) Pump(ctx context.Context, sub *broadcast.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := s.Send(ev); err != nil {
				return err
			}
		}
	}
}

// Drain discards inbound frames until the peer goes away, which is how a
// closed or dead subscriber is noticed.
func (s *Session) Drain() error {
	for {
		if _, err := s.Conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func (s *Session) Close() error {
	return s.Conn.Close()
}

// Session管理器
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[session.ID] = session
}

func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

func (m *Manager) GetByRoom(key models.RoomKey) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var result []*Session
	for _, session := range m.sessions {
		if session.Key == key {
			result = append(result, session)
		}
	}
	return result
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// RoomCounts returns the number of sessions per room.
func (m *Manager) RoomCounts() map[models.RoomKey]int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	counts := make(map[models.RoomKey]int)
	for _, session := range m.sessions {
		counts[session.Key]++
	}
	return counts
}

// CloseAll closes every session's connection.
func (m *Manager) CloseAll() {
	m.mutex.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mutex.RUnlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}
