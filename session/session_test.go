package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/wfunc/roomsync/broadcast"
	"github.com/wfunc/roomsync/models"
	"github.com/wfunc/roomsync/network"
)

// MockConnection is a test double for the network.Connection interface.
type MockConnection struct {
	mu      sync.Mutex
	sent    []*network.Message
	sendErr error
	closed  chan struct{}
	once    sync.Once
}

func newMockConnection() *MockConnection {
	return &MockConnection{closed: make(chan struct{})}
}

func (m *MockConnection) Send(msg *network.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *MockConnection) ReadMessage() (*network.Message, error) {
	<-m.closed
	return nil, io.EOF
}

func (m *MockConnection) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *MockConnection) RemoteAddr() net.Addr                { return &net.TCPAddr{} }
func (m *MockConnection) SetHeartbeat(interval time.Duration) {}

func (m *MockConnection) messages() []*network.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*network.Message(nil), m.sent...)
}

var (
	roomA = models.RoomKey{RoomID: "a", GameKind: "tic-tac-toe"}
	roomB = models.RoomKey{RoomID: "b", GameKind: "tic-tac-toe"}
)

func TestNewManager(t *testing.T) {
	manager := NewManager()
	if manager == nil {
		t.Fatal("NewManager should not return nil")
	}
	if manager.sessions == nil {
		t.Fatal("NewManager should initialize the sessions map")
	}
}

func TestManager_Add_Get_Remove(t *testing.T) {
	manager := NewManager()
	sessionID := "test_session_1"
	sess := NewSession(sessionID, roomA, newMockConnection())

	// Test Add
	manager.Add(sess)
	if manager.Count() != 1 {
		t.Fatalf("Expected session count to be 1, got %d", manager.Count())
	}

	// Test Get
	retrievedSess, exists := manager.Get(sessionID)
	if !exists {
		t.Fatal("Get should find the added session")
	}
	if retrievedSess != sess {
		t.Fatal("Get should return the same session instance")
	}

	// Test Remove
	manager.Remove(sessionID)
	if manager.Count() != 0 {
		t.Fatalf("Expected session count to be 0 after removal, got %d", manager.Count())
	}
	if _, exists := manager.Get(sessionID); exists {
		t.Fatal("Get should not find a removed session")
	}
}

func TestManager_GetByRoom(t *testing.T) {
	manager := NewManager()
	manager.Add(NewSession("s1", roomA, newMockConnection()))
	manager.Add(NewSession("s2", roomA, newMockConnection()))
	manager.Add(NewSession("s3", roomB, newMockConnection()))

	if got := len(manager.GetByRoom(roomA)); got != 2 {
		t.Errorf("Expected 2 sessions in room a, got %d", got)
	}
	counts := manager.RoomCounts()
	if counts[roomA] != 2 || counts[roomB] != 1 {
		t.Errorf("Unexpected room counts %v", counts)
	}
}

func TestSession_Pump(t *testing.T) {
	hub := broadcast.NewHub()
	defer hub.Close()
	ctx := context.Background()

	conn := newMockConnection()
	sess := NewSession("s1", roomA, conn)
	sub, err := hub.Subscribe(ctx, broadcast.ChannelName(roomA))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Pump(ctx, sub) }()

	for v := uint64(1); v <= 3; v++ {
		if err := hub.Publish(ctx, broadcast.ChannelName(roomA), &models.Event{Type: models.EventStateUpdated, Version: v}); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for sess.Sent() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	sub.Close()
	if err := <-done; err != nil {
		t.Fatalf("Pump should end cleanly when the subscription closes, got %v", err)
	}

	msgs := conn.messages()
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 pushed frames, got %d", len(msgs))
	}
	if msgs[2].Event.Version != 3 {
		t.Errorf("Expected events in publish order, last version %d", msgs[2].Event.Version)
	}
}

func TestSession_PumpStopsOnSendError(t *testing.T) {
	hub := broadcast.NewHub()
	defer hub.Close()
	ctx := context.Background()

	conn := newMockConnection()
	conn.sendErr = errors.New("broken pipe")
	sess := NewSession("s1", roomA, conn)
	sub, _ := hub.Subscribe(ctx, "c")

	done := make(chan error, 1)
	go func() { done <- sess.Pump(ctx, sub) }()
	_ = hub.Publish(ctx, "c", &models.Event{})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Pump should report the send failure")
		}
	case <-time.After(time.Second):
		t.Fatal("Pump did not stop")
	}
}

func TestSession_DrainEndsOnClose(t *testing.T) {
	conn := newMockConnection()
	sess := NewSession("s1", roomA, conn)

	done := make(chan error, 1)
	go func() { done <- sess.Drain() }()
	_ = sess.Close()

	select {
	case err := <-done:
		if err != io.EOF {
			t.Fatalf("Expected io.EOF, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after close")
	}
}
