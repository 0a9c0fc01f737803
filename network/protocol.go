package network

import (
	"time"

	"github.com/wfunc/roomsync/models"
)

const (
	MsgTypeEvent = "event"
	MsgTypeError = "error"
)

const (
	// Time allowed to write a frame to the peer.
	WriteWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	PongWait = 60 * time.Second
	// Send pings with this period; must be less than PongWait.
	PingPeriod = (PongWait * 9) / 10
	// Largest frame accepted from the peer. Subscribers only send control
	// frames, so this stays small.
	MaxMessageSize = 4096
)

// Message is one JSON text frame of the push channel.
type Message struct {
	Type  string        `json:"type"`
	Event *models.Event `json:"event,omitempty"`
	Error string        `json:"error,omitempty"`
}

func EventMessage(ev *models.Event) *Message {
	return &Message{Type: MsgTypeEvent, Event: ev}
}

func ErrorMessage(err error) *Message {
	return &Message{Type: MsgTypeError, Error: err.Error()}
}
