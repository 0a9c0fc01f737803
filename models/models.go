// models/models.go
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"
)

// RosterField is the one document field the synchronization core understands.
const RosterField = "roster"

var (
	ErrMissingRoster   = errors.New("document has no roster")
	ErrInvalidRoster   = errors.New("invalid roster")
	ErrInvalidRoomKey  = errors.New("invalid room key")
	ErrInvalidDocument = errors.New("document must be a JSON object")
)

var gameKindPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// RoomKey names one shared match. The same room id under two game kinds is
// two different rooms.
type RoomKey struct {
	RoomID   string `json:"room_id"`
	GameKind string `json:"game_kind"`
}

func (k RoomKey) Validate() error {
	if k.RoomID == "" {
		return fmt.Errorf("%w: empty room id", ErrInvalidRoomKey)
	}
	if !gameKindPattern.MatchString(k.GameKind) {
		return fmt.Errorf("%w: game kind %q", ErrInvalidRoomKey, k.GameKind)
	}
	return nil
}

func (k RoomKey) String() string {
	return k.GameKind + "/" + k.RoomID
}

// PlayerSlot is one roster entry. ParticipantID is an opaque per-browser
// identity that lets a reconnect be told apart from an unrelated participant
// who picked the same display name.
type PlayerSlot struct {
	DisplayName   string `json:"display_name"`
	Role          string `json:"role"`
	ParticipantID string `json:"participant_id,omitempty"`
}

// Roster is ordered by join time.
type Roster []PlayerSlot

// Find returns the index of the entry with exactly this display name, or -1.
func (r Roster) Find(name string) int {
	for i, slot := range r {
		if slot.DisplayName == name {
			return i
		}
	}
	return -1
}

func (r Roster) Names() []string {
	names := make([]string, len(r))
	for i, slot := range r {
		names[i] = slot.DisplayName
	}
	return names
}

func (r Roster) RoleTaken(role string) bool {
	for _, slot := range r {
		if slot.Role == role {
			return true
		}
	}
	return false
}

// Validate checks that every entry is named and names are unique.
func (r Roster) Validate() error {
	seen := make(map[string]struct{}, len(r))
	for i, slot := range r {
		if slot.DisplayName == "" {
			return fmt.Errorf("%w: entry %d has no display name", ErrInvalidRoster, i)
		}
		if _, dup := seen[slot.DisplayName]; dup {
			return fmt.Errorf("%w: duplicate display name %q", ErrInvalidRoster, slot.DisplayName)
		}
		seen[slot.DisplayName] = struct{}{}
	}
	return nil
}

// Document is a canonical state document. Everything except the roster is
// game specific and opaque here.
type Document map[string]any

// DecodeJSON is json.Unmarshal with numbers kept as json.Number, so integers
// past 2^53 keep every digit.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("invalid character after top-level value")
	}
	return nil
}

// Normalize converts any JSON-encodable value into its generic decoded form
// (maps, slices, json.Number, string, bool, nil).
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := DecodeJSON(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DocumentFrom normalizes v and requires the result to be a JSON object.
func DocumentFrom(v any) (Document, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	m, ok := n.(map[string]any)
	if !ok {
		return nil, ErrInvalidDocument
	}
	return Document(m), nil
}

// Clone returns a deep copy in normalized form.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	c, err := DocumentFrom(map[string]any(d))
	if err != nil {
		// Documents only ever hold JSON values; a failure here means a
		// caller stored something unencodable, so fall back to a shallow copy.
		out := make(Document, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	return c
}

func (d Document) Field(name string) any {
	if d == nil {
		return nil
	}
	return d[name]
}

// HasRoster reports whether the roster field is present.
func (d Document) HasRoster() bool {
	_, ok := d[RosterField]
	return ok
}

// Roster decodes the roster field. A document without one yields
// ErrMissingRoster.
func (d Document) Roster() (Roster, error) {
	raw, ok := d[RosterField]
	if !ok {
		return nil, ErrMissingRoster
	}
	if r, ok := raw.(Roster); ok {
		return append(Roster(nil), r...), nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoster, err)
	}
	var r Roster
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoster, err)
	}
	if r == nil {
		r = Roster{}
	}
	return r, nil
}

// WithRoster returns a normalized copy of d whose roster field is r.
func (d Document) WithRoster(r Roster) Document {
	out := d.Clone()
	if out == nil {
		out = Document{}
	}
	if r == nil {
		r = Roster{}
	}
	if n, err := Normalize(r); err == nil {
		out[RosterField] = n
	} else {
		out[RosterField] = r
	}
	return out
}

// Snapshot is the result of reading or writing a room.
type Snapshot struct {
	Exists    bool      `json:"exists"`
	Document  Document  `json:"document,omitempty"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type EventType string

const (
	EventStateUpdated EventType = "state-updated"
	EventStateReset   EventType = "state-reset"
)

// Event is what the broadcast fan-out delivers to room subscribers.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	RoomID      string    `json:"room_id"`
	GameKind    string    `json:"game_kind"`
	Version     uint64    `json:"version"`
	Document    Document  `json:"document,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

func (e *Event) Key() RoomKey {
	return RoomKey{RoomID: e.RoomID, GameKind: e.GameKind}
}
