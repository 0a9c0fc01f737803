package syncengine

import (
	"errors"
	"fmt"
	"net/url"
)

var ErrInvalidInvite = errors.New("invalid invite link")

// Invite carries everything a participant needs to join without asking: the
// room, a display name and, for role-based games, the role they are meant to
// take.
type Invite struct {
	RoomID   string
	Name     string
	Role     string
	GameKind string
}

// BuildInvite adds the invite as query parameters to base, keeping any
// parameters base already has.
func BuildInvite(base string, inv Invite) (string, error) {
	if inv.RoomID == "" {
		return "", fmt.Errorf("%w: missing room", ErrInvalidInvite)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	q := u.Query()
	q.Set("room", inv.RoomID)
	if inv.Name != "" {
		q.Set("name", inv.Name)
	}
	if inv.Role != "" {
		q.Set("role", inv.Role)
	}
	if inv.GameKind != "" {
		q.Set("game", inv.GameKind)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func ParseInvite(raw string) (Invite, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Invite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	q := u.Query()
	inv := Invite{
		RoomID:   q.Get("room"),
		Name:     q.Get("name"),
		Role:     q.Get("role"),
		GameKind: q.Get("game"),
	}
	if inv.RoomID == "" {
		return Invite{}, fmt.Errorf("%w: missing room", ErrInvalidInvite)
	}
	return inv, nil
}
