// Package roles decides which role a participant holds in a room's roster.
//
// Resolve is the pure resolver: empty roster gets the first (or preferred)
// role, an exact name match recovers its existing role, anyone else gets the
// first unused role until the game's role set is exhausted. Join wraps it with
// name disambiguation so an exact match only ever means a true reconnect.
package roles

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wfunc/roomsync/models"
)

var (
	ErrCapacityExceeded = errors.New("room is full")
	ErrEmptyName        = errors.New("display name is required")
	ErrNoRoles          = errors.New("game has no roles")
)

// Request describes a participant asking to join.
type Request struct {
	Name string
	// PreferredRole comes from an invite link; it is honoured when unused.
	PreferredRole string
	// ParticipantID identifies the physical participant (browser, CLI). It is
	// optional; without it every exact name match counts as a reconnect.
	ParticipantID string
}

// Assignment is the outcome of a join.
type Assignment struct {
	Slot models.PlayerSlot
	// Roster is the roster after the join. It equals the input when the
	// participant was recovered.
	Roster    models.Roster
	Appended  bool
	Recovered bool
	// Renamed is set when the requested name was taken by someone else and
	// Slot.DisplayName is a numbered variant.
	Renamed bool
}

// Resolve maps a roster and a requested name to a role. It never renames:
// callers that can tell participants apart use Join.
func Resolve(roster models.Roster, req Request, roleSet []string) (Assignment, error) {
	if req.Name == "" {
		return Assignment{}, ErrEmptyName
	}
	if len(roleSet) == 0 {
		return Assignment{}, ErrNoRoles
	}

	if i := roster.Find(req.Name); i >= 0 {
		return Assignment{Slot: roster[i], Roster: roster, Recovered: true}, nil
	}

	role, err := pickRole(roster, req.PreferredRole, roleSet)
	if err != nil {
		return Assignment{}, err
	}
	slot := models.PlayerSlot{DisplayName: req.Name, Role: role, ParticipantID: req.ParticipantID}

	next := make(models.Roster, 0, len(roster)+1)
	next = append(next, roster...)
	next = append(next, slot)
	return Assignment{Slot: slot, Roster: next, Appended: true}, nil
}

func pickRole(roster models.Roster, preferred string, roleSet []string) (string, error) {
	if len(roster) >= len(roleSet) {
		return "", fmt.Errorf("%w: %d of %d roles taken", ErrCapacityExceeded, len(roster), len(roleSet))
	}
	if preferred != "" && contains(roleSet, preferred) && !roster.RoleTaken(preferred) {
		return preferred, nil
	}
	if len(roster) == 0 {
		return roleSet[0], nil
	}
	for _, r := range roleSet {
		if !roster.RoleTaken(r) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: no unused role", ErrCapacityExceeded)
}

// Join resolves req against roster, first recovering the participant's own
// entry (by participant id, under the requested name or a numbered variant
// of it) and otherwise renaming away from a name held by someone else.
func Join(roster models.Roster, req Request, roleSet []string) (Assignment, error) {
	if req.Name == "" {
		return Assignment{}, ErrEmptyName
	}

	if req.ParticipantID != "" {
		for _, slot := range roster {
			if slot.ParticipantID != req.ParticipantID {
				continue
			}
			if slot.DisplayName == req.Name || isVariantOf(slot.DisplayName, req.Name) {
				return Assignment{Slot: slot, Roster: roster, Recovered: true}, nil
			}
		}
	}

	renamed := false
	if i := roster.Find(req.Name); i >= 0 && belongsToOther(roster[i], req.ParticipantID) {
		req.Name = Disambiguate(roster, req.Name)
		renamed = true
	}

	a, err := Resolve(roster, req, roleSet)
	if err != nil {
		return Assignment{}, err
	}
	a.Renamed = renamed
	return a, nil
}

func belongsToOther(slot models.PlayerSlot, participantID string) bool {
	return slot.ParticipantID != "" && participantID != "" && slot.ParticipantID != participantID
}

// Disambiguate returns name if it is free in roster, otherwise the first of
// "name (2)", "name (3)", ... that is.
func Disambiguate(roster models.Roster, name string) string {
	if roster.Find(name) < 0 {
		return name
	}
	for n := 2; ; n++ {
		candidate := variant(name, n)
		if roster.Find(candidate) < 0 {
			return candidate
		}
	}
}

func variant(name string, n int) string {
	return name + " (" + strconv.Itoa(n) + ")"
}

func isVariantOf(candidate, name string) bool {
	rest, ok := strings.CutPrefix(candidate, name+" (")
	if !ok {
		return false
	}
	digits, ok := strings.CutSuffix(rest, ")")
	if !ok || digits == "" {
		return false
	}
	n, err := strconv.Atoi(digits)
	return err == nil && n >= 2 && strconv.Itoa(n) == digits
}

// Infer re-derives a participant's own role from a freshly applied roster.
// An entry under the participant's own name always wins. Otherwise a role
// already known locally is kept. Only when nothing is known, the game has
// exactly two roles and the roster holds exactly one other entry is the
// opposite of that entry's role inferred; every other shape is ambiguous.
func Infer(roster models.Roster, name, current string, roleSet []string) (string, bool) {
	if i := roster.Find(name); i >= 0 {
		return roster[i].Role, true
	}
	if current != "" {
		return current, true
	}
	if len(roleSet) != 2 {
		return "", false
	}

	var others []models.PlayerSlot
	for _, slot := range roster {
		if slot.DisplayName != name {
			others = append(others, slot)
		}
	}
	if len(others) != 1 {
		return "", false
	}
	switch others[0].Role {
	case roleSet[0]:
		return roleSet[1], true
	case roleSet[1]:
		return roleSet[0], true
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
