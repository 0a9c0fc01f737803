package syncengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvite_RoundTrip(t *testing.T) {
	link, err := BuildInvite("https://play.example.com/ttt?theme=dark", Invite{
		RoomID:   "ttt demo/1",
		Name:     "Bob & Co",
		Role:     "O",
		GameKind: "tic-tac-toe",
	})
	require.NoError(t, err)
	assert.Contains(t, link, "theme=dark")

	inv, err := ParseInvite(link)
	require.NoError(t, err)
	assert.Equal(t, Invite{RoomID: "ttt demo/1", Name: "Bob & Co", Role: "O", GameKind: "tic-tac-toe"}, inv)
}

func TestInvite_OptionalFields(t *testing.T) {
	link, err := BuildInvite("http://localhost:8080/", Invite{RoomID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/?room=r1", link)

	inv, err := ParseInvite(link)
	require.NoError(t, err)
	assert.Empty(t, inv.Role)
	assert.Empty(t, inv.Name)
}

func TestInvite_RequiresRoom(t *testing.T) {
	_, err := BuildInvite("http://localhost/", Invite{Name: "Alice"})
	assert.ErrorIs(t, err, ErrInvalidInvite)

	_, err = ParseInvite("http://localhost/?name=Alice")
	assert.ErrorIs(t, err, ErrInvalidInvite)

	_, err = ParseInvite("://bad")
	assert.ErrorIs(t, err, ErrInvalidInvite)
}
