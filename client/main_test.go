package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/roomsync/config"
	"github.com/wfunc/roomsync/games"
	"github.com/wfunc/roomsync/syncengine"
)

func TestNextRole(t *testing.T) {
	catalog := games.Default()

	ttt, err := catalog.Get("tic-tac-toe")
	require.NoError(t, err)
	assert.Equal(t, "O", nextRole(ttt, "X"))
	assert.Equal(t, "X", nextRole(ttt, "O"))
	assert.Equal(t, "X", nextRole(ttt, "nobody"))

	eights, err := catalog.Get("crazy-eights")
	require.NoError(t, err)
	assert.Equal(t, "north", nextRole(eights, "west"))
	assert.Equal(t, "east", nextRole(eights, "north"))
}

func TestEngineOptions_ParticipantID(t *testing.T) {
	game, err := games.Default().Get("tic-tac-toe")
	require.NoError(t, err)
	cfg := &config.Config{}

	e := syncengine.New(nil, game, engineOptions(cfg, options{server: "http://localhost:8080"})...)
	assert.Empty(t, e.ParticipantID(), "no id: an exact name match reconnects")

	e = syncengine.New(nil, game, engineOptions(cfg, options{server: "http://localhost:8080", pid: "laptop"})...)
	assert.Equal(t, "laptop", e.ParticipantID())
}
