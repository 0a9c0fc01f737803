package rpc

import (
	"encoding/json"
	"net"
	"net/rpc"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/roomsync/games"
	"github.com/wfunc/roomsync/models"
	"github.com/wfunc/roomsync/persistence"
	"github.com/wfunc/roomsync/room"
)

func startServer(t *testing.T) *rpc.Client {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svc := room.NewService(persistence.NewMemoryStore(), nil, games.Default())
	srv, err := NewServerListener(listener, svc)
	require.NoError(t, err)
	go srv.Start()
	t.Cleanup(srv.Stop)

	client, err := rpc.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func document(t *testing.T, turn string, names ...string) []byte {
	t.Helper()
	roster := models.Roster{}
	roles := []string{"X", "O"}
	for i, name := range names {
		roster = append(roster, models.PlayerSlot{DisplayName: name, Role: roles[i]})
	}
	data, err := json.Marshal(models.Document{"turn": turn, "board": []string{"", "", ""}}.WithRoster(roster))
	require.NoError(t, err)
	return data
}

func TestRoomService_ReplaceAndRead(t *testing.T) {
	client := startServer(t)

	var reply SnapshotReply
	err := client.Call(ServiceName+".Read", &ReadArgs{RoomID: "r", GameKind: "tic-tac-toe"}, &reply)
	require.NoError(t, err)
	assert.False(t, reply.Exists)

	var written SnapshotReply
	err = client.Call(ServiceName+".Replace", &ReplaceArgs{RoomID: "r", GameKind: "tic-tac-toe", Document: document(t, "X", "Alice")}, &written)
	require.NoError(t, err)
	assert.True(t, written.Exists)
	assert.NotZero(t, written.Version)

	err = client.Call(ServiceName+".Read", &ReadArgs{RoomID: "r", GameKind: "tic-tac-toe"}, &reply)
	require.NoError(t, err)
	assert.True(t, reply.Exists)
	assert.Equal(t, written.Version, reply.Version)

	var doc models.Document
	require.NoError(t, json.Unmarshal(reply.Document, &doc))
	roster, err := doc.Roster()
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, roster.Names())
}

func TestRoomService_CheckVersion(t *testing.T) {
	client := startServer(t)

	var reply SnapshotReply
	args := &ReplaceArgs{RoomID: "r", GameKind: "tic-tac-toe", Document: document(t, "X", "Alice"), CheckVersion: true}
	require.NoError(t, client.Call(ServiceName+".Replace", args, &reply))

	err := client.Call(ServiceName+".Replace", args, &reply)
	require.Error(t, err)
	assert.Contains(t, err.Error(), persistence.ErrVersionConflict.Error())
}

func TestRoomService_ResetPreservesRoster(t *testing.T) {
	client := startServer(t)

	var reply SnapshotReply
	require.NoError(t, client.Call(ServiceName+".Replace", &ReplaceArgs{RoomID: "r", GameKind: "tic-tac-toe", Document: document(t, "O", "Alice", "Bob")}, &reply))

	require.NoError(t, client.Call(ServiceName+".Reset", &ResetArgs{RoomID: "r", GameKind: "tic-tac-toe"}, &reply))
	var doc models.Document
	require.NoError(t, json.Unmarshal(reply.Document, &doc))
	assert.Equal(t, "X", doc["turn"])
	roster, err := doc.Roster()
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, roster.Names())
}

func TestRoomService_Errors(t *testing.T) {
	client := startServer(t)

	var reply SnapshotReply
	err := client.Call(ServiceName+".Read", &ReadArgs{RoomID: "r", GameKind: "chess"}, &reply)
	require.Error(t, err)
	assert.Contains(t, err.Error(), games.ErrUnknownGame.Error())

	err = client.Call(ServiceName+".Replace", &ReplaceArgs{RoomID: "r", GameKind: "tic-tac-toe", Document: []byte(`[1,2]`)}, &reply)
	require.Error(t, err)
	assert.Contains(t, err.Error(), models.ErrInvalidDocument.Error())
}
