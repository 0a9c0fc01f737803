package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomKey_Validate(t *testing.T) {
	assert.NoError(t, RoomKey{RoomID: "ttt-demo", GameKind: "tic-tac-toe"}.Validate())
	assert.ErrorIs(t, RoomKey{GameKind: "tic-tac-toe"}.Validate(), ErrInvalidRoomKey)
	assert.ErrorIs(t, RoomKey{RoomID: "a", GameKind: "Tic Tac"}.Validate(), ErrInvalidRoomKey)
}

func TestDocument_RosterRoundTrip(t *testing.T) {
	doc := Document{"turn": "X"}
	_, err := doc.Roster()
	assert.ErrorIs(t, err, ErrMissingRoster)

	withRoster := doc.WithRoster(Roster{{DisplayName: "Alice", Role: "X"}})
	assert.NotContains(t, doc, RosterField, "WithRoster must not mutate the receiver")

	r, err := withRoster.Roster()
	require.NoError(t, err)
	require.Len(t, r, 1)
	assert.Equal(t, "Alice", r[0].DisplayName)
	assert.Equal(t, "X", r[0].Role)

	// Normalized form: the roster is stored as generic JSON values.
	_, generic := withRoster[RosterField].([]any)
	assert.True(t, generic)
}

func TestDocument_CloneIsDeep(t *testing.T) {
	doc := Document{"board": []any{"", "X"}, "meta": map[string]any{"round": 1}}
	c := doc.Clone()
	c["board"].([]any)[0] = "O"
	c["meta"].(map[string]any)["round"] = 2.0

	assert.Equal(t, "", doc["board"].([]any)[0])
	assert.Equal(t, 1, doc["meta"].(map[string]any)["round"])
}

func TestDocument_CloneKeepsLargeIntegers(t *testing.T) {
	var doc Document
	require.NoError(t, DecodeJSON([]byte(`{"seed":9007199254740993,"score":1.5}`), &doc))
	assert.Equal(t, json.Number("9007199254740993"), doc["seed"])

	c := doc.Clone()
	assert.Equal(t, json.Number("9007199254740993"), c["seed"])
	assert.Equal(t, json.Number("1.5"), c["score"])

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seed":9007199254740993,"score":1.5}`, string(out))
	assert.Contains(t, string(out), "9007199254740993")
}

func TestDecodeJSON_RejectsTrailingData(t *testing.T) {
	var v any
	assert.Error(t, DecodeJSON([]byte(`{"a":1} {"b":2}`), &v))
	assert.Error(t, DecodeJSON([]byte(`{"a":`), &v))
	assert.NoError(t, DecodeJSON([]byte(" {\"a\":1}\n"), &v))
}

func TestRoster_Validate(t *testing.T) {
	assert.NoError(t, Roster{{DisplayName: "A"}, {DisplayName: "B"}}.Validate())
	assert.ErrorIs(t, Roster{{DisplayName: "A"}, {DisplayName: "A"}}.Validate(), ErrInvalidRoster)
	assert.ErrorIs(t, Roster{{DisplayName: ""}}.Validate(), ErrInvalidRoster)
}

func TestDocumentFrom_RejectsNonObjects(t *testing.T) {
	_, err := DocumentFrom([]int{1, 2})
	assert.ErrorIs(t, err, ErrInvalidDocument)

	doc, err := DocumentFrom(struct {
		Turn string `json:"turn"`
	}{Turn: "O"})
	require.NoError(t, err)
	assert.Equal(t, "O", doc["turn"])
}
