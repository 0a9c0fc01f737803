package statehash

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash_KeyOrderInsensitive(t *testing.T) {
	a := map[string]any{"turn": "X", "board": []any{"", "", "O"}, "roster": []any{}}
	b := map[string]any{"roster": []any{}, "board": []any{"", "", "O"}, "turn": "X"}
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHash_StructAndMapAgree(t *testing.T) {
	type doc struct {
		Turn  string `json:"turn"`
		Moves int    `json:"moves"`
	}
	assert.Equal(t, Hash(doc{Turn: "O", Moves: 3}), Hash(map[string]any{"moves": 3.0, "turn": "O"}))
}

func TestHash_FieldChangeChangesHash(t *testing.T) {
	base := map[string]any{"turn": "X", "cells": []any{"", ""}}
	changed := map[string]any{"turn": "X", "cells": []any{"X", ""}}
	assert.NotEqual(t, Hash(base), Hash(changed))
	assert.False(t, Equal(base, changed))
}

func TestHash_LargeIntegersStayDistinct(t *testing.T) {
	a := map[string]any{"seed": json.Number("9007199254740993")}
	b := map[string]any{"seed": json.Number("9007199254740992")}
	assert.NotEqual(t, Hash(a), Hash(b))

	type doc struct {
		Seed uint64 `json:"seed"`
	}
	assert.Equal(t, Hash(doc{Seed: 9007199254740993}), Hash(a))
}

func TestHash_AcceptsAnything(t *testing.T) {
	assert.Len(t, Hash(nil), 16)
	assert.Equal(t, Hash(nil), Hash(nil))
	assert.NotEqual(t, Hash(nil), Hash(map[string]any{}))

	// Not JSON-encodable; still hashes deterministically.
	ch := make(chan int)
	assert.Len(t, Hash(ch), 16)
}
