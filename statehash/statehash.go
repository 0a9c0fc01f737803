// Package statehash answers "did anything actually change" for state
// documents. It is not a security primitive.
package statehash

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hash returns a fixed-width hex digest of v's canonical JSON form. Values
// that are structurally equal hash equal regardless of object key order or of
// whether they are structs, maps or already-decoded JSON.
func Hash(v any) string {
	return format(xxhash.Sum64(canonical(v)))
}

// Equal reports whether a and b have the same canonical form.
func Equal(a, b any) bool {
	return Hash(a) == Hash(b)
}

func canonical(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", v))
	}
	// encoding/json sorts map keys but keeps struct field order, so decode to
	// generic values and encode again. Numbers stay verbatim.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return raw
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return raw
	}
	return out
}

func format(sum uint64) string {
	s := strconv.FormatUint(sum, 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}
