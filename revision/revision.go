// Package revision assigns and compares per-record revision identifiers.
//
// A record that was never mutated has no revision. The first mutation gives it
// revision 1 and every later mutation increments it. Comparing the local
// revision of a record with the last revision acknowledged by the remote store
// tells whether the two diverged without diffing content.
package revision

import (
	"encoding/json"
	"strconv"
)

// ID is a revision identifier. The zero value is the absent revision.
type ID struct {
	Value uint64
	Valid bool
}

// None is the revision of a record that was never mutated.
var None = ID{}

// Of returns the present revision n.
func Of(n uint64) ID {
	return ID{Value: n, Valid: true}
}

// Next returns 1 for an absent revision and curr+1 otherwise.
func Next(curr ID) ID {
	if !curr.Valid {
		return Of(1)
	}
	return Of(curr.Value + 1)
}

// Match reports whether a and b are both absent, or both present and equal.
func Match(a, b ID) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Value == b.Value
}

func (id ID) String() string {
	if !id.Valid {
		return "none"
	}
	return strconv.FormatUint(id.Value, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if !id.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(id.Value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = None
		return nil
	}
	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*id = Of(v)
	return nil
}
