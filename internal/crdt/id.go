// Package crdt implements a replicated growable array (RGA) for plain text.
//
// Every inserted rune becomes an element tagged with a globally unique ID made
// of the inserting replica and a Lamport clock. Each operation also carries a
// per-replica sequence number without gaps, which is what version vectors
// count; a replica's operations are applied strictly in sequence order. Each element remembers the ID
// of the element it was inserted after (its origin). Deletions only mark
// elements as tombstones, so later inserts anchored to a deleted element still
// have a well-defined position.
//
// Elements that share an origin are ordered by descending clock, and equal
// clocks by ascending replica ID. Because a replica's clock always exceeds the
// clock of every element it has observed, an element's descendants sort after
// any concurrent sibling it outranks, which keeps runs typed by one replica
// contiguous and makes the linear order identical on every replica.
package crdt

import (
	"fmt"
	"strconv"
	"strings"
)

// ID identifies one element or delete operation. The zero ID is the start
// sentinel that every document implicitly begins with.
type ID struct {
	Replica string `cbor:"r" json:"r"`
	Clock   uint64 `cbor:"c" json:"c"`
}

// Start is the origin of elements inserted at the head of the document.
var Start = ID{}

func (id ID) IsZero() bool {
	return id.Replica == "" && id.Clock == 0
}

func (id ID) String() string {
	if id.IsZero() {
		return "start"
	}
	return id.Replica + "@" + strconv.FormatUint(id.Clock, 10)
}

// ParseID is the inverse of String.
func ParseID(value string) (ID, error) {
	if value == "start" {
		return Start, nil
	}
	at := strings.LastIndexByte(value, '@')
	if at <= 0 || at == len(value)-1 {
		return ID{}, fmt.Errorf("parse id %q: missing replica or clock", value)
	}
	clock, err := strconv.ParseUint(value[at+1:], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("parse id %q: %w", value, err)
	}
	return ID{Replica: value[:at], Clock: clock}, nil
}

// outranks reports whether sibling a is placed before sibling b.
func outranks(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Replica < b.Replica
}

// Vector maps replica IDs to the length of the gap-free prefix of that
// replica's operations that has been applied. Lamport clocks skip values, so
// the vector counts per-replica sequence numbers instead.
type Vector map[string]uint64

func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for replica, seq := range v {
		out[replica] = seq
	}
	return out
}

// Covers reports whether the seq-th operation of replica is summarized by the
// vector.
func (v Vector) Covers(replica string, seq uint64) bool {
	return v[replica] >= seq
}

// next is the sequence number the vector expects from replica.
func (v Vector) next(replica string) uint64 {
	return v[replica] + 1
}
