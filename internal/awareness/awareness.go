// Package awareness tracks ephemeral per-connection presence for a document:
// who is connected, their display colour, and where their cursor is.
package awareness

import "sort"

// Palette is the fixed set of cursor colours handed out to connections.
var Palette = []string{"#ef4444", "#22c55e", "#3b82f6", "#eab308", "#a855f7", "#ec4899"}

// ColorFor picks a palette colour for the n-th connection of a document.
func ColorFor(n int) string {
	if n < 0 {
		n = -n
	}
	return Palette[n%len(Palette)]
}

type Cursor struct {
	Line   int `cbor:"l" json:"line"`
	Column int `cbor:"c" json:"column"`
}

// State is what one connection publishes about itself. A State with Removed
// set tells peers to forget the connection.
type State struct {
	ConnID  string  `cbor:"id" json:"connId"`
	UserID  string  `cbor:"u" json:"userId"`
	Clock   uint64  `cbor:"k" json:"clock"`
	Name    string  `cbor:"n" json:"name"`
	Color   string  `cbor:"col" json:"color"`
	Cursor  *Cursor `cbor:"cur,omitempty" json:"cursor,omitempty"`
	Removed bool    `cbor:"x,omitempty" json:"removed,omitempty"`
}

// Map holds the latest state per connection. It is not safe for concurrent
// use; the owning session serializes access.
type Map struct {
	states  map[string]State
	removed map[string]uint64
}

func New() *Map {
	return &Map{
		states:  make(map[string]State),
		removed: make(map[string]uint64),
	}
}

// Apply merges an update and reports whether it changed anything. Updates are
// last-writer-wins per connection by clock; a stale or duplicate update is
// dropped.
func (m *Map) Apply(update State) bool {
	if update.ConnID == "" {
		return false
	}
	if clock, ok := m.removed[update.ConnID]; ok && update.Clock <= clock {
		return false
	}
	if current, ok := m.states[update.ConnID]; ok && update.Clock <= current.Clock {
		return false
	}
	if update.Removed {
		delete(m.states, update.ConnID)
		m.removed[update.ConnID] = update.Clock
		return true
	}
	delete(m.removed, update.ConnID)
	m.states[update.ConnID] = update
	return true
}

// Remove forgets a connection and returns the update peers need to do the
// same. ok is false when the connection had no state.
func (m *Map) Remove(connID string) (State, bool) {
	current, ok := m.states[connID]
	if !ok {
		return State{}, false
	}
	removal := State{ConnID: connID, UserID: current.UserID, Clock: current.Clock + 1, Removed: true}
	m.Apply(removal)
	return removal, true
}

// Get returns the current state for a connection.
func (m *Map) Get(connID string) (State, bool) {
	s, ok := m.states[connID]
	return s, ok
}

func (m *Map) Len() int { return len(m.states) }

// Snapshot lists every live state ordered by connection ID.
func (m *Map) Snapshot() []State {
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}
