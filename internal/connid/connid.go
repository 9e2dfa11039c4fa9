// Package connid mints the opaque identifiers the relay assigns to
// connections and rooms. Both are 128-bit random values rendered as a
// canonical string; neither is ever accepted from a client.
package connid

import "github.com/google/uuid"

// ID is an opaque, server-generated identifier used both as a
// ConnectionId (senderId on the wire) and as a RoomId (never exposed to
// clients).
type ID string

// New returns a fresh, globally-unique-with-overwhelming-probability ID.
func New() ID {
	return ID(uuid.NewString())
}

// String renders the canonical form.
func (id ID) String() string {
	return string(id)
}

// Short returns a log-safe truncated prefix; full IDs are
// capability-bearing and must not appear in logs.
func (id ID) Short() string {
	s := string(id)
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
