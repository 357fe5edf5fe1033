package types

import "strings"

// Channel naming conventions. These strings are part of the wire contract
// with clients and must not change.

const (
	// SessionEventsChannel carries global session-list CRUD fan-out.
	SessionEventsChannel = "session-events"

	// BashAllChannel aggregates process lifecycle events across all processes.
	BashAllChannel = "bash:all"
)

// SessionChannel is the session's direct entity channel. It carries full
// entity snapshots and is never durably logged; the relational store is the
// authoritative copy.
func SessionChannel(id SessionID) string {
	return "session:" + string(id)
}

// SessionStreamChannel carries the session's streaming events. Persisted and
// replayable by cursor.
func SessionStreamChannel(id SessionID) string {
	return "session-stream:" + string(id)
}

// BashChannel carries lifecycle events for a single background process.
func BashChannel(id string) string {
	return "bash:" + id
}

// ConfigChannel carries admin/config change events.
func ConfigChannel(name string) string {
	return "config:" + name
}

// IsEntityChannel reports whether the channel carries entity snapshots.
// Entity events are live-query hints only and skip the durable log.
func IsEntityChannel(channel string) bool {
	return strings.HasPrefix(channel, "session:")
}
