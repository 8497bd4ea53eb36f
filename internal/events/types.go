package events

import (
	"encoding/json"
	"time"
)

// ConnectionState describes the realtime feed lifecycle state surfaced to UI.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus is a bus event snapshot of the realtime feed status.
type ConnectionStatus struct {
	State     ConnectionState
	Err       string
	Channels  int
	Timestamp time.Time
}

// ChangeType tags a change-feed event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one decoded change-feed record delivered on a channel stream.
// New holds the row after the change, Old the row before it; either may be
// empty depending on the change type and backend replica identity settings.
type ChangeEvent struct {
	Channel   string
	Table     string
	Type      ChangeType
	New       json.RawMessage
	Old       json.RawMessage
	Timestamp time.Time
}

// ChannelEvicted reports a pool eviction so consumers can resubscribe or
// degrade to polling.
type ChannelEvicted struct {
	Channel  string
	Age      time.Duration
	Replaced string
}

// BadgeCleared is the optimistic zeroing of one conversation's unread
// count, broadcast before the next authoritative refresh confirms it.
type BadgeCleared struct {
	UserID         string
	ConversationID string
}

// ConversationsSynced reports one completed conversation list page so
// list surfaces can re-render without polling the engine.
type ConversationsSynced struct {
	UserID string
	Offset int
	Count  int
}

// SessionEvent announces session identity transitions.
type SessionEvent struct {
	UserID   string
	SignedIn bool
}
