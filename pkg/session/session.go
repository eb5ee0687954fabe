// Package session tracks client sessions of the browser MCP server independently of the
// transport that carries them. A Manager owns every Session record, enforces a per-client cap,
// expires idle sessions with a periodic sweep and notifies listeners of each lifecycle change.
package session

import (
	"encoding/json"
	"maps"
	"time"
)

// State is the lifecycle state of a session.
type State string

// Session states. Expired sessions are removed in the same step that marks them, so
// StateExpired is only observable through events.
const (
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateDisconnected State = "disconnected"
	StateExpired      State = "expired"
)

// Session is a point-in-time copy of one client attachment. Mutating it has no effect on the
// record held by the Manager.
type Session struct {
	ID             string    `json:"sessionId"`
	ClientID       string    `json:"clientId"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivity"`

	// BrowserState holds the last known browser snapshot (current URL, cookies, storage,
	// viewport). Values are opaque; updates replace whole top-level keys.
	BrowserState map[string]json.RawMessage `json:"browserState,omitempty"`
	Metadata     map[string]any             `json:"metadata,omitempty"`
}

// EventType names a session lifecycle event.
type EventType string

// Lifecycle events emitted by the Manager.
const (
	EventCreated             EventType = "session:created"
	EventReconnected         EventType = "session:reconnected"
	EventPaused              EventType = "session:paused"
	EventDisconnected        EventType = "session:disconnected"
	EventDestroyed           EventType = "session:destroyed"
	EventExpired             EventType = "session:expired"
	EventImported            EventType = "session:imported"
	EventBrowserStateChanged EventType = "browser:stateChanged"
	EventStateSynced         EventType = "state:synced"
)

// DestroyReason tells listeners why a session was removed.
type DestroyReason string

// Reasons carried by EventDestroyed.
const (
	ReasonExplicit DestroyReason = "explicit"
	ReasonEvicted  DestroyReason = "evicted"
	ReasonExpired  DestroyReason = "expired"
	ReasonShutdown DestroyReason = "shutdown"
)

// Event describes one lifecycle change. Session is a snapshot taken when the change happened.
type Event struct {
	Type      EventType
	SessionID string
	ClientID  string
	Session   Session
	Reason    DestroyReason
	At        time.Time
}

// Listener receives lifecycle events. Listeners run synchronously on the goroutine that made
// the change, in the order the changes happened, and must not call mutating Manager methods
// from within the callback.
type Listener func(Event)

// Stats is an aggregate view of the sessions held by a Manager.
type Stats struct {
	Total        int `json:"totalSessions"`
	Active       int `json:"activeSessions"`
	Paused       int `json:"pausedSessions"`
	Disconnected int `json:"disconnectedSessions"`
	Clients      int `json:"uniqueClients"`
}

func (s *Session) clone() Session {
	c := *s
	if s.BrowserState != nil {
		c.BrowserState = make(map[string]json.RawMessage, len(s.BrowserState))
		for k, v := range s.BrowserState {
			c.BrowserState[k] = append(json.RawMessage(nil), v...)
		}
	}
	c.Metadata = maps.Clone(s.Metadata)
	return c
}
