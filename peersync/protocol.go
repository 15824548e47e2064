package peersync

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/InstruktAI/TeleClaude-sub013/cache"
	kerrors "github.com/InstruktAI/TeleClaude-sub013/errors"
)

// Subject layout shared by every computer.
const (
	pullPrefix   = "teleclaude.pull."
	eventsPrefix = "teleclaude.events."

	// EventsWildcard matches every computer's session events.
	EventsWildcard = eventsPrefix + ">"
)

// PullSubject is where computer answers pulls for category.
func PullSubject(computer string, category cache.Category) string {
	return pullPrefix + computer + "." + string(category)
}

// EventSubject is where computer publishes its session deltas.
func EventSubject(computer string) string {
	return eventsPrefix + computer
}

// sourceOf extracts the computer token following prefix in subject.
func sourceOf(subject, prefix string) string {
	rest := strings.TrimPrefix(subject, prefix)
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// PullRequest asks a peer for its current state of one category.
type PullRequest struct {
	Requester string            `json:"requester"`
	Category  cache.Category    `json:"category"`
	Trace     map[string]string `json:"trace,omitempty"`
}

// PullResponse carries a peer's complete state for one category. Items is
// a JSON array of Project, Todo or Session depending on Category.
type PullResponse struct {
	Computer string          `json:"computer"`
	Category cache.Category  `json:"category"`
	Items    json.RawMessage `json:"items"`
	Error    *kerrors.Error  `json:"error,omitempty"`
}

// EventType names a session delta.
type EventType string

const (
	EventSessionUpdated EventType = "session.updated"
	EventSessionClosed  EventType = "session.closed"
)

// SessionEvent is one pushed session delta.
type SessionEvent struct {
	Type      EventType      `json:"type"`
	Computer  string         `json:"computer"`
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Session   *cache.Session `json:"session,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// pullable reports whether category is fetched by pull. Presence only
// arrives through heartbeats.
func pullable(category cache.Category) bool {
	return category.Valid() && category != cache.CategoryPresence
}
