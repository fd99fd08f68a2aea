package stores

import (
	"time"
)

// EventLevel represents the severity level of a journal event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Valid reports whether l is a known level.
func (l EventLevel) Valid() bool {
	switch l {
	case EventLevelDebug, EventLevelInfo, EventLevelWarning, EventLevelError:
		return true
	}
	return false
}

// Event is one append-only entry in an application's deployment journal
type Event struct {
	ID        int64      `json:"id"`
	StateKey  string     `json:"state_key"`
	RunID     string     `json:"run_id,omitempty"`
	Phase     string     `json:"phase,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   string     `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// EventQuery filters journal reads. Zero fields match everything.
type EventQuery struct {
	StateKey string
	RunID    string
	Level    EventLevel
	Limit    int
	Offset   int
}
