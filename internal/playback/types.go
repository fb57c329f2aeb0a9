package playback

import (
	"time"

	"github.com/saltyorg/markerplow/internal/markers"
)

// EventType is the lifecycle stage a playback event reports
type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventStopped  EventType = "stopped"
)

// ProgressKind narrows a progress event
type ProgressKind string

const (
	ProgressTimeUpdate ProgressKind = "time_update"
	ProgressPause      ProgressKind = "pause"
	ProgressUnpause    ProgressKind = "unpause"
	ProgressRateChange ProgressKind = "rate_change"
)

// Event is a playback notification from the media server
type Event struct {
	Type       EventType    `json:"type"`
	Progress   ProgressKind `json:"progress,omitempty"`
	SessionID  string       `json:"session_id"`
	UserID     string       `json:"user_id"`
	Client     string       `json:"client"`
	Item       markers.Item `json:"item"`
	PositionMS int64        `json:"position_ms"`
	// Rate is the playback speed after a rate change; zero means unchanged
	Rate float64 `json:"rate,omitempty"`
	// Markers already known to the host; nil means they are loaded from the store
	Markers []markers.Marker `json:"markers,omitempty"`
	// Time is when the host observed the event; zero means now
	Time time.Time `json:"time,omitzero"`
}

// Position returns the playback position as a duration
func (e Event) Position() time.Duration {
	return time.Duration(e.PositionMS) * time.Millisecond
}

// SessionInfo is a read-only view of a tracked session
type SessionInfo struct {
	SessionID    string           `json:"session_id"`
	UserID       string           `json:"user_id"`
	Client       string           `json:"client"`
	ItemID       string           `json:"item_id"`
	PositionMS   int64            `json:"position_ms"`
	MaxIntroMS   int64            `json:"max_intro_ms"`
	Paused       bool             `json:"paused"`
	Markers      []markers.Marker `json:"markers"`
	StartedAt    time.Time        `json:"started_at"`
	LastActivity time.Time        `json:"last_activity"`
}
