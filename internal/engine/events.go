package engine

import "time"

// EventType tags the session event union.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionPaused  EventType = "session_paused"
	EventSessionResumed EventType = "session_resumed"
	EventProgress       EventType = "progress"
	// EventGapDetected tells a subscriber its buffer overflowed and events
	// were dropped; it should re-sync via a snapshot fetch.
	EventGapDetected  EventType = "gap_detected"
	EventSessionEnded EventType = "session_ended"
)

// Progress carries the per-detection progress payload: counts and cursor,
// captured atomically with the session update that produced them.
type Progress struct {
	TruePositives  int64   `json:"true_positives"`
	FalsePositives int64   `json:"false_positives"`
	FalseNegatives int64   `json:"false_negatives"`
	DetectionsFed  int64   `json:"detections_fed"`
	CursorFrame    int     `json:"cursor_frame"`
	CursorSecs     float64 `json:"cursor_secs"`
}

// Ended carries the terminal payload. FlushError is non-empty when the
// persistence flush failed, so observers know the final metrics may not be
// durable yet.
type Ended struct {
	Reason     StopReason    `json:"reason"`
	Metrics    Summary       `json:"metrics"`
	Signal     SignalSummary `json:"signal"`
	FlushError string        `json:"flush_error,omitempty"`
}

// Event is the tagged union delivered to subscribers. Exactly one payload
// field is set, selected by Type. The engine mandates no wire format; the
// struct serialises cleanly to JSON but any encoding works.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	// Sequence is the per-session emission order, starting at 1. Gaps in the
	// sequence a subscriber observes correspond to dropped events.
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	Progress *Progress `json:"progress,omitempty"`
	Ended    *Ended    `json:"ended,omitempty"`
}
