package types

import "time"

type EventType string

const (
	EventProbeStarted  EventType = "ProbeStarted"
	EventListening     EventType = "Listening"
	EventCapture       EventType = "Capture"
	EventProbeFinished EventType = "ProbeFinished"
	EventProbeFailed   EventType = "ProbeFailed"
)

type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"ts"`
	ProbeID   string         `json:"probe_id,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Addr      string         `json:"addr,omitempty"`
	Bytes     int            `json:"bytes,omitempty"`
	Note      string         `json:"note,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
