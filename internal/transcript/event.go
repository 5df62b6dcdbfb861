package transcript

import (
	"time"
)

// EventType distinguishes transcript deltas from error notices
type EventType string

const (
	TypeTranscript EventType = "transcript"
	TypeError      EventType = "error"
)

// Event is one message for a client. Events are immutable once emitted.
type Event struct {
	ID        string    `json:"event_id" msgpack:"id"`
	Type      EventType `json:"type" msgpack:"type"`
	ClientID  string    `json:"client_id" msgpack:"client_id"`
	Seq       uint64    `json:"seq" msgpack:"seq"`
	Text      string    `json:"text" msgpack:"text"`
	IsFinal   bool      `json:"is_final" msgpack:"is_final"`
	Start     int64     `json:"start_sample" msgpack:"start"` // First sample covered
	End       int64     `json:"end_sample" msgpack:"end"`     // Sample just past the covered span
	Timestamp time.Time `json:"timestamp" msgpack:"ts"`
}
