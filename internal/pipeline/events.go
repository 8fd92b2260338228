package pipeline

import "time"

// EventType identifies what happened in a pipeline.
type EventType string

const (
	EventSentenceSynthesized EventType = "sentence_synthesized"
	EventSentenceFailed      EventType = "sentence_failed"
	EventBatchFlushed        EventType = "batch_flushed"
	EventTerminated          EventType = "terminated"
)

// Event is sent on Options.Events as the loop makes progress.
// For EventBatchFlushed, Sequence holds the number of sentences in the batch.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Batch     int       `json:"batch"`
	Sequence  int       `json:"sequence"`
	Text      string    `json:"text,omitempty"`
	Path      string    `json:"path,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
