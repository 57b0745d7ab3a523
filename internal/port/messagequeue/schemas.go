package messagequeue

import "time"

// EventPayload is the envelope published on switchyard.events.* subjects.
type EventPayload struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// FeedbackPayload is the schema for switchyard.feedback.* messages.
type FeedbackPayload struct {
	TaskID  string `json:"task_id"`
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Rating bounds accepted for feedback.
const (
	MinRating = -1
	MaxRating = 5
)
