// Package learning defines the ports for knowledge capture and user feedback persistence.
package learning

import (
	"context"
	"time"

	"github.com/Strob0t/Switchyard/internal/domain/trace"
)

// Capture is one completed exchange offered for learning.
type Capture struct {
	TaskID    string
	Intent    string
	Prompt    string
	Result    string
	CreatedAt time.Time
}

// Knowledge is a stored item that can be consulted while building context.
type Knowledge struct {
	ID      string
	Title   string
	Source  string
	Content string
}

// Sink stores captured knowledge and finds related items.
type Sink interface {
	Capture(ctx context.Context, c Capture) error
	Related(ctx context.Context, intent, text string, limit int) ([]Knowledge, error)
}

// FeedbackSource persists user feedback and returns it for reconciliation on start.
type FeedbackSource interface {
	SaveFeedback(ctx context.Context, taskID string, fb trace.Feedback) error
	ListFeedback(ctx context.Context) (map[string]trace.Feedback, error)
}
