// Package assist defines the ports for the side collaborators of the pipeline:
// vision, translation, cost estimation, session history and workspace access.
package assist

import (
	"context"

	"github.com/Strob0t/Switchyard/internal/domain/task"
)

// Vision describes an image attachment.
type Vision interface {
	Describe(ctx context.Context, img task.Image) (string, error)
}

// Translator translates result text. An empty source means auto-detect.
type Translator interface {
	Translate(ctx context.Context, text, target, source string) (string, error)
}

// CostRequest describes an upcoming model call.
type CostRequest struct {
	Model   string
	Prompt  string
	Attempt int
}

// CostEstimate is the predicted cost of a call.
type CostEstimate struct {
	USD    float64
	Tokens int
}

// CostEstimator predicts the cost of a model call.
type CostEstimator interface {
	Estimate(ctx context.Context, req CostRequest) (CostEstimate, error)
}

// Turn is one exchange in a session.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the history available to the context builder.
type Session struct {
	Summary string `json:"summary,omitempty"`
	Turns   []Turn `json:"turns"`
}

// SessionStore keeps conversation history per session id.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (Session, error)
	Append(ctx context.Context, sessionID string, turns ...Turn) error
}

// Workspace reads files referenced by reviewers.
type Workspace interface {
	ReadFile(ctx context.Context, path string) (string, error)
}
