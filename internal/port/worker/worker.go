// Package worker defines the ports for the collaborators that do the actual
// work of a task: dispatchable agents and the specialised strategies.
package worker

import "context"

// Request is what a dispatchable agent receives.
type Request struct {
	TaskID string
	Intent string
	Text   string
	Params map[string]any
	// Progress receives streamed chunks while the agent runs. It may be nil.
	// Agents must stop sending before they return.
	Progress chan<- string
}

// Agent handles one intent in the dispatch table.
type Agent interface {
	Handle(ctx context.Context, req Request) (string, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, req Request) (string, error)

// Handle implements Agent.
func (f AgentFunc) Handle(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// Classifier resolves the intent of a request.
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// Generator produces an artifact from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Reviewer judges an artifact and returns a verdict.
type Reviewer interface {
	Review(ctx context.Context, artifact string) (string, error)
}

// Planner turns a request into a plan.
type Planner interface {
	Plan(ctx context.Context, text string) (string, error)
}

// DeliberationRequest starts a multi-party discussion.
type DeliberationRequest struct {
	TaskID    string
	Topic     string
	PanelSize int
	Progress  chan<- string
}

// Deliberator runs a multi-party deliberation and returns its conclusion.
type Deliberator interface {
	Deliberate(ctx context.Context, req DeliberationRequest) (string, error)
}

// CampaignRequest starts a long-running campaign.
type CampaignRequest struct {
	TaskID string
	Goal   string
	Params map[string]any
}

// CampaignOutcome is the structured result of a campaign.
type CampaignOutcome struct {
	CampaignID string         `json:"campaign_id"`
	Status     string         `json:"status"`
	Summary    string         `json:"summary"`
	Data       map[string]any `json:"data,omitempty"`
}

// CampaignRunner launches campaigns.
type CampaignRunner interface {
	Run(ctx context.Context, req CampaignRequest) (CampaignOutcome, error)
}
