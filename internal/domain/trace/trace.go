// Package trace defines the per-request trace record kept by the tracer.
package trace

import (
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a trace.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusLost       Status = "LOST"
)

// IsTerminal reports whether the trace has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusLost
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepOK    StepStatus = "ok"
	StepError StepStatus = "error"
)

// Step is one recorded decision or action.
type Step struct {
	Component string         `json:"component"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Status    StepStatus     `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

// RuntimeMetadata describes the backend the task was bound to at submission.
type RuntimeMetadata struct {
	Backend       string `json:"backend,omitempty"`
	Model         string `json:"model,omitempty"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// ForcedRoute records a caller-supplied override.
type ForcedRoute struct {
	Intent  string `json:"intent,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Backend string `json:"backend,omitempty"`
}

// Feedback is user feedback on a finished request.
type Feedback struct {
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Trace is the step log for one request.
type Trace struct {
	ID            string           `json:"id"`
	PromptPreview string           `json:"prompt_preview"`
	SessionID     string           `json:"session_id,omitempty"`
	Status        Status           `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	LastActivity  time.Time        `json:"last_activity"`
	Steps         []Step           `json:"steps"`
	Runtime       *RuntimeMetadata `json:"runtime,omitempty"`
	ForcedRoute   *ForcedRoute     `json:"forced_route,omitempty"`
	Error         map[string]any   `json:"error,omitempty"`
	Feedback      *Feedback        `json:"feedback,omitempty"`
}

// Clone copies the trace so callers cannot mutate tracer state.
func (t *Trace) Clone() Trace {
	c := *t
	c.Steps = append([]Step(nil), t.Steps...)
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	if t.Runtime != nil {
		r := *t.Runtime
		c.Runtime = &r
	}
	if t.ForcedRoute != nil {
		fr := *t.ForcedRoute
		c.ForcedRoute = &fr
	}
	if t.Feedback != nil {
		fb := *t.Feedback
		c.Feedback = &fb
	}
	if t.Error != nil {
		c.Error = make(map[string]any, len(t.Error))
		for k, v := range t.Error {
			c.Error[k] = v
		}
	}
	return c
}

// Filter selects traces for listing.
type Filter struct {
	Status Status
	Offset int
	Limit  int
}

// Page is one page of traces, newest first.
type Page struct {
	Traces []Trace `json:"traces"`
	Total  int     `json:"total"`
	Offset int     `json:"offset"`
	Limit  int     `json:"limit"`
}

// Preview truncates s to at most n runes.
func Preview(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
