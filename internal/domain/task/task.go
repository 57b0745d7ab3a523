// Package task defines the Task domain entity.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/Switchyard/internal/domain"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next keeps the lifecycle monotonic.
// PENDING may fail directly (purge, policy veto, cancellation while queued).
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// CheckTransition returns domain.ErrInvalidTransition wrapped with detail when s -> next is not allowed.
func CheckTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

// Well-known keys of Task.Context.
const (
	CtxSession     = "session"
	CtxRuntime     = "runtime"
	CtxForcedRoute = "forced_route"
	CtxIntent      = "intent"
	CtxRoute       = "route"
	CtxProgress    = "progress"
	CtxOutcome     = "outcome"
	CtxError       = "error"
	CtxFastPath    = "fast_path"
)

// Fixed operator-facing result strings.
const (
	ResultPurged  = "Task cancelled: queue purged"
	ResultAborted = "Task aborted by user"
	ResultStopped = "Task cancelled: emergency stop"
	ResultLost    = "Task failed: no activity before the watchdog timeout"

	ResultInterrupted = "Task cancelled: engine restarted before it finished"
)

// Task represents a unit of work submitted to the engine.
type Task struct {
	ID          string         `json:"id"`
	Seq         uint64         `json:"seq"`
	Content     string         `json:"content"`
	Status      Status         `json:"status"`
	Result      *string        `json:"result"`
	Logs        []string       `json:"logs"`
	Context     map[string]any `json:"context,omitempty"`
	ContextUsed *ContextUsed   `json:"context_used,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ContextUsed records which external knowledge items were consulted.
type ContextUsed struct {
	Items []KnowledgeRef `json:"items"`
}

// KnowledgeRef identifies one knowledge item.
type KnowledgeRef struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Source string `json:"source,omitempty"`
}

// Clone returns a deep-enough copy for handing out of the store.
// Context values are copied shallowly.
func (t *Task) Clone() Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	c.Logs = append([]string(nil), t.Logs...)
	if t.Context != nil {
		c.Context = make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	if t.ContextUsed != nil {
		cu := ContextUsed{Items: append([]KnowledgeRef(nil), t.ContextUsed.Items...)}
		c.ContextUsed = &cu
	}
	return c
}

// ResultText returns the result or "".
func (t *Task) ResultText() string {
	if t.Result == nil {
		return ""
	}
	return *t.Result
}

// Flags are engine-wide toggles persisted next to the task list.
type Flags struct {
	PaidMode      bool `json:"paid_mode"`
	AutonomyLevel int  `json:"autonomy_level"`
}

// Snapshot is the persisted task document.
type Snapshot struct {
	Tasks         []Task `json:"tasks"`
	PaidMode      bool   `json:"paid_mode"`
	AutonomyLevel int    `json:"autonomy_level"`
}

// Image is an attachment to be described by the vision collaborator.
type Image struct {
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// ExtraContext holds structured sections rendered into the prompt.
type ExtraContext struct {
	Files []string `json:"files,omitempty"`
	Links []string `json:"links,omitempty"`
	Paths []string `json:"paths,omitempty"`
	Notes []string `json:"notes,omitempty"`
}

// IsEmpty reports whether no section has entries.
func (e ExtraContext) IsEmpty() bool {
	return len(e.Files)+len(e.Links)+len(e.Paths)+len(e.Notes) == 0
}

// Override forces intent, tool or backend, bypassing classification.
type Override struct {
	Intent  string `json:"intent,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Backend string `json:"backend,omitempty"`
}

// IsZero reports whether nothing is forced.
func (o *Override) IsZero() bool {
	return o == nil || (o.Intent == "" && o.Tool == "" && o.Backend == "")
}

// SubmitRequest holds the fields needed to submit a task.
type SubmitRequest struct {
	Content       string         `json:"content"`
	SessionID     string         `json:"session_id,omitempty"`
	Images        []Image        `json:"images,omitempty"`
	Extra         ExtraContext   `json:"extra,omitempty"`
	Override      *Override      `json:"override,omitempty"`
	TargetLang    string         `json:"target_lang,omitempty"`
	SourceLang    string         `json:"source_lang,omitempty"`
	LearningOptIn bool           `json:"learning_opt_in,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
}

// Validate checks the request.
func (r *SubmitRequest) Validate() error {
	if strings.TrimSpace(r.Content) == "" && len(r.Images) == 0 {
		return fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	return nil
}
