// Package failure defines the structured error envelope attached to failed tasks.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Class groups failure codes by where they originate.
type Class string

const (
	ClassAdmission Class = "admission"
	ClassRouting   Class = "routing"
	ClassExecution Class = "execution"
	ClassCancelled Class = "cancelled"
	ClassSystem    Class = "system"
)

// Machine-readable failure codes.
const (
	CodePolicyVeto            = "policy_veto"
	CodeCapabilityUnavailable = "capability_unavailable"
	CodeForcedRouteMismatch   = "forced_route_mismatch"
	CodeUnsupportedRuntime    = "unsupported_runtime"
	CodeClassificationFailed  = "classification_failed"
	CodeUnknownIntent         = "unknown_intent"
	CodeAgentError            = "agent_error"
	CodeAborted               = "aborted"
	CodePurged                = "purged"
	CodeLost                  = "lost"
	CodeInterrupted           = "interrupted"
	CodeInvalidHandle         = "invalid_handle"
	CodeSystemError           = "system_error"
)

// Stage names the pipeline stage where a failure occurred.
type Stage string

const (
	StageAdmission Stage = "admission"
	StageContext   Stage = "context"
	StageIntent    Stage = "intent"
	StageRouting   Stage = "routing"
	StageExecution Stage = "execution"
	StageResult    Stage = "result"
)

// Envelope is the error record stored on a failed task and its trace.
type Envelope struct {
	Code      string         `json:"code"`
	Class     Class          `json:"class"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Stage     Stage          `json:"stage,omitempty"`
	Retryable bool           `json:"retryable"`

	cause error
}

// Error implements error.
func (e *Envelope) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Envelope) Unwrap() error { return e.cause }

// Map renders the envelope for task context and trace metadata.
func (e *Envelope) Map() map[string]any {
	m := map[string]any{
		"code":      e.Code,
		"class":     string(e.Class),
		"message":   e.Message,
		"stage":     string(e.Stage),
		"retryable": e.Retryable,
	}
	if len(e.Details) > 0 {
		m["details"] = e.Details
	}
	return m
}

// New builds an envelope. Routing, admission and cancellation failures are never retryable.
func New(code string, class Class, stage Stage, msg string) *Envelope {
	return &Envelope{Code: code, Class: class, Stage: stage, Message: msg}
}

// Newf is New with a formatted message.
func Newf(code string, class Class, stage Stage, format string, args ...any) *Envelope {
	return New(code, class, stage, fmt.Sprintf(format, args...))
}

// WithDetail adds a detail key and returns e.
func (e *Envelope) WithDetail(key string, value any) *Envelope {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Wrap converts err into an envelope. An envelope already in the chain is
// reused (copied when its stage has to be filled in); context cancellation maps to the cancelled class; anything
// else becomes agent_error at the given stage.
func Wrap(err error, stage Stage) *Envelope {
	if err == nil {
		return nil
	}
	var env *Envelope
	if errors.As(err, &env) {
		if env.Stage != "" {
			return env
		}
		c := *env
		c.Stage = stage
		return &c
	}
	if errors.Is(err, context.Canceled) {
		return &Envelope{Code: CodeAborted, Class: ClassCancelled, Stage: stage, Message: err.Error(), cause: err}
	}
	return &Envelope{Code: CodeAgentError, Class: ClassExecution, Stage: stage, Message: err.Error(), cause: err}
}

// Cause wraps err as the cause of a new envelope.
func Cause(code string, class Class, stage Stage, err error) *Envelope {
	return &Envelope{Code: code, Class: class, Stage: stage, Message: err.Error(), cause: err}
}
