// Package policy defines the admission gate evaluated before a task becomes runnable.
package policy

import "context"

// GateContext is what the gate sees.
type GateContext struct {
	TaskID    string
	Content   string
	SessionID string
	Intent    string // forced intent, if any
}

// GateDecision is the gate verdict.
type GateDecision struct {
	Allowed bool
	Message string
	Rule    string
}

// Gate evaluates admission policy.
type Gate interface {
	Evaluate(ctx context.Context, gc GateContext) (GateDecision, error)
}

// AllowAll admits every task.
type AllowAll struct{}

// Evaluate implements Gate.
func (AllowAll) Evaluate(context.Context, GateContext) (GateDecision, error) {
	return GateDecision{Allowed: true}, nil
}
