// Package taskstore defines the port for the authoritative task record store.
package taskstore

import (
	"context"

	"github.com/Strob0t/Switchyard/internal/domain/task"
)

// Store owns Task mutation. Reads return copies.
type Store interface {
	// Create stores a new PENDING task.
	Create(ctx context.Context, content string) (*task.Task, error)
	Get(id string) (*task.Task, error)
	// List returns all tasks in creation order.
	List() []task.Task

	// UpdateStatus transitions a task and waits until the change is persisted.
	// Terminal tasks are immutable: the call returns domain.ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, status task.Status, result *string) error
	// UpdateStatusFrom is UpdateStatus guarded by the expected current status.
	// A mismatch returns domain.ErrConflict and changes nothing.
	UpdateStatusFrom(ctx context.Context, id string, from, to task.Status, result *string) error

	// AddLog appends a log line; persistence is fire-and-forget.
	AddLog(id, msg string) error
	SetContext(id, key string, value any) error
	SetContextUsed(id string, used *task.ContextUsed) error

	Flags() task.Flags
	SetFlags(f task.Flags)

	// Flush waits until all pending changes are written.
	Flush(ctx context.Context) error
}
