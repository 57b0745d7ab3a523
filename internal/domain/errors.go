// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified concurrently")

// ErrValidation indicates invalid caller input.
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition indicates a status change that would break monotonic ordering.
var ErrInvalidTransition = errors.New("invalid status transition")
