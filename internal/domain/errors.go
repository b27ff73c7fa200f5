// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the request failed input validation.
var ErrValidation = errors.New("validation failed")

// ErrWorkflowActive indicates a project already has a non-terminal workflow run.
var ErrWorkflowActive = errors.New("workflow already active for project")

// ErrBudgetExceeded indicates a unit of work was denied by the budget engine.
var ErrBudgetExceeded = errors.New("budget exceeded")
