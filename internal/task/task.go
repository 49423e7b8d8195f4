package task

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested task does not exist.
var ErrNotFound = errors.New("task not found")

// ErrInvalidTransition is returned when an update would violate the task
// state machine (e.g. Completed back to Running, or a progress decrease).
// It indicates a caller or scheduling bug, not a user error.
var ErrInvalidTransition = errors.New("invalid task transition")

// Kind identifies the unit of asynchronous work a task tracks.
type Kind string

const (
	KindParse  Kind = "parse"
	KindIndex  Kind = "index"
	KindAnswer Kind = "answer"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Failure is the structured error detail attached to a failed task.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Task is a snapshot of one asynchronous unit of work. Exactly one of
// Result/Error is set once the task reaches a terminal status.
type Task struct {
	ID         string          `json:"task_id"`
	Kind       Kind            `json:"kind"`
	DocumentID string          `json:"document_id,omitempty"`
	Status     Status          `json:"status"`
	Progress   int             `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Failure        `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
