package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
)

// ErrTaskNotFound is returned when a task does not exist.
var ErrTaskNotFound = errors.New("task not found")

// Task is the persistent record of one tool invocation.
type Task struct {
	ID         uuid.UUID      `json:"id"`
	SessionID  uuid.UUID      `json:"session_id"`
	UserID     string         `json:"user_id"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params,omitempty"`
	Status     string         `json:"status"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Terminal reports whether the task has reached a final status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// TaskStore is the persistence interface for task records.
// Implemented by the SQLite and PostgreSQL storage backends.
type TaskStore interface {
	// CreateTask persists a new task record.
	CreateTask(ctx context.Context, t *Task) error

	// UpdateTask persists status, output, error, and timing changes.
	UpdateTask(ctx context.Context, t *Task) error

	// GetTask returns a task by ID, or ErrTaskNotFound.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// ListTasks returns tasks for a session, most recent first.
	ListTasks(ctx context.Context, sessionID uuid.UUID, limit int) ([]*Task, error)
}
