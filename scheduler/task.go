package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jonwraymond/toolguard/authz"
)

// Sentinel errors.
var (
	ErrTaskNotFound = errors.New("scheduler: task not found")
	ErrInvalidTask  = errors.New("scheduler: invalid task")
	ErrClosed       = errors.New("scheduler: scheduler is closed")
)

// Task is the recurring check of one pending authorization.
type Task struct {
	// ID is assigned by the scheduler.
	ID string `json:"id,omitempty"`

	ToolID   string `json:"tool_id"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id,omitempty"`

	// Request is the pending authorization.
	Request authz.AuthorizationRequest `json:"request"`

	// Continuation is where resolutions are delivered, e.g. a webhook URL.
	Continuation string `json:"continuation,omitempty"`

	// PendingKey locates the pending entry in the shared store.
	PendingKey []string `json:"pending_key"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Validate checks the fields a scheduler needs.
func (t Task) Validate() error {
	switch {
	case t.Request.ID == "":
		return errors.Join(ErrInvalidTask, errors.New("request id is required"))
	case len(t.PendingKey) == 0:
		return errors.Join(ErrInvalidTask, errors.New("pending key is required"))
	}
	return nil
}

// PollInterval returns how often the task runs.
func (t Task) PollInterval() time.Duration {
	return t.Request.PollInterval()
}

// Scheduler schedules recurring tasks.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Cancel: idempotent; cancelling an unknown id is not an error.
//   - A task may cancel itself from within its own run.
type Scheduler interface {
	Schedule(ctx context.Context, task Task) (string, error)
	Cancel(ctx context.Context, id string) error
}

// Runner executes one run of a task.
type Runner interface {
	Run(ctx context.Context, task Task) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task Task) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, task Task) error {
	return f(ctx, task)
}
