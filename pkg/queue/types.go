// Package queue is the priority work queue with retry and dead-letter
// semantics, built on the coordination store's sorted-set primitive. Pop
// order is priority-then-age, not arrival order. Delivery is at-least-once;
// idempotency is the consuming agent's responsibility.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is the retry budget for a task whose producer did not
// set one.
const DefaultMaxAttempts = 3

// Task is a unit of work. Created by a producer, owned by the queue until
// popped by a consumer; on failure, ownership returns to the queue via
// Requeue. Once attempts reach max_attempts the task is dead-lettered and is
// terminal.
type Task struct {
	TaskID      string         `json:"task_id"`
	Capability  string         `json:"capability"`
	Data        map[string]any `json:"data"`
	Priority    int            `json:"priority"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
}

// NewTask constructs a task for the given capability with a fresh ID and the
// default retry budget.
func NewTask(capability string, data map[string]any) *Task {
	if data == nil {
		data = map[string]any{}
	}
	return &Task{
		TaskID:      uuid.New().String(),
		Capability:  capability,
		Data:        data,
		CreatedAt:   time.Now().UTC(),
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Validate checks the fields the queue depends on.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if t.Capability == "" {
		return fmt.Errorf("task capability cannot be empty")
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", t.MaxAttempts)
	}
	return nil
}

// FailureRecord is the operator-facing snapshot written when a task exhausts
// its retry budget and moves to the dead-letter queue.
type FailureRecord struct {
	Task     *Task     `json:"task"`
	FailedAt time.Time `json:"failed_at"`
	Attempts int       `json:"attempts"`
}
