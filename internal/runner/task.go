package runner

import (
	"context"
	"time"
)

// Task is one scheduled unit of daemon work, such as a mailbox
// ingestion pass.
type Task interface {
	// Name identifies the task in logs and in the registry.
	Name() string

	// Schedule is the cron expression driving the task.
	Schedule() string

	// Run performs one execution.
	Run(ctx context.Context) error

	// Timeout bounds a single execution.
	Timeout() time.Duration
}

// TaskRegistry holds the daemon's scheduled tasks keyed by name.
type TaskRegistry struct {
	tasks map[string]Task
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		tasks: make(map[string]Task),
	}
}

// Register adds a task, replacing any earlier task with the same name.
func (r *TaskRegistry) Register(task Task) {
	r.tasks[task.Name()] = task
}

// All returns the registered tasks keyed by name.
func (r *TaskRegistry) All() map[string]Task {
	return r.tasks
}
