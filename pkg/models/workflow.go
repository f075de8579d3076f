package models

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// DefaultArgs are the settings every task in a workflow inherits unless the task overrides them.
type DefaultArgs struct {
	Owner          string        `json:"owner"`            // Owner label shown in notifications
	Email          []string      `json:"email"`            // Notification recipients
	EmailOnFailure bool          `json:"email_on_failure"` // Send a notification when a task fails terminally
	EmailOnRetry   bool          `json:"email_on_retry"`   // Send a notification before every retry
	Retries        int           `json:"retries"`          // Retry count after the first attempt
	RetryDelay     time.Duration `json:"retry_delay"`      // Delay between attempts
}

// Workflow is a named, schedulable graph of tasks with shared default settings.
type Workflow struct {
	ID            string      `json:"id"`              // Unique identifier (e.g., "order_monitor")
	Schedule      string      `json:"schedule"`        // Cron expression or tag such as "@hourly"
	StartDate     time.Time   `json:"start_date"`      // No tick before this instant is ever scheduled
	CatchUp       bool        `json:"catchup"`         // Backfill ticks missed while inactive
	MaxActiveRuns int         `json:"max_active_runs"` // Concurrent runs allowed, <= 0 means 1
	DefaultArgs   DefaultArgs `json:"default_args"`
	Tasks         []Task      `json:"tasks"`
}

// AddTask appends a task built from the given options.
func (w *Workflow) AddTask(id, command string, opts ...TaskOption) *Task {
	t := Task{ID: id, Command: command}
	for _, opt := range opts {
		opt(&t)
	}
	w.Tasks = append(w.Tasks, t)
	return &w.Tasks[len(w.Tasks)-1]
}

// Task returns the task with the given ID.
func (w *Workflow) Task(id string) (Task, bool) {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// SetDownstream declares that down runs after up.
func (w *Workflow) SetDownstream(up, down string) error {
	for i := range w.Tasks {
		if w.Tasks[i].ID != down {
			continue
		}
		for _, dep := range w.Tasks[i].Dependencies {
			if dep == up {
				return nil
			}
		}
		w.Tasks[i].Dependencies = append(w.Tasks[i].Dependencies, up)
		return nil
	}
	return fmt.Errorf("task '%s' is not declared in workflow '%s'", down, w.ID)
}

// Edges lists every dependency edge of the graph.
func (w *Workflow) Edges() []Dependency {
	var edges []Dependency
	for _, t := range w.Tasks {
		for _, dep := range t.Dependencies {
			edges = append(edges, Dependency{Upstream: dep, Downstream: t.ID})
		}
	}
	return edges
}

// ActiveRunLimit returns MaxActiveRuns, defaulting to a single active run.
func (w *Workflow) ActiveRunLimit() int {
	if w.MaxActiveRuns <= 0 {
		return 1
	}
	return w.MaxActiveRuns
}

// Validate checks the declaration before it is handed to a scheduler.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return errors.New("workflow id cannot be empty")
	}
	if len(w.ID) > 100 {
		return errors.New("workflow id too long (max 100 characters)")
	}
	if w.Schedule == "" {
		return errors.New("workflow schedule cannot be empty")
	}
	if w.DefaultArgs.Retries < 0 {
		return errors.New("retries cannot be negative")
	}
	if w.DefaultArgs.RetryDelay < 0 {
		return errors.New("retry delay cannot be negative")
	}
	if len(w.Tasks) == 0 {
		return errors.New("workflow has no tasks")
	}

	seen := make(map[string]struct{}, len(w.Tasks))
	for _, t := range w.Tasks {
		if t.ID == "" {
			return errors.New("empty task id")
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate task id '%s'", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.Command == "" {
			return fmt.Errorf("task '%s' has no command", t.ID)
		}
		if t.Retries != nil && *t.Retries < 0 {
			return fmt.Errorf("task '%s' has negative retries", t.ID)
		}
	}
	for _, t := range w.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("dependency '%s' for '%s' not declared", dep, t.ID)
			}
			if dep == t.ID {
				return fmt.Errorf("task '%s' depends on itself", t.ID)
			}
		}
	}
	return nil
}
