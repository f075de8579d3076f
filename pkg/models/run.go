package models

import "time"

type RunStatus string

const (
	QueuedRunStatus  RunStatus = "QUEUED"
	RunningRunStatus RunStatus = "RUNNING"
	SuccessRunStatus RunStatus = "SUCCESS"
	FailedRunStatus  RunStatus = "FAILED"
)

// Terminal reports whether no further transition is expected.
func (s RunStatus) Terminal() bool {
	return s == SuccessRunStatus || s == FailedRunStatus
}

type RunTrigger string

const (
	ScheduledRunTrigger RunTrigger = "scheduled"
	ManualRunTrigger    RunTrigger = "manual"
)

type TaskStatus string

const (
	PendingTaskStatus        TaskStatus = "PENDING"
	RunningTaskStatus        TaskStatus = "RUNNING"
	CompletedTaskStatus      TaskStatus = "COMPLETED"
	FailedTaskStatus         TaskStatus = "FAILED"
	UpstreamFailedTaskStatus TaskStatus = "UPSTREAM_FAILED" // Skipped, never invoked
)

// Run is one instantiation of the task graph for a schedule tick or a manual trigger.
type Run struct {
	ID          string         `json:"id" db:"id"`                             // UUID
	WorkflowID  string         `json:"workflow_id" db:"workflow_id"`           // Owning workflow
	Trigger     RunTrigger     `json:"trigger" db:"run_type"`                  // "scheduled" or "manual"
	LogicalDate time.Time      `json:"logical_date" db:"logical_date"`         // Tick the run stands for
	Status      RunStatus      `json:"status" db:"status"`                     // "QUEUED", "RUNNING", "SUCCESS", "FAILED"
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`             // Creation timestamp
	StartedAt   *time.Time     `json:"started_at,omitempty" db:"started_at"`   // Nullable start time
	FinishedAt  *time.Time     `json:"finished_at,omitempty" db:"finished_at"` // Nullable end time
	Tasks       []TaskInstance `json:"tasks,omitempty" db:"-"`                 // Populated on read
}

// TaskInstance is the state of one task within one run.
type TaskInstance struct {
	RunID      string     `json:"run_id" db:"run_id"`
	TaskID     string     `json:"task_id" db:"task_id"`
	Position   int        `json:"position" db:"position"` // Index in execution order
	Status     TaskStatus `json:"status" db:"status"`
	Attempts   int        `json:"attempts" db:"attempts"`       // Attempts made so far
	MaxRetries int        `json:"max_retries" db:"max_retries"` // Retries allowed after the first attempt
	ExitCode   *int       `json:"exit_code,omitempty" db:"exit_code"`
	ErrorMsg   string     `json:"error,omitempty" db:"error_msg"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// TaskInstance returns the instance for taskID when the run was loaded with its tasks.
func (r Run) TaskInstance(taskID string) (TaskInstance, bool) {
	for _, ti := range r.Tasks {
		if ti.TaskID == taskID {
			return ti, true
		}
	}
	return TaskInstance{}, false
}
