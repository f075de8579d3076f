package models

import "time"

type NotificationKind string

const (
	FailureNotification NotificationKind = "failure"
	RetryNotification   NotificationKind = "retry"
)

// Notification is sent to the workflow's recipients when a task fails or is about to be retried.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	WorkflowID  string           `json:"workflow_id"`
	RunID       string           `json:"run_id"`
	TaskID      string           `json:"task_id"`
	Owner       string           `json:"owner"`
	LogicalDate time.Time        `json:"logical_date"`
	Attempt     int              `json:"attempt"`
	Recipients  []string         `json:"recipients"`
	Error       string           `json:"error"`
	Skipped     []string         `json:"skipped,omitempty"` // Downstream tasks that will not run
}
