package storage

import (
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a run or task instance does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the run history operations.
type Store interface {
	// Transaction operations. Begin returns a Store bound to the transaction.
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run operations
	SaveRun(r models.Run) error
	GetRun(id string) (models.Run, error)
	ListRuns(workflowID string, limit int) ([]models.Run, error)
	UpdateRun(r models.Run) error
	LastScheduledRun(workflowID string) (models.Run, error)

	// Task instance operations
	SaveTaskInstance(ti models.TaskInstance) error
	GetTaskInstance(runID, taskID string) (models.TaskInstance, error)
	UpdateTaskInstance(ti models.TaskInstance) error
}
