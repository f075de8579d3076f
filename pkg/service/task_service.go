package service

import (
	"fmt"

	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/storage"
)

type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

// CanRunTask reports whether every upstream instance of the run is COMPLETED in the run history.
func (ts *TaskService) CanRunTask(runID string, task models.Task) (bool, error) {
	for _, dep := range task.Dependencies {
		d, err := ts.store.GetTaskInstance(runID, dep)
		if err != nil {
			ts.logger.Errorf("Error retrieving dependency %s: %v", dep, err)
			return false, fmt.Errorf("failed to retrieve dependency %s: %v", dep, err)
		}
		if d.Status != models.CompletedTaskStatus {
			ts.logger.Infof("Cannot run task %s as dependency %s is in status %s", task.ID, dep, d.Status)
			return false, nil
		}
	}
	return true, nil
}

func (ts *TaskService) SaveTaskInstance(ti models.TaskInstance) (err error) {
	txStore, err := ts.store.Begin()
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for SaveTaskInstance: %v", err)
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ts.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.SaveTaskInstance(ti); err != nil {
		ts.logger.Errorf("Failed to save task %s: %v", ti.TaskID, err)
		return fmt.Errorf("failed to save task %s: %v", ti.TaskID, err)
	}
	return nil
}

func (ts *TaskService) UpdateTaskInstance(ti models.TaskInstance) (err error) {
	txStore, err := ts.store.Begin()
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for UpdateTaskInstance: %v", err)
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ts.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.UpdateTaskInstance(ti); err != nil {
		ts.logger.Errorf("Failed to update task %s status to %s: %v", ti.TaskID, ti.Status, err)
		return fmt.Errorf("failed to update task %s status: %v", ti.TaskID, err)
	}
	return nil
}
