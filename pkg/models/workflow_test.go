package models_test

import (
	"testing"
	"time"

	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/stretchr/testify/assert"
)

func newWorkflow() models.Workflow {
	wf := models.Workflow{ID: "order_monitor", Schedule: "@hourly", DefaultArgs: models.DefaultArgs{RetryDelay: time.Minute}}
	wf.AddTask("run_transform", "dbt run", models.WithWorkDir("/srv/dbt"), models.WithActivateScript("/srv/venv/bin/activate"))
	wf.AddTask("check_delayed", "python check.py", models.WithTimeout(time.Minute))
	return wf
}

func TestWorkflowDeclaration(t *testing.T) {
	t.Run("SetDownstream", func(t *testing.T) {
		wf := newWorkflow()
		assert.NoError(t, wf.SetDownstream("run_transform", "check_delayed"))
		assert.NoError(t, wf.SetDownstream("run_transform", "check_delayed")) // idempotent
		assert.Equal(t, []models.Dependency{{Upstream: "run_transform", Downstream: "check_delayed"}}, wf.Edges())
		assert.Error(t, wf.SetDownstream("run_transform", "missing"))
		assert.NoError(t, wf.Validate())
	})

	t.Run("TaskOptions", func(t *testing.T) {
		wf := newWorkflow()
		task, ok := wf.Task("run_transform")
		assert.True(t, ok)
		assert.Equal(t, "/srv/dbt", task.WorkDir)
		assert.Equal(t, "/srv/venv/bin/activate", task.ActivateScript)
		check, _ := wf.Task("check_delayed")
		assert.Equal(t, time.Minute, check.Timeout)
		_, ok = wf.Task("missing")
		assert.False(t, ok)
	})

	t.Run("RetryPolicy", func(t *testing.T) {
		defaults := models.DefaultArgs{Retries: 0, RetryDelay: time.Minute}
		task := models.Task{ID: "t"}
		retries, delay := task.RetryPolicy(defaults)
		assert.Equal(t, 0, retries)
		assert.Equal(t, time.Minute, delay)

		models.WithRetries(3)(&task)
		models.WithRetryDelay(time.Second)(&task)
		retries, delay = task.RetryPolicy(defaults)
		assert.Equal(t, 3, retries)
		assert.Equal(t, time.Second, delay)
	})

	t.Run("ActiveRunLimit", func(t *testing.T) {
		wf := newWorkflow()
		assert.Equal(t, 1, wf.ActiveRunLimit())
		wf.MaxActiveRuns = 4
		assert.Equal(t, 4, wf.ActiveRunLimit())
	})
}

func TestWorkflowValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(wf *models.Workflow)
		wantErr string
	}{
		{name: "EmptyID", mutate: func(wf *models.Workflow) { wf.ID = "" }, wantErr: "workflow id cannot be empty"},
		{name: "EmptySchedule", mutate: func(wf *models.Workflow) { wf.Schedule = "" }, wantErr: "schedule cannot be empty"},
		{name: "NegativeRetries", mutate: func(wf *models.Workflow) { wf.DefaultArgs.Retries = -1 }, wantErr: "retries cannot be negative"},
		{name: "NoTasks", mutate: func(wf *models.Workflow) { wf.Tasks = nil }, wantErr: "no tasks"},
		{name: "DuplicateTask", mutate: func(wf *models.Workflow) { wf.AddTask("run_transform", "dbt run") }, wantErr: "duplicate task id 'run_transform'"},
		{name: "EmptyCommand", mutate: func(wf *models.Workflow) { wf.Tasks[0].Command = "" }, wantErr: "has no command"},
		{name: "SelfDependency", mutate: func(wf *models.Workflow) {
			wf.Tasks[0].Dependencies = []string{"run_transform"}
		}, wantErr: "depends on itself"},
		{name: "UnknownDependency", mutate: func(wf *models.Workflow) {
			wf.Tasks[1].Dependencies = []string{"nope"}
		}, wantErr: "dependency 'nope' for 'check_delayed' not declared"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := newWorkflow()
			tt.mutate(&wf)
			err := wf.Validate()
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
