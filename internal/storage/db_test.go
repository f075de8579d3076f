package storage_test

import (
	"testing"
	"time"

	internal_storage "github.com/edward179/ecommerce-ETL-pipeline/internal/storage"
	"github.com/edward179/ecommerce-ETL-pipeline/internal/testutil"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSQLiteStore(t *testing.T) {
	path := testutil.SetupSQLiteDB(t)
	store, err := internal_storage.NewSQLiteStore(path)
	assert.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runStoreSuite(t, func(t *testing.T) storage.Store {
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore
	})
}

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
	assert.NoError(t, err)
	defer store.Close()

	runStoreSuite(t, func(t *testing.T) storage.Store {
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore
	})
}

func TestMockStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storage.Store {
		return storage.NewMockStore()
	})
}

func newRun(workflowID string, trigger models.RunTrigger, logicalDate time.Time) models.Run {
	return models.Run{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Trigger:     trigger,
		LogicalDate: logicalDate,
		Status:      models.QueuedRunStatus,
		CreatedAt:   time.Now().UTC(),
	}
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) storage.Store) {
	hour := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	t.Run("SaveAndGetRun", func(t *testing.T) {
		store := newStore(t)
		run := newRun("order_monitor", models.ScheduledRunTrigger, hour)
		assert.NoError(t, store.SaveRun(run))

		saved, err := store.GetRun(run.ID)
		assert.NoError(t, err)
		assert.Equal(t, run.ID, saved.ID)
		assert.Equal(t, "order_monitor", saved.WorkflowID)
		assert.Equal(t, models.ScheduledRunTrigger, saved.Trigger)
		assert.Equal(t, models.QueuedRunStatus, saved.Status)
		assert.True(t, hour.Equal(saved.LogicalDate), "logical date %v", saved.LogicalDate)
		assert.Nil(t, saved.StartedAt)
		assert.Empty(t, saved.Tasks)
	})

	t.Run("GetNonExistingRun", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetRun(uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateRun", func(t *testing.T) {
		store := newStore(t)
		run := newRun("order_monitor", models.ManualRunTrigger, hour)
		assert.NoError(t, store.SaveRun(run))

		started := time.Now().UTC()
		finished := started.Add(time.Minute)
		run.Status = models.FailedRunStatus
		run.StartedAt = &started
		run.FinishedAt = &finished
		assert.NoError(t, store.UpdateRun(run))

		saved, err := store.GetRun(run.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, saved.Status)
		if assert.NotNil(t, saved.FinishedAt) {
			assert.WithinDuration(t, finished, *saved.FinishedAt, time.Millisecond)
		}
	})

	t.Run("UpdateNonExistingRun", func(t *testing.T) {
		store := newStore(t)
		err := store.UpdateRun(newRun("order_monitor", models.ManualRunTrigger, hour))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TaskInstances", func(t *testing.T) {
		store := newStore(t)
		run := newRun("order_monitor", models.ScheduledRunTrigger, hour)
		assert.NoError(t, store.SaveRun(run))

		assert.NoError(t, store.SaveTaskInstance(models.TaskInstance{RunID: run.ID, TaskID: "run_transform", Position: 0, Status: models.PendingTaskStatus}))
		assert.NoError(t, store.SaveTaskInstance(models.TaskInstance{RunID: run.ID, TaskID: "check_delayed", Position: 1, Status: models.PendingTaskStatus}))

		code := 2
		ti, err := store.GetTaskInstance(run.ID, "run_transform")
		assert.NoError(t, err)
		ti.Status = models.FailedTaskStatus
		ti.Attempts = 1
		ti.ExitCode = &code
		ti.ErrorMsg = "exit status 2"
		assert.NoError(t, store.UpdateTaskInstance(ti))

		saved, err := store.GetRun(run.ID)
		assert.NoError(t, err)
		assert.Len(t, saved.Tasks, 2)
		assert.Equal(t, "run_transform", saved.Tasks[0].TaskID)
		assert.Equal(t, models.FailedTaskStatus, saved.Tasks[0].Status)
		if assert.NotNil(t, saved.Tasks[0].ExitCode) {
			assert.Equal(t, 2, *saved.Tasks[0].ExitCode)
		}
		assert.Equal(t, "check_delayed", saved.Tasks[1].TaskID)
		assert.Nil(t, saved.Tasks[1].ExitCode)

		_, err = store.GetTaskInstance(run.ID, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("LastScheduledRun", func(t *testing.T) {
		store := newStore(t)
		_, err := store.LastScheduledRun("order_monitor")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.NoError(t, store.SaveRun(newRun("order_monitor", models.ScheduledRunTrigger, hour)))
		assert.NoError(t, store.SaveRun(newRun("order_monitor", models.ScheduledRunTrigger, hour.Add(time.Hour))))
		assert.NoError(t, store.SaveRun(newRun("order_monitor", models.ManualRunTrigger, hour.Add(5*time.Hour))))
		assert.NoError(t, store.SaveRun(newRun("other", models.ScheduledRunTrigger, hour.Add(9*time.Hour))))

		last, err := store.LastScheduledRun("order_monitor")
		assert.NoError(t, err)
		assert.True(t, hour.Add(time.Hour).Equal(last.LogicalDate), "logical date %v", last.LogicalDate)
	})

	t.Run("ListRuns", func(t *testing.T) {
		store := newStore(t)
		for i := 0; i < 3; i++ {
			run := newRun("order_monitor", models.ScheduledRunTrigger, hour.Add(time.Duration(i)*time.Hour))
			run.CreatedAt = hour.Add(time.Duration(i) * time.Minute)
			assert.NoError(t, store.SaveRun(run))
		}

		runs, err := store.ListRuns("order_monitor", 0)
		assert.NoError(t, err)
		assert.Len(t, runs, 3)
		assert.True(t, runs[0].CreatedAt.After(runs[1].CreatedAt))

		runs, err = store.ListRuns("order_monitor", 2)
		assert.NoError(t, err)
		assert.Len(t, runs, 2)

		runs, err = store.ListRuns("unknown", 0)
		assert.NoError(t, err)
		assert.Empty(t, runs)
	})
}
