package storage

import (
	"sort"
	"sync"

	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory storage. Transactions are no-ops.
type mockStore struct {
	mu    sync.RWMutex
	runs  []models.Run
	tasks []models.TaskInstance
}

func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) Begin() (Store, error) {
	return m, nil
}

func (m *mockStore) Commit() error {
	return nil
}

func (m *mockStore) Rollback() error {
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveRun(r models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runs {
		if existing.ID == r.ID {
			return errors.New("run already exists")
		}
	}
	r.Tasks = nil
	m.runs = append(m.runs, r)
	return nil
}

func (m *mockStore) GetRun(id string) (models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.ID == id {
			r.Tasks = m.taskInstances(id)
			return r, nil
		}
	}
	return models.Run{}, ErrNotFound
}

func (m *mockStore) ListRuns(workflowID string, limit int) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := []models.Run{}
	for _, r := range m.runs {
		if r.WorkflowID == workflowID {
			runs = append(runs, r)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *mockStore) UpdateRun(r models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.runs {
		if existing.ID == r.ID {
			r.Tasks = nil
			m.runs[i] = r
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) LastScheduledRun(workflowID string) (models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *models.Run
	for i, r := range m.runs {
		if r.WorkflowID != workflowID || r.Trigger != models.ScheduledRunTrigger {
			continue
		}
		if last == nil || r.LogicalDate.After(last.LogicalDate) {
			last = &m.runs[i]
		}
	}
	if last == nil {
		return models.Run{}, ErrNotFound
	}
	return *last, nil
}

func (m *mockStore) SaveTaskInstance(ti models.TaskInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.RunID == ti.RunID && existing.TaskID == ti.TaskID {
			return errors.New("task instance already exists")
		}
	}
	m.tasks = append(m.tasks, ti)
	return nil
}

func (m *mockStore) GetTaskInstance(runID, taskID string) (models.TaskInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ti := range m.tasks {
		if ti.RunID == runID && ti.TaskID == taskID {
			return ti, nil
		}
	}
	return models.TaskInstance{}, ErrNotFound
}

func (m *mockStore) UpdateTaskInstance(ti models.TaskInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.tasks {
		if existing.RunID == ti.RunID && existing.TaskID == ti.TaskID {
			m.tasks[i] = ti
			return nil
		}
	}
	return ErrNotFound
}

// taskInstances expects m.mu to be held.
func (m *mockStore) taskInstances(runID string) []models.TaskInstance {
	var out []models.TaskInstance
	for _, ti := range m.tasks {
		if ti.RunID == runID {
			out = append(out, ti)
		}
	}
	return out
}
