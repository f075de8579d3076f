package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WorkflowService executes runs of a single workflow declaration and keeps their history.
// The declaration is passed in explicitly; nothing is registered globally.
type WorkflowService struct {
	workflow models.Workflow
	order    []string
	store    storage.Store
	logger   Logger
	wp       *WorkerPool
	now      func() time.Time
	slots    chan struct{} // one per active run, shared by scheduled and manual triggers
}

// Option customises a WorkflowService.
type Option func(*serviceOptions)

type serviceOptions struct {
	workers int
	now     func() time.Time
}

// WithWorkers sets the number of workers executing tasks (default: number of tasks).
func WithWorkers(n int) Option {
	return func(o *serviceOptions) { o.workers = n }
}

// WithClock overrides time.Now for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

func NewWorkflowService(ctx context.Context, wf models.Workflow, store storage.Store, runner Runner, notifier Notifier, logger Logger, opts ...Option) (*WorkflowService, error) {
	if err := wf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid workflow")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	order, err := topologicalSort(wf)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid workflow '%s'", wf.ID)
	}

	o := serviceOptions{workers: len(wf.Tasks), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	taskService := NewTaskService(store, logger)
	wp := NewWorkerPool(ctx, runner, notifier, taskService, logger)
	wp.Start(o.workers)
	logger.Infof("Loaded workflow '%s' (%s) with tasks %v", wf.ID, wf.Schedule, order)
	return &WorkflowService{
		workflow: wf,
		order:    order,
		store:    store,
		logger:   logger,
		wp:       wp,
		now:      o.now,
		slots:    make(chan struct{}, wf.ActiveRunLimit()),
	}, nil
}

// Workflow returns the declaration the service was built from.
func (s *WorkflowService) Workflow() models.Workflow {
	return s.workflow
}

// Order returns the task IDs in execution order.
func (s *WorkflowService) Order() []string {
	return append([]string(nil), s.order...)
}

// Close stops the worker pool. Runs still in flight fail.
func (s *WorkflowService) Close() {
	s.wp.Stop()
}

// TriggerRun instantiates one run of the task graph and blocks until it finishes.
// It first waits for a free slot when MaxActiveRuns runs are already in flight.
// The returned run carries its task instances. When a task failed the run is FAILED and
// the error wraps ErrRunFailed.
func (s *WorkflowService) TriggerRun(ctx context.Context, logicalDate time.Time, trigger models.RunTrigger) (models.Run, error) {
	select {
	case s.slots <- struct{}{}:
	default:
		s.logger.Infof("Waiting for an active run of '%s' to finish before starting a %s run", s.workflow.ID, trigger)
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return models.Run{}, errors.Wrap(ctx.Err(), "gave up waiting for an active run slot")
		}
	}
	defer func() { <-s.slots }()

	run, err := s.createRun(logicalDate.UTC(), trigger)
	if err != nil {
		return models.Run{}, errors.Wrap(err, "failed to create run")
	}

	startedAt := s.now()
	run.Status = models.RunningRunStatus
	run.StartedAt = &startedAt
	if err := s.updateRun(run); err != nil {
		return run, fmt.Errorf("failed to set run %s to RUNNING: %v", run.ID, err)
	}
	s.logger.Infof("Started %s run %s of '%s' for %s", trigger, run.ID, s.workflow.ID, run.LogicalDate.Format(time.RFC3339))

	_, errs := s.wp.ExecuteTasks(ctx, run, s.workflow, s.order)

	finishedAt := s.now()
	run.FinishedAt = &finishedAt
	run.Status = models.SuccessRunStatus
	if len(errs) > 0 {
		run.Status = models.FailedRunStatus
	}
	if err := s.updateRun(run); err != nil {
		return run, fmt.Errorf("failed to set run %s to %s: %v", run.ID, run.Status, err)
	}

	if stored, err := s.store.GetRun(run.ID); err == nil {
		run = stored
	} else {
		s.logger.Errorf("Failed to reload run %s: %v", run.ID, err)
	}

	if len(errs) > 0 {
		var combinedErrs []string
		for id, taskErr := range errs {
			combinedErrs = append(combinedErrs, fmt.Sprintf("%s: %v", id, taskErr))
		}
		sort.Strings(combinedErrs)
		s.logger.Errorf("Run %s of '%s' failed: %s", run.ID, s.workflow.ID, strings.Join(combinedErrs, "; "))
		return run, errors.Wrap(ErrRunFailed, strings.Join(combinedErrs, "; "))
	}
	s.logger.Infof("Run %s of '%s' succeeded", run.ID, s.workflow.ID)
	return run, nil
}

func (s *WorkflowService) createRun(logicalDate time.Time, trigger models.RunTrigger) (run models.Run, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return models.Run{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	run = models.Run{
		ID:          uuid.NewString(),
		WorkflowID:  s.workflow.ID,
		Trigger:     trigger,
		LogicalDate: logicalDate,
		Status:      models.QueuedRunStatus,
		CreatedAt:   s.now(),
	}
	if err = txStore.SaveRun(run); err != nil {
		return models.Run{}, err
	}
	return run, nil
}

func (s *WorkflowService) updateRun(run models.Run) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return txStore.UpdateRun(run)
}

// GetRun fetches a run of this workflow with its task instances
func (s *WorkflowService) GetRun(id string) (models.Run, error) {
	run, err := s.store.GetRun(id)
	if err != nil {
		return models.Run{}, errors.Wrapf(err, "failed to get run %s", id)
	}
	if run.WorkflowID != s.workflow.ID {
		return models.Run{}, errors.Wrapf(storage.ErrNotFound, "run %s belongs to workflow '%s'", id, run.WorkflowID)
	}
	return run, nil
}

// ListRuns returns the most recent runs first; limit <= 0 means all.
func (s *WorkflowService) ListRuns(limit int) ([]models.Run, error) {
	return s.store.ListRuns(s.workflow.ID, limit)
}

// LastScheduledRun returns the scheduled run with the latest logical date, or storage.ErrNotFound.
func (s *WorkflowService) LastScheduledRun() (models.Run, error) {
	return s.store.LastScheduledRun(s.workflow.ID)
}

// topologicalSort computes the execution order of every task of the workflow
func topologicalSort(wf models.Workflow) ([]string, error) {
	inDegree := make(map[string]int, len(wf.Tasks))
	downstream := make(map[string][]string)
	for _, t := range wf.Tasks {
		inDegree[t.ID] = 0
	}
	for _, t := range wf.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := inDegree[dep]; !ok {
				return nil, fmt.Errorf("dependency '%s' for '%s' not registered", dep, t.ID)
			}
			inDegree[t.ID]++
			downstream[dep] = append(downstream[dep], t.ID)
		}
	}

	// seed in declaration order so the result is deterministic
	var queue []string
	for _, t := range wf.Tasks {
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	var sorted []string
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		sorted = append(sorted, curr)

		for _, down := range downstream[curr] {
			inDegree[down]--
			if inDegree[down] == 0 {
				queue = append(queue, down)
			}
		}
	}
	if len(sorted) != len(wf.Tasks) {
		return nil, errors.New("cycle detected in dependencies")
	}
	return sorted, nil
}
