package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
)

// executionState holds state for a single run
type executionState struct {
	run          models.Run
	defaults     models.DefaultArgs
	tasks        map[string]models.Task
	instances    map[string]*models.TaskInstance
	downstream   map[string][]string
	waiting      map[string]int // upstream tasks not yet completed
	statuses     map[string]models.TaskStatus
	taskErrors   map[string]error
	pendingCount int           // Tasks not yet completed, failed or skipped
	completeChan chan struct{} // Signals completion
	ctx          context.Context
	mu           sync.Mutex
	cleanupOnce  sync.Once
}

type taskContext struct {
	taskID string
	state  *executionState
}

// WorkerPool runs the tasks of a run in parallel while enforcing dependency edges.
// A task is queued only once all of its upstream tasks completed; when a task fails
// every task downstream of it is marked UPSTREAM_FAILED and never invoked.
type WorkerPool struct {
	runner      Runner
	notifier    Notifier
	taskService *TaskService
	logger      Logger
	taskChan    chan taskContext
	quit        chan struct{}
	stopOnce    sync.Once
	executions  map[string]*executionState
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewWorkerPool(
	mainCtx context.Context,
	runner Runner,
	notifier Notifier,
	taskService *TaskService,
	logger Logger) *WorkerPool {
	ctx, cancel := context.WithCancel(mainCtx)
	return &WorkerPool{
		runner:      runner,
		notifier:    notifier,
		taskService: taskService,
		logger:      logger,
		quit:        make(chan struct{}),
		executions:  make(map[string]*executionState),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.taskChan = make(chan taskContext, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop cancels in-flight executions and waits for the workers to exit
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.cancel()
		close(wp.quit)
		wp.wg.Wait()
	})
}

// ExecuteTasks executes the tasks of a run in the given topological order and blocks until
// every task reached a terminal status. It returns the final status of each task and the
// errors of the tasks that failed.
func (wp *WorkerPool) ExecuteTasks(ctx context.Context, run models.Run, wf models.Workflow, order []string) (map[string]models.TaskStatus, map[string]error) {
	done := make(chan struct{})
	defer close(done)

	// stopping the pool cancels the run as well
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(wp.ctx, cancel)
	defer stop()

	state := &executionState{
		run:          run,
		defaults:     wf.DefaultArgs,
		tasks:        make(map[string]models.Task, len(order)),
		instances:    make(map[string]*models.TaskInstance, len(order)),
		downstream:   make(map[string][]string),
		waiting:      make(map[string]int, len(order)),
		statuses:     make(map[string]models.TaskStatus, len(order)),
		taskErrors:   make(map[string]error),
		pendingCount: len(order),
		completeChan: make(chan struct{}),
		ctx:          ctx,
	}

	wp.mu.Lock()
	if _, exists := wp.executions[run.ID]; exists {
		wp.mu.Unlock()
		wp.logger.Errorf("execution %s already running", run.ID)
		return nil, map[string]error{run.ID: fmt.Errorf("execution %s already running", run.ID)}
	}
	wp.executions[run.ID] = state
	wp.mu.Unlock()

	var roots []string
	for i, taskID := range order {
		task, ok := wf.Task(taskID)
		if !ok {
			wp.cleanupExecution(run.ID)
			return nil, map[string]error{taskID: fmt.Errorf("task %s not declared", taskID)}
		}
		retries, _ := task.RetryPolicy(wf.DefaultArgs)
		ti := &models.TaskInstance{
			RunID:      run.ID,
			TaskID:     taskID,
			Position:   i,
			Status:     models.PendingTaskStatus,
			MaxRetries: retries,
		}
		if err := wp.taskService.SaveTaskInstance(*ti); err != nil {
			wp.logger.Errorf("Failed to save task %s: %v", taskID, err)
			wp.cleanupExecution(run.ID)
			return nil, map[string]error{taskID: err}
		}
		state.tasks[taskID] = task
		state.instances[taskID] = ti
		state.statuses[taskID] = models.PendingTaskStatus
		state.waiting[taskID] = len(task.Dependencies)
		if len(task.Dependencies) == 0 {
			roots = append(roots, taskID)
		}
		for _, dep := range task.Dependencies {
			state.downstream[dep] = append(state.downstream[dep], taskID)
		}
	}

	if len(order) == 0 {
		wp.cleanupExecution(run.ID)
		return map[string]models.TaskStatus{}, map[string]error{}
	}

	// Monitor context cancellation
	go func() {
		select {
		case <-ctx.Done():
			wp.handleContextCancellation(state, ctx.Err())
		case <-done:
		}
	}()

	// roots were collected before any worker could touch state
	for _, taskID := range roots {
		wp.enqueue(taskContext{taskID: taskID, state: state})
	}

	// Wait for completion
	<-state.completeChan

	state.mu.Lock()
	defer state.mu.Unlock()
	statuses := make(map[string]models.TaskStatus, len(state.statuses))
	for k, st := range state.statuses {
		statuses[k] = st
	}
	errs := make(map[string]error, len(state.taskErrors))
	for k, taskErr := range state.taskErrors {
		errs[k] = taskErr
	}
	return statuses, errs
}

func (wp *WorkerPool) enqueue(tc taskContext) {
	go func() {
		select {
		case wp.taskChan <- tc:
		case <-wp.quit:
		}
	}()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.quit:
			return
		case tc := <-wp.taskChan:
			wp.executeTask(tc)
		}
	}
}

// handleContextCancellation fails every task of the run that has not started yet
func (wp *WorkerPool) handleContextCancellation(state *executionState, err error) {
	var cancelled []*models.TaskInstance
	now := time.Now()
	state.mu.Lock()
	for taskID, st := range state.statuses {
		if st != models.PendingTaskStatus {
			continue
		}
		state.statuses[taskID] = models.FailedTaskStatus
		state.taskErrors[taskID] = fmt.Errorf("run cancelled: %w", err)
		ti := state.instances[taskID]
		ti.Status = models.FailedTaskStatus
		ti.ErrorMsg = state.taskErrors[taskID].Error()
		ti.FinishedAt = &now
		cancelled = append(cancelled, ti)
	}
	state.mu.Unlock()
	if len(cancelled) == 0 {
		return
	}

	wp.logger.Infof("Context cancelled for run %s: %v", state.run.ID, err)
	for _, ti := range cancelled {
		if updateErr := wp.taskService.UpdateTaskInstance(*ti); updateErr != nil {
			wp.logger.Errorf("Failed to update task %s status to FAILED: %v", ti.TaskID, updateErr)
		}
	}
	wp.finish(state, len(cancelled))
}

func (wp *WorkerPool) executeTask(tc taskContext) {
	state := tc.state
	state.mu.Lock()
	if state.statuses[tc.taskID] != models.PendingTaskStatus {
		// cancelled while queued
		state.mu.Unlock()
		return
	}
	state.statuses[tc.taskID] = models.RunningTaskStatus
	task := state.tasks[tc.taskID]
	ti := state.instances[tc.taskID]
	state.mu.Unlock()

	ctx := state.ctx
	canRun, err := wp.taskService.CanRunTask(state.run.ID, task)
	if err == nil && !canRun {
		err = fmt.Errorf("upstream of task %s did not complete", task.ID)
	}
	if err != nil {
		wp.completeTask(state, task, ti, models.CommandResult{ExitCode: -1}, false, err)
		return
	}

	startedAt := time.Now()
	ti.Status = models.RunningTaskStatus
	ti.StartedAt = &startedAt
	if updateErr := wp.taskService.UpdateTaskInstance(*ti); updateErr != nil {
		wp.logger.Errorf("Failed to update task %s status to RUNNING: %v", task.ID, updateErr)
	}

	retries, delay := task.RetryPolicy(state.defaults)
	var (
		result models.CommandResult
		ran    bool
	)
	operation := func() error {
		ti.Attempts++
		if updateErr := wp.taskService.UpdateTaskInstance(*ti); updateErr != nil {
			wp.logger.Errorf("Failed to update task %s attempts to %d: %v", task.ID, ti.Attempts, updateErr)
		}
		wp.logger.Infof("Starting task %s attempt %d/%d (run %s)", task.ID, ti.Attempts, retries+1, state.run.ID)

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if task.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		defer cancel()

		res, runErr := wp.runner.Run(attemptCtx, task)
		result, ran = res, true
		if runErr != nil && ctx.Err() != nil {
			return backoff.Permanent(runErr)
		}
		if runErr != nil && attemptCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("task %s timed out after %s: %w", task.ID, task.Timeout, runErr)
		}
		return runErr
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(retries)), ctx)
	taskErr := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		wp.logger.Warnf("Retrying task %s in %s (attempt %d/%d): %v", task.ID, next, ti.Attempts, retries+1, err)
		if state.defaults.EmailOnRetry {
			wp.notify(state, models.RetryNotification, task.ID, ti.Attempts, err, nil)
		}
	})

	if !ran {
		result.ExitCode = -1
	}
	wp.completeTask(state, task, ti, result, ran, taskErr)
}

// completeTask records the outcome of a task, skips its downstream on failure and queues
// downstream tasks whose upstream tasks all completed.
func (wp *WorkerPool) completeTask(state *executionState, task models.Task, ti *models.TaskInstance, result models.CommandResult, ran bool, taskErr error) {
	now := time.Now()
	var ready []string
	var skipped []*models.TaskInstance

	state.mu.Lock()
	ti.FinishedAt = &now
	if ran {
		code := result.ExitCode
		ti.ExitCode = &code
	}
	if taskErr == nil {
		ti.Status = models.CompletedTaskStatus
		ti.ErrorMsg = ""
		state.statuses[task.ID] = models.CompletedTaskStatus
		for _, down := range state.downstream[task.ID] {
			state.waiting[down]--
			if state.waiting[down] == 0 && state.statuses[down] == models.PendingTaskStatus {
				ready = append(ready, down)
			}
		}
	} else {
		ti.Status = models.FailedTaskStatus
		ti.ErrorMsg = taskErr.Error()
		state.statuses[task.ID] = models.FailedTaskStatus
		state.taskErrors[task.ID] = taskErr
		for _, id := range wp.markUpstreamFailed(state, task.ID) {
			skipped = append(skipped, state.instances[id])
		}
	}
	cancelled := state.ctx.Err() != nil
	state.mu.Unlock()

	if updateErr := wp.taskService.UpdateTaskInstance(*ti); updateErr != nil {
		wp.logger.Errorf("Failed to update task %s status to %s: %v", task.ID, ti.Status, updateErr)
	}
	for _, s := range skipped {
		wp.logger.Infof("Skipping task %s: upstream task %s failed", s.TaskID, task.ID)
		if updateErr := wp.taskService.UpdateTaskInstance(*s); updateErr != nil {
			wp.logger.Errorf("Failed to update task %s status to %s: %v", s.TaskID, s.Status, updateErr)
		}
	}

	if taskErr != nil {
		wp.logger.Errorf("Task %s failed after %d attempt(s): %v", task.ID, ti.Attempts, taskErr)
		if state.defaults.EmailOnFailure && !cancelled {
			skippedIDs := make([]string, 0, len(skipped))
			for _, s := range skipped {
				skippedIDs = append(skippedIDs, s.TaskID)
			}
			wp.notify(state, models.FailureNotification, task.ID, ti.Attempts, taskErr, skippedIDs)
		}
	} else {
		wp.logger.Infof("Task %s completed successfully in %s", task.ID, result.Duration)
	}

	for _, id := range ready {
		wp.enqueue(taskContext{taskID: id, state: state})
	}
	wp.finish(state, 1+len(skipped))
}

// markUpstreamFailed marks every pending task transitively downstream of failedID.
// It expects state.mu to be held.
func (wp *WorkerPool) markUpstreamFailed(state *executionState, failedID string) []string {
	var marked []string
	now := time.Now()
	queue := append([]string(nil), state.downstream[failedID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if state.statuses[id] != models.PendingTaskStatus {
			continue
		}
		state.statuses[id] = models.UpstreamFailedTaskStatus
		ti := state.instances[id]
		ti.Status = models.UpstreamFailedTaskStatus
		ti.ErrorMsg = fmt.Sprintf("upstream task %s failed", failedID)
		ti.FinishedAt = &now
		marked = append(marked, id)
		queue = append(queue, state.downstream[id]...)
	}
	return marked
}

func (wp *WorkerPool) notify(state *executionState, kind models.NotificationKind, taskID string, attempt int, err error, skipped []string) {
	if wp.notifier == nil || len(state.defaults.Email) == 0 {
		return
	}
	n := models.Notification{
		Kind:        kind,
		WorkflowID:  state.run.WorkflowID,
		RunID:       state.run.ID,
		TaskID:      taskID,
		Owner:       state.defaults.Owner,
		LogicalDate: state.run.LogicalDate,
		Attempt:     attempt,
		Recipients:  state.defaults.Email,
		Error:       err.Error(),
		Skipped:     skipped,
	}
	// delivery must not depend on the run context, which may already be cancelled
	notifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if notifyErr := wp.notifier.Notify(notifyCtx, n); notifyErr != nil {
		wp.logger.Errorf("Failed to send %s notification for task %s: %v", kind, taskID, notifyErr)
	}
}

func (wp *WorkerPool) finish(state *executionState, n int) {
	if n == 0 {
		return
	}
	state.mu.Lock()
	state.pendingCount -= n
	last := state.pendingCount == 0
	state.mu.Unlock()
	if last {
		wp.cleanupExecution(state.run.ID)
	}
}

func (wp *WorkerPool) cleanupExecution(runID string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if state, ok := wp.executions[runID]; ok {
		state.cleanupOnce.Do(func() {
			close(state.completeChan)
			delete(wp.executions, runID)
			wp.logger.Debugf("Cleaned up execution: %s", runID)
		})
	}
}
