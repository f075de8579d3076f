package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/service"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func (l testLogger) Debugf(format string, args ...interface{}) {}

func (l testLogger) Infof(format string, args ...interface{}) {}

func (l testLogger) Warnf(format string, args ...interface{}) {}

func (l testLogger) Errorf(format string, args ...interface{}) {}

type taskBehaviour func(ctx context.Context, attempt int) (models.CommandResult, error)

// fakeRunner runs per-task behaviours and records invocations in order.
type fakeRunner struct {
	mu         sync.Mutex
	behaviours map[string]taskBehaviour
	calls      []string
	attempts   map[string]int
}

func newFakeRunner(behaviours map[string]taskBehaviour) *fakeRunner {
	return &fakeRunner{behaviours: behaviours, attempts: make(map[string]int)}
}

func (r *fakeRunner) Run(ctx context.Context, task models.Task) (models.CommandResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, task.ID)
	r.attempts[task.ID]++
	attempt := r.attempts[task.ID]
	behaviour := r.behaviours[task.ID]
	r.mu.Unlock()
	if behaviour == nil {
		return models.CommandResult{ExitCode: 0}, nil
	}
	return behaviour(ctx, attempt)
}

func (r *fakeRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRunner) Attempts(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[taskID]
}

func succeed(ctx context.Context, attempt int) (models.CommandResult, error) {
	return models.CommandResult{ExitCode: 0}, nil
}

func exitWith(code int) taskBehaviour {
	return func(ctx context.Context, attempt int) (models.CommandResult, error) {
		return models.CommandResult{ExitCode: code}, &service.ExitError{Code: code}
	}
}

func blockUntilDone(ctx context.Context, attempt int) (models.CommandResult, error) {
	<-ctx.Done()
	return models.CommandResult{ExitCode: -1}, ctx.Err()
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) Sent(kind models.NotificationKind) []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Notification
	for _, s := range n.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// orderMonitorWorkflow mirrors the production declaration with fake commands.
func orderMonitorWorkflow() models.Workflow {
	wf := models.Workflow{
		ID:        "order_monitor",
		Schedule:  "@hourly",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DefaultArgs: models.DefaultArgs{
			Owner:          "data-eng",
			Email:          []string{"alerts@example.com"},
			EmailOnFailure: true,
			EmailOnRetry:   false,
			Retries:        0,
			RetryDelay:     time.Minute,
		},
	}
	wf.AddTask("run_transform", "dbt run")
	wf.AddTask("check_delayed", "python check_delayed_orders.py")
	if err := wf.SetDownstream("run_transform", "check_delayed"); err != nil {
		panic(err)
	}
	return wf
}
