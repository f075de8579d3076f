package service

import (
	"context"
	"fmt"

	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNonZeroExit is the only task failure kind: the shell command exited non-zero.
	ErrNonZeroExit = errors.New("command exited non-zero")
	// ErrRunFailed is returned by TriggerRun when at least one task failed.
	ErrRunFailed = errors.New("run failed")
)

// Runner executes the command of a task once.
type Runner interface {
	Run(ctx context.Context, task models.Task) (models.CommandResult, error)
}

// Notifier delivers failure and retry notifications.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Logger defines the logging interface for the services
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ExitError reports a command that ran and exited with a non-zero code.
type ExitError struct {
	TaskID string
	Code   int
	Output string // tail of the combined output
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("task '%s' exited with code %d", e.TaskID, e.Code)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return ErrNonZeroExit
}
