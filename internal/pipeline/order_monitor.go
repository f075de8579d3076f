// Package pipeline declares the order monitoring workflow.
package pipeline

import (
	"al.essio.dev/pkg/shellescape"
	"github.com/edward179/ecommerce-ETL-pipeline/internal/config"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/pkg/errors"
)

const (
	TransformTaskID    = "run_transform"
	CheckDelayedTaskID = "check_delayed"
)

// OrderMonitor builds the hourly workflow: refresh the transformed order models, then
// check them for delayed orders. The check only runs once the transformation succeeded.
func OrderMonitor(cfg config.Config) (models.Workflow, error) {
	wf := models.Workflow{
		ID:            cfg.WorkflowID,
		Schedule:      cfg.Schedule,
		StartDate:     cfg.StartDate,
		CatchUp:       cfg.CatchUp,
		MaxActiveRuns: cfg.MaxActiveRuns,
		DefaultArgs: models.DefaultArgs{
			Owner:          cfg.Owner,
			Email:          cfg.AlertEmails,
			EmailOnFailure: cfg.EmailOnFailure,
			EmailOnRetry:   cfg.EmailOnRetry,
			Retries:        cfg.Retries,
			RetryDelay:     cfg.RetryDelay,
		},
	}

	common := []models.TaskOption{
		models.WithActivateScript(cfg.VenvActivate),
		models.WithTimeout(cfg.TaskTimeout),
	}
	wf.AddTask(TransformTaskID, cfg.TransformCommand,
		append(common, models.WithWorkDir(cfg.DBTProjectDir))...)
	wf.AddTask(CheckDelayedTaskID, CheckDelayedCommand(cfg), common...)

	if err := wf.SetDownstream(TransformTaskID, CheckDelayedTaskID); err != nil {
		return models.Workflow{}, errors.Wrapf(err, "declare workflow '%s'", wf.ID)
	}
	if err := wf.Validate(); err != nil {
		return models.Workflow{}, errors.Wrapf(err, "declare workflow '%s'", wf.ID)
	}
	return wf, nil
}

// CheckDelayedCommand runs the delayed-orders script with the configured interpreter.
func CheckDelayedCommand(cfg config.Config) string {
	return cfg.PythonBin + " " + shellescape.Quote(cfg.CheckDelayedScript)
}
