package models

import "time"

// Task represents a single unit of work wrapping one shell command.
type Task struct {
	ID             string         `json:"id"`                        // Unique within the workflow (e.g., "run_transform")
	Command        string         `json:"command"`                   // Shell invocation run after activation and cd
	ActivateScript string         `json:"activate_script,omitempty"` // Sourced before the command when set
	WorkDir        string         `json:"work_dir,omitempty"`        // Directory to cd into when set
	Env            []string       `json:"env,omitempty"`             // Extra KEY=VALUE pairs
	Dependencies   []string       `json:"dependencies"`              // Upstream task IDs
	Retries        *int           `json:"retries,omitempty"`         // Overrides DefaultArgs.Retries
	RetryDelay     *time.Duration `json:"retry_delay,omitempty"`     // Overrides DefaultArgs.RetryDelay
	Timeout        time.Duration  `json:"timeout,omitempty"`         // Per attempt, 0 means no timeout
}

// TaskOption customises a task at declaration time.
type TaskOption func(*Task)

func WithRetries(n int) TaskOption {
	return func(t *Task) { t.Retries = &n }
}

func WithRetryDelay(d time.Duration) TaskOption {
	return func(t *Task) { t.RetryDelay = &d }
}

func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.Timeout = d }
}

func WithWorkDir(dir string) TaskOption {
	return func(t *Task) { t.WorkDir = dir }
}

func WithActivateScript(path string) TaskOption {
	return func(t *Task) { t.ActivateScript = path }
}

func WithEnv(kv ...string) TaskOption {
	return func(t *Task) { t.Env = append(t.Env, kv...) }
}

// RetryPolicy resolves the effective retry count and delay against the workflow defaults.
func (t Task) RetryPolicy(defaults DefaultArgs) (int, time.Duration) {
	retries, delay := defaults.Retries, defaults.RetryDelay
	if t.Retries != nil {
		retries = *t.Retries
	}
	if t.RetryDelay != nil {
		delay = *t.RetryDelay
	}
	return retries, delay
}

// CommandResult is what a runner observed for one attempt.
type CommandResult struct {
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"` // Tail of combined stdout/stderr
	Duration time.Duration `json:"duration"`
}
