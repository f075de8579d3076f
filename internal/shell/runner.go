// Package shell runs task commands through a login-less shell after activating
// the task's environment and changing into its working directory.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"al.essio.dev/pkg/shellescape"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/service"
)

const (
	DefaultShell = "/bin/bash"
	// outputTail bounds how much output is kept for error messages
	outputTail = 2048
	killGrace  = 10 * time.Second
)

type Runner struct {
	shell  string
	logger service.Logger
}

func NewRunner(shellPath string, logger service.Logger) *Runner {
	if shellPath == "" {
		shellPath = DefaultShell
	}
	return &Runner{shell: shellPath, logger: logger}
}

// Script composes the shell invocation of a task:
// . <activate> && cd <workdir> && <command>. Empty segments are omitted.
// The POSIX "." keeps activation working under sh as well as bash.
func Script(task models.Task) string {
	var parts []string
	if task.ActivateScript != "" {
		parts = append(parts, ". "+shellescape.Quote(task.ActivateScript))
	}
	if task.WorkDir != "" {
		parts = append(parts, "cd "+shellescape.Quote(task.WorkDir))
	}
	parts = append(parts, task.Command)
	return strings.Join(parts, " && ")
}

// Run executes the task once. A command that exits non-zero yields a *service.ExitError;
// a command that could not be started yields the start error and exit code -1.
func (r *Runner) Run(ctx context.Context, task models.Task) (models.CommandResult, error) {
	script := Script(task)
	cmd := exec.CommandContext(ctx, r.shell, "-c", script)
	cmd.Env = append(os.Environ(), task.Env...)
	configureCancel(cmd)
	cmd.WaitDelay = killGrace

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	r.logger.Debugf("Running task %s: %s -c %q", task.ID, r.shell, script)
	start := time.Now()
	err := cmd.Run()
	result := models.CommandResult{Duration: time.Since(start), Output: tail(output.String(), outputTail)}
	r.logOutput(task.ID, output.Bytes())

	if err == nil {
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, &service.ExitError{TaskID: task.ID, Code: result.ExitCode, Output: result.Output}
	}
	result.ExitCode = -1
	return result, err
}

func (r *Runner) logOutput(taskID string, out []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.logger.Debugf("[%s] %s", taskID, scanner.Text())
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
