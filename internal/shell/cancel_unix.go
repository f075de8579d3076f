//go:build unix

package shell

import (
	"os/exec"
	"syscall"
)

// configureCancel runs the shell in its own process group and terminates the whole
// group on cancellation, so tools started by the script do not outlive the task.
func configureCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}
