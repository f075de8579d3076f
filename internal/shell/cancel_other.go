//go:build !unix

package shell

import "os/exec"

func configureCancel(cmd *exec.Cmd) {}
