//go:build !windows

package backendproc

import (
	"os/exec"
	"syscall"
)

func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGTERM)
}
