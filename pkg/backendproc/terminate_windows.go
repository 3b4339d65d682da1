//go:build windows

package backendproc

import "os/exec"

func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
