//go:build windows

package executor

import "os/exec"

// setProcessGroup is a no-op; children of the program are not tracked.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
