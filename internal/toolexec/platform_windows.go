//go:build windows

package toolexec

import "os/exec"

func setupProcessGroup(cmd *exec.Cmd) {}

// terminateGroup has no TERM/KILL distinction on Windows; Kill directly.
func terminateGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func applyLimits(cmd *exec.Cmd, l *Limits) {}
