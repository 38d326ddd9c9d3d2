//go:build !linux && !windows

package toolexec

import "os/exec"

// applyLimits on non-Linux Unix only adjusts niceness; prlimit is not
// portable.
func applyLimits(cmd *exec.Cmd, l *Limits) {
	if l == nil {
		return
	}
	applyNice(cmd, l.Nice)
}
