//go:build linux

package toolexec

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// applyLimits attaches rlimits to the running child via prlimit(2) and
// adjusts its niceness. Failures are ignored; limits are best-effort caps,
// not correctness requirements.
func applyLimits(cmd *exec.Cmd, l *Limits) {
	if cmd.Process == nil || l == nil {
		return
	}
	pid := cmd.Process.Pid

	if l.MaxMemoryBytes > 0 {
		lim := unix.Rlimit{Cur: uint64(l.MaxMemoryBytes), Max: uint64(l.MaxMemoryBytes)}
		_ = unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil)
	}
	if l.MaxCPUSeconds > 0 {
		lim := unix.Rlimit{Cur: uint64(l.MaxCPUSeconds), Max: uint64(l.MaxCPUSeconds)}
		_ = unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil)
	}
	applyNice(cmd, l.Nice)
}
