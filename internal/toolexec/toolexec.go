// Package toolexec runs external analyzer binaries with cooperative
// cancellation. A cancelled command first receives a termination signal for
// its whole process group; after a bounded grace period the group is
// force-killed. Resource caps (niceness, address-space and CPU rlimits) are
// applied where the platform supports them.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// DefaultGrace is how long a signalled process may clean up before the
// process group is force-terminated.
const DefaultGrace = 5 * time.Second

// Limits caps the subprocess's resource usage. Zero fields are unlimited.
type Limits struct {
	MaxMemoryBytes int64
	MaxCPUSeconds  int64
	Nice           int
}

// Command describes one external tool invocation.
type Command struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
	Stdin  []byte

	// Grace overrides DefaultGrace when positive.
	Grace time.Duration

	Limits *Limits
}

// Result captures the completed (or killed) invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration

	// TimedOut is set when the context deadline expired; Killed when the
	// grace period also expired and the group was force-terminated.
	TimedOut bool
	Killed   bool
}

// ErrBinaryMissing is returned when the binary is not on PATH.
var ErrBinaryMissing = errors.New("binary not on PATH")

// Installed reports whether the binary resolves on PATH.
func Installed(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

// Run executes the command. Cancellation is cooperative: SIGTERM to the
// process group, then SIGKILL after the grace period. Partial stdout and
// stderr are always returned.
func Run(ctx context.Context, c Command) (*Result, error) {
	if !Installed(c.Binary) {
		return nil, ErrBinaryMissing
	}

	cmd := exec.Command(c.Binary, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if len(c.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	setupProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	applyLimits(cmd, c.Limits)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	grace := c.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	res := &Result{}
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		res.TimedOut = ctx.Err() == context.DeadlineExceeded
		terminateGroup(cmd)
		select {
		case waitErr = <-waitCh:
		case <-time.After(grace):
			res.Killed = true
			killGroup(cmd)
			waitErr = <-waitCh
		}
	}

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	res.Duration = time.Since(start)
	res.ExitCode = exitCode(cmd, waitErr)

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if waitErr != nil && !isExitError(waitErr) {
		return res, waitErr
	}
	return res, nil
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

func isExitError(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee)
}

// CombinedTail returns the last n bytes of stdout+stderr for diagnostics.
func (r *Result) CombinedTail(n int) string {
	s := string(r.Stdout) + string(r.Stderr)
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
