//go:build !windows

package toolexec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	res, err := Run(context.Background(), Command{
		Binary: "sh",
		Args:   []string{"-c", "echo out; echo err >&2"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "out" {
		t.Errorf("stdout = %q, want %q", got, "out")
	}
	if got := strings.TrimSpace(string(res.Stderr)); got != "err" {
		t.Errorf("stderr = %q, want %q", got, "err")
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	res, err := Run(context.Background(), Command{
		Binary: "sh",
		Args:   []string{"-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Command{Binary: "definitely-not-a-real-binary-xyz"})
	if !errors.Is(err, ErrBinaryMissing) {
		t.Fatalf("err = %v, want ErrBinaryMissing", err)
	}
}

func TestRunStdin(t *testing.T) {
	res, err := Run(context.Background(), Command{
		Binary: "cat",
		Stdin:  []byte("piped"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := string(res.Stdout); got != "piped" {
		t.Errorf("stdout = %q, want %q", got, "piped")
	}
}

func TestRunDeadlineTerminatesProcessGroup(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a sleeping subprocess")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := Run(ctx, Command{
		Binary: "sh",
		Args:   []string{"-c", "sleep 30"},
		Grace:  200 * time.Millisecond,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("took %v, process group was not terminated promptly", elapsed)
	}
}

func TestRunGraceLetsToolFlush(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a sleeping subprocess")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := Run(ctx, Command{
		Binary: "sh",
		Args:   []string{"-c", `trap 'echo flushed; exit 0' TERM; sleep 30 & wait`},
		Grace:  2 * time.Second,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if !strings.Contains(string(res.Stdout), "flushed") {
		t.Errorf("stdout = %q, want trap output preserved", res.Stdout)
	}
	if res.Killed {
		t.Error("Killed = true, want graceful exit within grace period")
	}
}

func TestCombinedTail(t *testing.T) {
	r := &Result{Stdout: []byte("abcdef"), Stderr: []byte("ghij")}
	if got := r.CombinedTail(4); got != "ghij" {
		t.Errorf("CombinedTail(4) = %q, want %q", got, "ghij")
	}
	if got := r.CombinedTail(100); got != "abcdefghij" {
		t.Errorf("CombinedTail(100) = %q, want %q", got, "abcdefghij")
	}
}
