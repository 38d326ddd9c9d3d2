// Package builtin ships the adapter shims for the stock analyzer set,
// covering all nine defense layers. Subprocess-backed shims treat their
// tool as an opaque binary producing JSON on stdout; the in-process shims
// (ml-heuristics, ensemble-voter) analyze source directly.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"miesc/internal/adapter"
	"miesc/internal/finding"
	"miesc/internal/toolexec"
)

// parseFunc turns one tool's stdout into raw findings. It must tolerate
// truncated output from a timed-out run.
type parseFunc func(tool string, data []byte) ([]finding.RawFinding, error)

// execTool wraps one external binary behind the adapter protocol.
type execTool struct {
	meta   adapter.Tool
	binary string
	args   func(target string, opts adapter.Options) []string
	parse  parseFunc
	limits *toolexec.Limits
}

func (t *execTool) Metadata() adapter.Tool { return t.meta }

func (t *execTool) Availability(ctx context.Context) adapter.Availability {
	if !toolexec.Installed(t.binary) {
		return adapter.NotInstalled
	}
	return adapter.Available
}

func (t *execTool) Analyze(ctx context.Context, ref adapter.ContractRef, opts adapter.Options) (adapter.RawOutput, error) {
	out := adapter.RawOutput{Tool: t.meta.ID}

	target, err := materialize(ref, opts.Workspace)
	if err != nil {
		return out, adapter.NewError(adapter.KindInputInvalid, t.meta.ID, err)
	}

	res, err := toolexec.Run(ctx, toolexec.Command{
		Binary: t.binary,
		Args:   t.args(target, opts),
		Dir:    opts.Workspace,
		Limits: t.limits,
	})
	if res != nil {
		out.Data = res.Stdout
		out.Partial = res.TimedOut || res.Killed
	}
	if err != nil {
		if err == toolexec.ErrBinaryMissing {
			return out, adapter.NewError(adapter.KindToolUnavailable, t.meta.ID, adapter.ErrBinaryNotFound)
		}
		return out, err
	}
	if res.ExitCode != 0 && len(res.Stdout) == 0 {
		return out, adapter.NewError(adapter.KindToolFailedPermanent, t.meta.ID,
			fmt.Errorf("exit %d: %s", res.ExitCode, res.CombinedTail(400)))
	}
	return out, nil
}

func (t *execTool) Normalize(raw adapter.RawOutput) ([]finding.RawFinding, error) {
	if len(raw.Data) == 0 {
		return nil, nil
	}
	return t.parse(t.meta.ID, raw.Data)
}

// materialize resolves the analysis target to an on-disk path, writing
// inline source into the workspace.
func materialize(ref adapter.ContractRef, workspace string) (string, error) {
	if !ref.Inline() {
		if ref.Path == "" {
			return "", fmt.Errorf("contract reference has neither path nor source")
		}
		return ref.Path, nil
	}
	name := ref.Name
	if name == "" {
		name = "contract"
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	path := filepath.Join(workspace, name+".sol")
	if err := os.WriteFile(path, []byte(ref.Source), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// sourceOf returns the target's Solidity source for in-process adapters.
func sourceOf(ref adapter.ContractRef) (string, string, error) {
	if ref.Inline() {
		file := ref.Name
		if file == "" {
			file = "contract.sol"
		}
		return ref.Source, file, nil
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return "", "", err
	}
	return string(data), ref.Path, nil
}
