package adapter

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"miesc/internal/finding"
)

// RunResult captures one adapter invocation: the normalized findings, the
// raw output, and the structured failure if any. A timed-out run still
// carries whatever findings were streamed before the deadline.
type RunResult struct {
	Tool      Tool
	Findings  []finding.Finding
	Raw       RawOutput
	Err       *Error
	TimedOut  bool
	StartedAt time.Time
	Duration  time.Duration
}

// Failed reports whether the run produced a structured failure.
func (r RunResult) Failed() bool { return r.Err != nil }

// Runner invokes adapters one contract at a time under a bounded budget,
// normalizing output as it arrives. It serializes calls to non-reentrant
// adapters and recovers adapter panics into structured failures.
type Runner struct {
	normalizer *finding.Normalizer
	logger     *zap.Logger

	mu    sync.Mutex
	gates map[string]*sync.Mutex // per-tool gate for non-reentrant adapters
}

// NewRunner builds a Runner around the given normalizer.
func NewRunner(n *finding.Normalizer, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		normalizer: n,
		logger:     logger,
		gates:      make(map[string]*sync.Mutex),
	}
}

// Hooks receive findings as they stream out of a running adapter. OnRaw
// sees the tool-native record, OnFinding the normalized one; either may
// be nil.
type Hooks struct {
	OnRaw     func(finding.RawFinding)
	OnFinding func(finding.Finding)
}

// Run executes one adapter against one contract. The hooks receive each
// finding as soon as it is known; streamed findings arrive while the tool
// is still running.
//
// A zero or negative deadline never starts the tool: the result is an
// immediate TOOL_TIMEOUT, mirroring a tool whose budget was exhausted
// before launch.
func (r *Runner) Run(ctx context.Context, a Adapter, ref ContractRef, opts Options, hooks Hooks) RunResult {
	meta := a.Metadata()
	res := RunResult{Tool: meta, StartedAt: time.Now()}
	log := r.logger.With(zap.String("tool", meta.ID))

	if opts.Deadline <= 0 {
		res.TimedOut = true
		res.Err = NewError(KindToolTimeout, meta.ID, fmt.Errorf("per-tool deadline is zero"))
		return res
	}

	if opts.Workspace != "" {
		if err := os.MkdirAll(opts.Workspace, 0o755); err != nil {
			res.Err = NewError(KindToolFailedPermanent, meta.ID, fmt.Errorf("workspace: %w", err))
			return res
		}
	}

	if meta.NonReentrant {
		gate := r.gate(meta.ID)
		gate.Lock()
		defer gate.Unlock()
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Deadline)
	defer cancel()

	seen := make(map[string]bool)
	var mu sync.Mutex
	collect := func(raw finding.RawFinding) {
		f, err := r.normalizer.Normalize(raw, meta.Layer)
		if err != nil {
			log.Warn("dropping malformed finding", zap.Error(err))
			return
		}
		mu.Lock()
		if seen[f.ID] {
			mu.Unlock()
			return
		}
		seen[f.ID] = true
		res.Findings = append(res.Findings, f)
		mu.Unlock()
		if hooks.OnRaw != nil {
			hooks.OnRaw(raw)
		}
		if hooks.OnFinding != nil {
			hooks.OnFinding(f)
		}
	}

	raw, err := r.analyze(runCtx, a, ref, opts, collect)
	res.Raw = raw
	res.Duration = time.Since(res.StartedAt)

	switch {
	case err == nil:
		rawFindings, nerr := a.Normalize(raw)
		if nerr != nil {
			res.Err = NewError(KindToolFailedPermanent, meta.ID, fmt.Errorf("normalize: %w", nerr))
			return res
		}
		for _, rf := range rawFindings {
			collect(rf)
		}
		log.Debug("adapter run completed",
			zap.Int("findings", len(res.Findings)),
			zap.Duration("duration", res.Duration))

	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.TimedOut = true
		res.Raw.Partial = true
		res.Err = NewError(KindToolTimeout, meta.ID, err)
		log.Warn("adapter timed out",
			zap.Duration("budget", opts.Deadline),
			zap.Int("partial_findings", len(res.Findings)))

	case ctx.Err() != nil:
		res.Err = NewError(KindAuditCancelled, meta.ID, ctx.Err())

	default:
		res.Err = NewError(KindOf(err), meta.ID, err)
		log.Warn("adapter failed", zap.String("kind", string(res.Err.Kind)), zap.Error(err))
	}

	return res
}

// analyze dispatches to the streaming entry point when the adapter supports
// it and converts panics into errors so one misbehaving adapter cannot take
// down the audit.
func (r *Runner) analyze(ctx context.Context, a Adapter, ref ContractRef, opts Options, emit func(finding.RawFinding)) (raw RawOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = NewError(KindInternal, a.Metadata().ID, fmt.Errorf("adapter panic: %v", rec))
		}
	}()

	if s, ok := a.(Streamer); ok {
		return s.AnalyzeStream(ctx, ref, opts, emit)
	}
	return a.Analyze(ctx, ref, opts)
}

func (r *Runner) gate(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[id]
	if !ok {
		g = &sync.Mutex{}
		r.gates[id] = g
	}
	return g
}
