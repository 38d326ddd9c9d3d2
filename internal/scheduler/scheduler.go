// Package scheduler executes an audit plan: layers run as waves, tools
// within a wave run with bounded parallelism, and every lifecycle step is
// published to the context bus. The scheduler owns the global time budget;
// per-tool budgets are enforced by the adapter runner.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"miesc/internal/adapter"
	"miesc/internal/bus"
	"miesc/internal/finding"
	"miesc/internal/registry"
)

// Mode selects how one wave hands off to the next.
type Mode string

const (
	// ModeSequential starts wave N+1 only after every tool in wave N has
	// terminated.
	ModeSequential Mode = "sequential"

	// ModePipelined starts wave N+1 once every tool in wave N has either
	// emitted its first normalized finding or terminated; stragglers keep
	// running and their later findings are still accepted.
	ModePipelined Mode = "pipelined"
)

// Plan is a fully resolved execution order: which tools run in which layer
// waves, under which budgets.
type Plan struct {
	AuditID string
	Target  adapter.ContractRef

	// Layers is the wave order; Tools maps each layer to the tool ids that
	// run in it, already availability-filtered by the coordinator (the
	// scheduler re-checks and skips rather than fails).
	Layers []int
	Tools  map[int][]string

	ToolDeadline     time.Duration
	PerToolDeadlines map[string]time.Duration
	GlobalDeadline   time.Duration

	MaxParallelPerLayer int
	CrossLayerMode      Mode

	Workspace string
	Extra     map[string]string
}

// Validate rejects plans the scheduler cannot execute.
func (p Plan) Validate() error {
	if p.AuditID == "" {
		return fmt.Errorf("plan has no audit id")
	}
	if len(p.Layers) == 0 {
		return fmt.Errorf("plan has no layers")
	}
	for _, l := range p.Layers {
		if l < adapter.MinLayer || l > adapter.MaxLayer {
			return fmt.Errorf("plan layer %d out of range", l)
		}
	}
	if p.GlobalDeadline <= 0 {
		return fmt.Errorf("plan has no global deadline")
	}
	if p.ToolDeadline <= 0 {
		return fmt.Errorf("plan has no per-tool deadline")
	}
	return nil
}

// deadlineFor returns the configured budget for one tool.
func (p Plan) deadlineFor(id string) time.Duration {
	if d, ok := p.PerToolDeadlines[id]; ok && d > 0 {
		return d
	}
	return p.ToolDeadline
}

// ToolStatus summarizes how one tool's run ended.
type ToolStatus string

const (
	StatusOK        ToolStatus = "ok"
	StatusFailed    ToolStatus = "failed"
	StatusTimeout   ToolStatus = "timeout"
	StatusSkipped   ToolStatus = "skipped"
	StatusCancelled ToolStatus = "cancelled"
)

// ToolOutcome is the per-tool record in the scheduler's result.
type ToolOutcome struct {
	ToolID     string            `json:"tool_id"`
	Layer      int               `json:"layer"`
	Status     ToolStatus        `json:"status"`
	Kind       adapter.ErrorKind `json:"kind,omitempty"`
	Message    string            `json:"message,omitempty"`
	Findings   int               `json:"findings"`
	DurationMs int64             `json:"duration_ms"`
	Retried    bool              `json:"retried,omitempty"`
}

// Outcome is the scheduler's result: every normalized finding plus the
// per-tool execution record. PartialTimeout marks a global-deadline expiry,
// which is a degraded completion, never a failure.
type Outcome struct {
	Findings       []finding.Finding
	Tools          []ToolOutcome
	PartialTimeout bool
	Cancelled      bool
	Started        time.Time
	Finished       time.Time
}

// ToolsUsed lists the ids of tools that actually ran (any terminal status
// except skipped).
func (o *Outcome) ToolsUsed() []string {
	var ids []string
	for _, t := range o.Tools {
		if t.Status != StatusSkipped {
			ids = append(ids, t.ToolID)
		}
	}
	return ids
}

// Scheduler drives plans. One Scheduler serves many concurrent audits; all
// per-audit state lives in Execute's frame.
type Scheduler struct {
	reg    *registry.Registry
	runner *adapter.Runner
	bus    *bus.Bus
	logger *zap.Logger
}

// New builds a scheduler over the given registry, runner, and bus.
func New(reg *registry.Registry, runner *adapter.Runner, b *bus.Bus, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{reg: reg, runner: runner, bus: b, logger: logger}
}

// progress carries the live counters behind audit.progress events.
type progress struct {
	pending  atomic.Int64
	running  atomic.Int64
	finished atomic.Int64
	raw      atomic.Int64
}

func (s *Scheduler) publishProgress(auditID string, p *progress, partial bool) {
	s.bus.Publish(bus.NewEvent(auditID, bus.TopicAuditProgress, bus.ProgressEvent{
		State:          "RUNNING",
		ToolsPending:   int(p.pending.Load()),
		ToolsRunning:   int(p.running.Load()),
		ToolsFinished:  int(p.finished.Load()),
		RawFindings:    int(p.raw.Load()),
		PartialTimeout: partial,
	}))
}

// Execute runs the plan to completion, global timeout, or cancellation of
// ctx. It always returns an outcome; findings gathered before an interruption
// are preserved.
func (s *Scheduler) Execute(ctx context.Context, plan Plan) (*Outcome, error) {
	if err := plan.Validate(); err != nil {
		return nil, adapter.NewError(adapter.KindInputInvalid, "", err)
	}

	log := s.logger.With(zap.String("audit_id", plan.AuditID))
	out := &Outcome{Started: time.Now()}

	gctx, cancel := context.WithTimeout(ctx, plan.GlobalDeadline)
	defer cancel()

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		all  sync.WaitGroup
		prog progress
	)
	for _, layer := range plan.Layers {
		prog.pending.Add(int64(len(plan.Tools[layer])))
	}

	maxParallel := plan.MaxParallelPerLayer
	if maxParallel < 1 {
		maxParallel = 1
	}

	for _, layer := range plan.Layers {
		ids := plan.Tools[layer]
		if len(ids) == 0 {
			continue
		}

		sem := semaphore.NewWeighted(int64(maxParallel))
		var gate sync.WaitGroup
		gate.Add(len(ids))

		for _, id := range ids {
			all.Add(1)
			go func(layer int, id string) {
				defer all.Done()
				var once sync.Once
				openGate := func() { once.Do(gate.Done) }
				defer openGate()
				s.runTool(gctx, plan, layer, id, sem, openGate, &mu, seen, out, &prog)
			}(layer, id)
		}

		// Sequential waves open their gates only at termination;
		// pipelined waves also open on the first finding. Once the
		// budget is gone, later waves drain instantly as skips, so
		// every planned tool ends up in the outcome.
		gate.Wait()
	}
	all.Wait()

	switch {
	case ctx.Err() != nil:
		out.Cancelled = true
		log.Info("audit cancelled", zap.Int("findings", len(out.Findings)))
	case gctx.Err() == context.DeadlineExceeded:
		out.PartialTimeout = true
		s.publishProgress(plan.AuditID, &prog, true)
		log.Warn("global deadline expired, continuing with partial results",
			zap.Int("findings", len(out.Findings)))
	}

	out.Finished = time.Now()
	return out, nil
}

func (s *Scheduler) runTool(gctx context.Context, plan Plan, layer int, id string, sem *semaphore.Weighted, openGate func(), mu *sync.Mutex, seen map[string]bool, out *Outcome, prog *progress) {
	to := ToolOutcome{ToolID: id, Layer: layer}
	record := func() {
		mu.Lock()
		out.Tools = append(out.Tools, to)
		mu.Unlock()
		prog.pending.Add(-1)
		prog.finished.Add(1)
		s.publishProgress(plan.AuditID, prog, false)
	}

	skip := func(kind adapter.ErrorKind, msg string) {
		to.Status = StatusSkipped
		to.Kind = kind
		to.Message = msg
		s.bus.Publish(bus.NewEvent(plan.AuditID, bus.TopicToolSkipped, bus.ToolEvent{
			ToolID: id, Layer: layer, Kind: string(kind), Message: msg,
		}))
		record()
	}

	if err := sem.Acquire(gctx, 1); err != nil {
		// Budget exhausted before this tool got a slot; it never starts.
		skip(adapter.KindOf(gctx.Err()), "not started: audit budget exhausted")
		return
	}
	defer sem.Release(1)

	if gctx.Err() != nil {
		skip(adapter.KindOf(gctx.Err()), "not started: audit budget exhausted")
		return
	}

	avail := s.reg.Availability(gctx, id)
	if avail != adapter.Available {
		skip(adapter.KindToolUnavailable, fmt.Sprintf("availability: %s", avail))
		return
	}
	a := s.reg.Get(id)
	if a == nil {
		skip(adapter.KindToolUnavailable, "not registered")
		return
	}

	// Per-tool budget never exceeds what remains of the global budget.
	deadline := plan.deadlineFor(id)
	if gd, ok := gctx.Deadline(); ok {
		if remaining := time.Until(gd); remaining < deadline {
			deadline = remaining
		}
	}

	opts := adapter.Options{
		Workspace: filepath.Join(plan.Workspace, id),
		Deadline:  deadline,
		Extra:     plan.Extra,
	}

	prog.running.Add(1)
	defer prog.running.Add(-1)
	s.bus.Publish(bus.NewEvent(plan.AuditID, bus.TopicToolStarted, bus.ToolEvent{
		ToolID: id, Layer: layer,
	}))

	hooks := adapter.Hooks{
		OnRaw: func(raw finding.RawFinding) {
			s.bus.Publish(bus.NewEvent(plan.AuditID, bus.TopicFindingRaw, raw))
		},
		OnFinding: func(f finding.Finding) {
			mu.Lock()
			if seen[f.ID] {
				mu.Unlock()
				return
			}
			seen[f.ID] = true
			out.Findings = append(out.Findings, f)
			mu.Unlock()

			prog.raw.Add(1)
			s.bus.Publish(bus.NewEvent(plan.AuditID, bus.TopicFindingNormalized, f))
			if plan.CrossLayerMode == ModePipelined {
				openGate()
			}
		},
	}

	res := s.runner.Run(gctx, a, plan.Target, opts, hooks)

	if res.Failed() && res.Err.Kind == adapter.KindToolFailedTransient &&
		a.Metadata().Retryable && gctx.Err() == nil {
		to.Retried = true
		s.bus.Publish(bus.NewEvent(plan.AuditID, bus.TopicToolFailed, bus.ToolEvent{
			ToolID: id, Layer: layer, Kind: string(res.Err.Kind),
			Message: res.Err.Error(), Retry: true,
		}))
		res = s.runner.Run(gctx, a, plan.Target, opts, hooks)
	}

	to.Findings = len(res.Findings)
	to.DurationMs = res.Duration.Milliseconds()

	switch {
	case !res.Failed():
		to.Status = StatusOK
		s.bus.Publish(bus.NewEvent(plan.AuditID, bus.TopicToolFinished, bus.ToolEvent{
			ToolID: id, Layer: layer,
			DurationMs: to.DurationMs, Findings: to.Findings,
		}))

	case res.TimedOut,
		res.Err.Kind == adapter.KindAuditCancelled && gctx.Err() == context.DeadlineExceeded:
		// Per-tool expiry, or the global budget expired out from under a
		// running tool. Both are degraded completions with findings kept.
		to.Status = StatusTimeout
		to.Kind = adapter.KindToolTimeout
		to.Message = res.Err.Error()
		s.bus.Publish(bus.NewEvent(plan.AuditID, bus.TopicToolTimeout, bus.ToolEvent{
			ToolID: id, Layer: layer, Kind: string(adapter.KindToolTimeout),
			DurationMs: to.DurationMs, Findings: to.Findings,
		}))

	case res.Err.Kind == adapter.KindAuditCancelled:
		to.Status = StatusCancelled
		to.Kind = adapter.KindAuditCancelled
		s.bus.Publish(bus.NewEvent(plan.AuditID, bus.TopicToolFailed, bus.ToolEvent{
			ToolID: id, Layer: layer, Kind: string(adapter.KindAuditCancelled),
		}))

	default:
		to.Status = StatusFailed
		to.Kind = res.Err.Kind
		to.Message = res.Err.Error()
		s.bus.Publish(bus.NewEvent(plan.AuditID, bus.TopicToolFailed, bus.ToolEvent{
			ToolID: id, Layer: layer, Kind: string(res.Err.Kind), Message: to.Message,
		}))
	}

	record()
}
