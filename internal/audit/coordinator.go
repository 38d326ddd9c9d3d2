// Package audit owns the audit lifecycle: profile resolution, the state
// machine, the hand-off to the scheduler, streaming correlation, the
// compliance join, and report assembly.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"miesc/internal/adapter"
	"miesc/internal/bus"
	"miesc/internal/correlation"
	"miesc/internal/finding"
	"miesc/internal/metrics"
	"miesc/internal/scheduler"
)

// Archiver persists finished reports to long-term storage. Optional; a nil
// archiver disables archiving.
type Archiver interface {
	SaveReport(ctx context.Context, r *Report) error
}

// Config tunes the coordinator.
type Config struct {
	// OutputDir receives per-audit artifact directories; empty disables
	// artifact persistence.
	OutputDir string

	// WorkDir hosts per-audit adapter workspaces. Empty defaults to the
	// OS temp directory.
	WorkDir string

	// PersistEvents gates writing events.ndjson into the artifact dir.
	PersistEvents bool

	// MaxConcurrent caps in-flight audits; zero means 4.
	MaxConcurrent int

	// MaxContractBytes rejects oversized targets; zero means 10 MiB.
	MaxContractBytes int64

	// FPPriorsPath overrides the embedded false-positive prior table.
	FPPriorsPath string

	// Correlation tunes the cross-validation stage of every engine.
	Correlation correlation.Config

	MaxParallelPerLayer int
	CrossLayerMode      scheduler.Mode
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxContractBytes <= 0 {
		c.MaxContractBytes = 10 << 20
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "miesc")
	}
	if c.MaxParallelPerLayer <= 0 {
		c.MaxParallelPerLayer = 4
	}
	if c.CrossLayerMode == "" {
		c.CrossLayerMode = scheduler.ModeSequential
	}
	return c
}

// Status is the live view returned by GetStatus.
type Status struct {
	AuditID        string    `json:"audit_id"`
	State          State     `json:"state"`
	ToolsPending   int       `json:"tools_pending"`
	ToolsRunning   int       `json:"tools_running"`
	ToolsFinished  int       `json:"tools_finished"`
	RawFindings    int       `json:"raw_findings"`
	Correlated     int       `json:"correlated_findings"`
	PartialTimeout bool      `json:"partial_timeout,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// auditRun is the coordinator-owned state of one audit. Only the
// coordinator mutates it; observers read snapshots under the lock.
type auditRun struct {
	mu       sync.Mutex
	id       string
	state    State
	profile  Profile
	target   adapter.ContractRef
	plan     scheduler.Plan
	engine   *correlation.Engine
	progress bus.ProgressEvent
	report   *Report
	created  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func (r *auditRun) transition(to State, log *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	if !canTransition(r.state, to) {
		log.Error("illegal audit state transition",
			zap.String("from", string(r.state)), zap.String("to", string(to)))
		return
	}
	r.state = to
}

func (r *auditRun) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Coordinator orchestrates audits end to end.
type Coordinator struct {
	cfg      Config
	defaults Config
	reg      registryAPI
	sched    *scheduler.Scheduler
	bus      *bus.Bus
	norm     *finding.Normalizer
	priors   finding.FPPriors
	comp     finding.ComplianceMap
	archive  Archiver
	logger   *zap.Logger

	mu        sync.Mutex
	audits    map[string]*auditRun
	active    int
	completed int
	started   time.Time
}

// registryAPI is the slice of the registry the coordinator needs.
type registryAPI interface {
	Has(id string) bool
	ByLayer(layer int) []string
	AvailableOnly(ctx context.Context, ids []string) []string
}

// New builds a coordinator. archive may be nil.
func New(cfg Config, reg registryAPI, sched *scheduler.Scheduler, b *bus.Bus, archive Archiver, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	norm, err := finding.NewNormalizer()
	if err != nil {
		return nil, fmt.Errorf("load normalization tables: %w", err)
	}
	priors, err := finding.LoadFPPriors(cfg.FPPriorsPath)
	if err != nil {
		return nil, fmt.Errorf("load fp priors: %w", err)
	}
	comp, err := finding.LoadComplianceMap()
	if err != nil {
		return nil, fmt.Errorf("load compliance map: %w", err)
	}

	return &Coordinator{
		cfg:      cfg,
		defaults: cfg,
		reg:      reg,
		sched:    sched,
		bus:      b,
		norm:     norm,
		priors:   priors,
		comp:     comp,
		archive:  archive,
		logger:   logger,
		audits:   make(map[string]*auditRun),
		started:  time.Now(),
	}, nil
}

// Counters returns (active, completed) audit counts for the status API.
func (c *Coordinator) Counters() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.completed
}

// Uptime reports how long the coordinator has been serving.
func (c *Coordinator) Uptime() time.Duration { return time.Since(c.started) }

// SetFPPriors swaps the false-positive prior table. Audits started after
// the call use the new table; in-flight audits keep the one they were
// planned with.
func (c *Coordinator) SetFPPriors(priors finding.FPPriors) {
	c.mu.Lock()
	c.priors = priors
	c.mu.Unlock()
}

func (c *Coordinator) workspaceFor(auditID string) string {
	return filepath.Join(c.cfg.WorkDir, auditID)
}

// StartAudit validates the target, resolves the profile into a plan, and
// launches the audit asynchronously. The returned id is immediately
// queryable via GetStatus.
func (c *Coordinator) StartAudit(ctx context.Context, target adapter.ContractRef, profile Profile, opts Options) (string, error) {
	if err := c.validateTarget(target); err != nil {
		return "", adapter.NewError(adapter.KindInputInvalid, "", err)
	}

	c.mu.Lock()
	if c.active >= c.cfg.MaxConcurrent {
		c.mu.Unlock()
		return "", adapter.NewError(adapter.KindInputInvalid, "", ErrTooManyAudits)
	}
	c.active++
	priors := c.priors
	c.mu.Unlock()

	id := uuid.NewString()
	plan, planSkipped, err := c.resolvePlan(ctx, id, target, profile, opts)
	if err != nil {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
		return "", adapter.NewError(adapter.KindInputInvalid, "", err)
	}

	engine := correlation.NewEngine(c.norm, priors,
		correlation.NewSemanticAnalyzer(sourceProviderFor(target)), c.cfg.Correlation)

	runCtx, cancel := context.WithCancel(context.Background())
	run := &auditRun{
		id:      id,
		state:   StateCreated,
		profile: profile,
		target:  target,
		plan:    plan,
		engine:  engine,
		created: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.audits[id] = run
	c.mu.Unlock()

	metrics.AuditsStarted.Inc()
	metrics.AuditsActive.Inc()

	go c.runAudit(runCtx, run, planSkipped)
	return id, nil
}

func (c *Coordinator) validateTarget(target adapter.ContractRef) error {
	if target.Inline() {
		if int64(len(target.Source)) > c.cfg.MaxContractBytes {
			return fmt.Errorf("contract exceeds %d bytes", c.cfg.MaxContractBytes)
		}
		return nil
	}
	if target.Path == "" {
		return fmt.Errorf("target has neither path nor inline source")
	}
	info, err := os.Stat(target.Path)
	if err != nil {
		return fmt.Errorf("target %s: %w", target.Path, err)
	}
	if !info.IsDir() && info.Size() > c.cfg.MaxContractBytes {
		return fmt.Errorf("contract exceeds %d bytes", c.cfg.MaxContractBytes)
	}
	return nil
}

// sourceProviderFor resolves finding locations back to source text for the
// semantic analyzer.
func sourceProviderFor(target adapter.ContractRef) correlation.SourceProvider {
	return func(file string) (string, error) {
		if target.Inline() {
			return target.Source, nil
		}
		if data, err := os.ReadFile(file); err == nil {
			return string(data), nil
		}
		// Tools often report paths relative to the target directory.
		base := target.Path
		if info, err := os.Stat(base); err == nil && !info.IsDir() {
			base = filepath.Dir(base)
		}
		data, err := os.ReadFile(filepath.Join(base, file))
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// runAudit drives one audit to a terminal state. It never returns an
// error; failures become the FAILED state with diagnostics preserved.
func (c *Coordinator) runAudit(ctx context.Context, run *auditRun, planSkipped []string) {
	log := c.logger.With(zap.String("audit_id", run.id))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("audit panicked", zap.Any("panic", rec))
			c.finish(run, &Report{
				AuditID:   run.id,
				Status:    ReportFailed,
				Metadata:  Metadata{Profile: run.profile, Target: run.target.DisplayName()},
				CreatedAt: run.created,
				Diagnostics: []Diagnostic{
					{Kind: "internal", Message: fmt.Sprint(rec)},
				},
			}, StateFailed)
			c.bus.Publish(bus.NewEvent(run.id, bus.TopicAuditFailed, fmt.Sprint(rec)))
		}
	}()

	var persister *eventPersister
	if c.cfg.PersistEvents && c.cfg.OutputDir != "" {
		persister = newEventPersister(c.bus, c.cfg.OutputDir, run.id, log)
	}

	c.bus.Publish(bus.NewEvent(run.id, bus.TopicPlanCreated, run.plan))
	run.transition(StatePlanned, log)

	for _, id := range planSkipped {
		c.bus.Publish(bus.NewEvent(run.id, bus.TopicToolSkipped, bus.ToolEvent{
			ToolID: id, Kind: string(adapter.KindToolUnavailable),
			Message: "unavailable at planning time",
		}))
		metrics.ToolsSkipped.Inc()
	}

	run.transition(StateRunning, log)

	// Live correlation: consume normalized findings off the bus while the
	// scheduler runs; a final idempotent pass below covers anything the
	// subscription missed.
	liveSub := c.bus.Subscribe(run.id, bus.TopicFindingNormalized, bus.TopicAuditProgress)
	var liveWG sync.WaitGroup
	liveWG.Add(1)
	go func() {
		defer liveWG.Done()
		for ev := range liveSub.Events() {
			switch payload := ev.Payload.(type) {
			case finding.Finding:
				metrics.FindingsEmitted.Inc()
				if cf := run.engine.Ingest(payload); cf != nil {
					metrics.CorrelatedEmitted.Inc()
					c.bus.Publish(bus.NewEvent(run.id, bus.TopicFindingCorrelated, *cf))
				}
			case bus.ProgressEvent:
				run.mu.Lock()
				run.progress = payload
				run.mu.Unlock()
			}
		}
	}()

	outcome, err := c.sched.Execute(ctx, run.plan)
	if err != nil {
		liveSub.Close()
		liveWG.Wait()
		log.Error("scheduler rejected plan", zap.Error(err))
		c.finish(run, &Report{
			AuditID:     run.id,
			Status:      ReportFailed,
			Metadata:    Metadata{Profile: run.profile, Target: run.target.DisplayName()},
			CreatedAt:   run.created,
			Diagnostics: []Diagnostic{{Kind: "internal", Message: err.Error()}},
		}, StateFailed)
		c.bus.Publish(bus.NewEvent(run.id, bus.TopicAuditFailed, err.Error()))
		if persister != nil {
			persister.stop()
		}
		return
	}

	run.transition(StateCorrelating, log)
	liveSub.Close()
	liveWG.Wait()

	// Completeness pass: ingest everything the scheduler collected.
	// Findings already seen via the live subscription dedupe to no-ops.
	for _, f := range outcome.Findings {
		if cf := run.engine.Ingest(f); cf != nil {
			metrics.CorrelatedEmitted.Inc()
			c.bus.Publish(bus.NewEvent(run.id, bus.TopicFindingCorrelated, *cf))
		}
	}

	results := run.engine.Results()
	for i := range results {
		results[i].ComplianceHits = c.comp.Controls(results[i].Taxonomy)
	}

	report := c.buildReport(run, outcome, planSkipped, results)
	c.updateToolMetrics(outcome)

	if c.cfg.OutputDir != "" {
		if werr := writeArtifacts(c.cfg.OutputDir, run, outcome, report); werr != nil {
			log.Warn("artifact persistence failed", zap.Error(werr))
			report.Diagnostics = append(report.Diagnostics,
				Diagnostic{Kind: "artifacts", Message: werr.Error()})
		}
	}

	var final State
	var topic bus.Topic
	switch report.Status {
	case ReportCancelled:
		final, topic = StateCancelled, bus.TopicAuditCancelled
	default:
		final, topic = StateCompleted, bus.TopicAuditCompleted
	}
	c.finish(run, report, final)
	c.bus.Publish(bus.NewEvent(run.id, topic, report.Summary))

	if persister != nil {
		persister.stop()
	}
	if c.archive != nil {
		actx, acancel := context.WithTimeout(context.Background(), 10*time.Second)
		if aerr := c.archive.SaveReport(actx, report); aerr != nil {
			log.Warn("archive failed", zap.Error(aerr))
		}
		acancel()
	}

	log.Info("audit finished",
		zap.String("status", string(report.Status)),
		zap.Int("correlated", report.Summary.Total),
		zap.Float64("duration_s", report.Metadata.DurationS))
}

func (c *Coordinator) buildReport(run *auditRun, outcome *scheduler.Outcome, planSkipped []string, results []correlation.CorrelatedFinding) *Report {
	status := ReportOK
	switch {
	case outcome.Cancelled:
		status = ReportCancelled
	case outcome.PartialTimeout:
		status = ReportPartialTimeout
	}

	diags := make([]Diagnostic, 0, len(planSkipped)+len(outcome.Tools))
	for _, id := range planSkipped {
		diags = append(diags, Diagnostic{Kind: "tool_skipped", Tool: id, Message: "unavailable at planning time"})
	}
	diags = append(diags, diagnosticsFrom(outcome)...)

	return &Report{
		AuditID:  run.id,
		Status:   status,
		Summary:  summarize(results),
		Findings: results,
		Metadata: Metadata{
			Profile:        run.profile,
			Target:         run.target.DisplayName(),
			ToolsUsed:      outcome.ToolsUsed(),
			DurationS:      outcome.Finished.Sub(outcome.Started).Seconds(),
			PartialTimeout: outcome.PartialTimeout,
		},
		Diagnostics: diags,
		CreatedAt:   run.created,
		FinishedAt:  outcome.Finished,
	}
}

func (c *Coordinator) updateToolMetrics(outcome *scheduler.Outcome) {
	for _, t := range outcome.Tools {
		switch t.Status {
		case scheduler.StatusSkipped:
			metrics.ToolsSkipped.Inc()
		case scheduler.StatusTimeout:
			metrics.ToolsTimedOut.Inc()
		case scheduler.StatusFailed:
			metrics.ToolsFailed.Inc()
		}
	}
}

// finish records the terminal state and releases waiters.
func (c *Coordinator) finish(run *auditRun, report *Report, final State) {
	run.mu.Lock()
	if run.state.Terminal() {
		run.mu.Unlock()
		return
	}
	report.State = final
	run.state = final
	run.report = report
	run.mu.Unlock()
	close(run.done)

	c.mu.Lock()
	c.active--
	c.completed++
	c.mu.Unlock()

	metrics.AuditsActive.Dec()
	metrics.AuditsCompleted.WithLabelValues(string(report.Status)).Inc()
	c.bus.AuditDone(run.id)
}

func (c *Coordinator) lookup(id string) (*auditRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.audits[id]
	if !ok {
		return nil, ErrUnknownAudit
	}
	return run, nil
}

// GetStatus returns the live counters for an audit.
func (c *Coordinator) GetStatus(id string) (Status, error) {
	run, err := c.lookup(id)
	if err != nil {
		return Status{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return Status{
		AuditID:        run.id,
		State:          run.state,
		ToolsPending:   run.progress.ToolsPending,
		ToolsRunning:   run.progress.ToolsRunning,
		ToolsFinished:  run.progress.ToolsFinished,
		RawFindings:    run.progress.RawFindings,
		Correlated:     run.engine.Count(),
		PartialTimeout: run.progress.PartialTimeout,
		CreatedAt:      run.created,
	}, nil
}

// Cancel aborts an in-flight audit. It reports false when the audit was
// already terminal.
func (c *Coordinator) Cancel(id string) (bool, error) {
	run, err := c.lookup(id)
	if err != nil {
		return false, err
	}
	if run.currentState().Terminal() {
		return false, nil
	}
	run.cancel()
	return true, nil
}

// GetReport returns the final report, blocking until the audit reaches a
// terminal state. With partial=true it instead returns a snapshot of the
// correlation state so far.
func (c *Coordinator) GetReport(ctx context.Context, id string, partial bool) (*Report, error) {
	run, err := c.lookup(id)
	if err != nil {
		return nil, err
	}

	if partial {
		run.mu.Lock()
		if run.report != nil {
			r := run.report
			run.mu.Unlock()
			return r, nil
		}
		state := run.state
		run.mu.Unlock()

		results := run.engine.Results()
		for i := range results {
			results[i].ComplianceHits = c.comp.Controls(results[i].Taxonomy)
		}
		return &Report{
			AuditID:   run.id,
			State:     state,
			Summary:   summarize(results),
			Findings:  results,
			Metadata:  Metadata{Profile: run.profile, Target: run.target.DisplayName()},
			CreatedAt: run.created,
		}, nil
	}

	select {
	case <-run.done:
		run.mu.Lock()
		defer run.mu.Unlock()
		return run.report, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until the audit terminates or ctx expires.
func (c *Coordinator) Wait(ctx context.Context, id string) error {
	run, err := c.lookup(id)
	if err != nil {
		return err
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
