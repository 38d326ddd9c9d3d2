package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"miesc/internal/adapter"
	"miesc/internal/bus"
	"miesc/internal/finding"
	"miesc/internal/registry"
	"miesc/internal/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// The bus retention timer is an expected straggler.
		goleak.IgnoreTopFunction("time.Sleep"),
	)
}

// stubAdapter is a scriptable in-process tool for coordinator tests.
type stubAdapter struct {
	meta     adapter.Tool
	avail    adapter.Availability
	delay    time.Duration
	findings []finding.RawFinding
	calls    atomic.Int32
}

func (s *stubAdapter) Metadata() adapter.Tool { return s.meta }

func (s *stubAdapter) Availability(context.Context) adapter.Availability {
	if s.avail == "" {
		return adapter.Available
	}
	return s.avail
}

func (s *stubAdapter) Analyze(ctx context.Context, _ adapter.ContractRef, _ adapter.Options) (adapter.RawOutput, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return adapter.RawOutput{}, adapter.NewError(adapter.KindAuditCancelled, s.meta.ID, ctx.Err())
		}
	}
	return adapter.RawOutput{Tool: s.meta.ID, Data: []byte("{}")}, nil
}

func (s *stubAdapter) Normalize(adapter.RawOutput) ([]finding.RawFinding, error) {
	return s.findings, nil
}

func stubTool(id string, layer int, findings ...finding.RawFinding) *stubAdapter {
	return &stubAdapter{
		meta: adapter.Tool{
			ID: id, Name: id, Layer: layer,
			Category: adapter.CategoryStatic, Optional: true,
		},
		findings: findings,
	}
}

func rawReentrancy(tool string, line int) finding.RawFinding {
	return finding.RawFinding{
		SourceTool:     tool,
		Detector:       "reentrancy-eth",
		VulnClass:      "reentrancy-eth",
		SeverityNative: "high",
		Confidence:     0.8,
		Location: finding.Location{
			File: "Vault.sol", LineStart: line,
			Contract: "Vault", Function: "withdraw",
		},
		Title: "Reentrancy in withdraw",
	}
}

type harness struct {
	coord *Coordinator
	reg   *registry.Registry
	bus   *bus.Bus
}

func newHarness(t *testing.T, cfg Config, adapters ...adapter.Adapter) *harness {
	t.Helper()

	logger := zap.NewNop()
	reg := registry.New(logger, 50*time.Millisecond)
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}

	norm, err := finding.NewNormalizer()
	require.NoError(t, err)

	b := bus.New(bus.Options{}, logger)
	t.Cleanup(b.Close)

	runner := adapter.NewRunner(norm, logger)
	sched := scheduler.New(reg, runner, b, logger)

	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	coord, err := New(cfg, reg, sched, b, nil, logger)
	require.NoError(t, err)
	return &harness{coord: coord, reg: reg, bus: b}
}

func inlineTarget(source string) adapter.ContractRef {
	return adapter.ContractRef{Name: "Vault", Source: source}
}

const trivialSource = "pragma solidity ^0.8.20;\ncontract Vault {}\n"

func TestStateTransitions(t *testing.T) {
	legal := [][2]State{
		{StateCreated, StatePlanned},
		{StatePlanned, StateRunning},
		{StateRunning, StateCorrelating},
		{StateCorrelating, StateCompleted},
		{StateRunning, StateCancelled},
		{StateCreated, StateFailed},
	}
	for _, tc := range legal {
		assert.True(t, canTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
	illegal := [][2]State{
		{StateCreated, StateRunning},
		{StateCompleted, StateRunning},
		{StateCancelled, StateCompleted},
		{StateCorrelating, StateRunning},
	}
	for _, tc := range illegal {
		assert.False(t, canTransition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateCorrelating.Terminal())
}

func TestAuditCompletesWithCorrelatedFindings(t *testing.T) {
	h := newHarness(t, Config{},
		stubTool("alpha", 1, rawReentrancy("alpha", 42)),
		stubTool("beta", 2, rawReentrancy("beta", 43)),
	)

	id, err := h.coord.StartAudit(context.Background(), inlineTarget(trivialSource),
		ProfileCustom, Options{
			Layers:          []int{1, 2},
			GlobalDeadline:  time.Minute,
			PerToolDeadline: 10 * time.Second,
		})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := h.coord.GetReport(ctx, id, false)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, ReportOK, report.Status)
	require.Len(t, report.Findings, 1, "both witnesses land in one correlated finding")

	cf := report.Findings[0]
	assert.Len(t, cf.Witnesses, 2)
	assert.True(t, cf.RequiresHumanReview, "HIGH outcomes always need review")
	assert.Greater(t, cf.ConfidenceAdjusted, 0.60)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, report.Metadata.ToolsUsed)
	assert.NotEmpty(t, cf.ComplianceHits, "reentrancy maps to compliance controls")
	assert.True(t, report.HasBlocking())
}

func TestLoneWitnessIsFlaggedForReview(t *testing.T) {
	h := newHarness(t, Config{}, stubTool("alpha", 1, rawReentrancy("alpha", 42)))

	id, err := h.coord.StartAudit(context.Background(), inlineTarget(trivialSource),
		ProfileCustom, Options{Layers: []int{1}, GlobalDeadline: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := h.coord.GetReport(ctx, id, false)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	cf := report.Findings[0]
	assert.True(t, cf.RequiresHumanReview)
	assert.LessOrEqual(t, cf.ConfidenceAdjusted, 0.60)
}

func TestCancelPreservesPartialResults(t *testing.T) {
	fast := stubTool("fast", 1, rawReentrancy("fast", 42))
	slow := stubTool("slow", 2)
	slow.delay = 30 * time.Second

	h := newHarness(t, Config{}, fast, slow)
	id, err := h.coord.StartAudit(context.Background(), inlineTarget(trivialSource),
		ProfileCustom, Options{Layers: []int{1, 2}, GlobalDeadline: time.Minute})
	require.NoError(t, err)

	// Wait until the fast tool's finding has been correlated, then cancel.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, serr := h.coord.GetStatus(id)
		require.NoError(t, serr)
		if st.Correlated > 0 {
			break
		}
		require.True(t, time.Now().Before(deadline), "finding never arrived")
		time.Sleep(10 * time.Millisecond)
	}
	ok, err := h.coord.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := h.coord.GetReport(ctx, id, false)
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, report.State)
	assert.Equal(t, ReportCancelled, report.Status)
	assert.Len(t, report.Findings, 1, "findings collected before cancel survive")

	ok, err = h.coord.Cancel(id)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel is a no-op")
}

func TestGlobalDeadlineYieldsPartialTimeout(t *testing.T) {
	fast := stubTool("fast", 1, rawReentrancy("fast", 42))
	slow := stubTool("slow", 2)
	slow.delay = 30 * time.Second

	h := newHarness(t, Config{}, fast, slow)
	id, err := h.coord.StartAudit(context.Background(), inlineTarget(trivialSource),
		ProfileCustom, Options{Layers: []int{1, 2}, GlobalDeadline: 500 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	report, err := h.coord.GetReport(ctx, id, false)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.State, "timeout is degraded completion")
	assert.Equal(t, ReportPartialTimeout, report.Status)
	assert.True(t, report.Metadata.PartialTimeout)
	assert.Len(t, report.Findings, 1)

	var timedOut bool
	for _, d := range report.Diagnostics {
		if d.Kind == "tool_timeout" && d.Tool == "slow" {
			timedOut = true
		}
	}
	assert.True(t, timedOut, "diagnostics name the tool the deadline caught: %+v", report.Diagnostics)
}

func TestAllToolsUnavailableStillCompletes(t *testing.T) {
	down := stubTool("down", 1)
	down.avail = adapter.NotInstalled

	h := newHarness(t, Config{}, down)
	id, err := h.coord.StartAudit(context.Background(), inlineTarget(trivialSource),
		ProfileCustom, Options{Layers: []int{1}, GlobalDeadline: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := h.coord.GetReport(ctx, id, false)
	require.NoError(t, err)

	assert.Equal(t, ReportOK, report.Status)
	assert.Empty(t, report.Findings)
	require.NotEmpty(t, report.Diagnostics)
	assert.Equal(t, "tool_skipped", report.Diagnostics[0].Kind)
	assert.Equal(t, "down", report.Diagnostics[0].Tool)
	assert.Zero(t, down.calls.Load())
}

func TestEmptyContractCompletesClean(t *testing.T) {
	h := newHarness(t, Config{}, stubTool("alpha", 1))

	id, err := h.coord.StartAudit(context.Background(), inlineTarget("contract Empty {}"),
		ProfileCustom, Options{Layers: []int{1}, GlobalDeadline: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := h.coord.GetReport(ctx, id, false)
	require.NoError(t, err)

	assert.Equal(t, ReportOK, report.Status)
	assert.Empty(t, report.Findings)
	assert.False(t, report.HasBlocking())
	assert.Zero(t, report.Summary.Total)
}

func TestCustomProfileValidation(t *testing.T) {
	h := newHarness(t, Config{}, stubTool("alpha", 1))
	target := inlineTarget(trivialSource)

	_, err := h.coord.StartAudit(context.Background(), target, ProfileCustom,
		Options{GlobalDeadline: time.Minute})
	require.Error(t, err, "custom profile without layers")

	_, err = h.coord.StartAudit(context.Background(), target, ProfileCustom,
		Options{Layers: []int{1}})
	require.Error(t, err, "custom profile without global deadline")

	_, err = h.coord.StartAudit(context.Background(), target, ProfileCustom,
		Options{Layers: []int{12}, GlobalDeadline: time.Minute})
	require.Error(t, err, "layer out of range")

	_, err = h.coord.StartAudit(context.Background(), target, ProfileCustom,
		Options{Layers: []int{1}, GlobalDeadline: time.Minute, Tools: []string{"ghost"}})
	require.Error(t, err, "unknown tool id")

	_, err = h.coord.StartAudit(context.Background(), target, Profile("nonsense"), Options{})
	require.Error(t, err, "unknown profile")

	var ae *adapter.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, adapter.KindInputInvalid, ae.Kind)
}

func TestPresetProfilesResolve(t *testing.T) {
	h := newHarness(t, Config{}, stubTool("alpha", 1))

	plan, skipped, err := h.coord.resolvePlan(context.Background(), "a-1",
		inlineTarget(trivialSource), ProfileQuick, Options{})
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, []int{1}, plan.Layers)
	assert.Equal(t, 60*time.Second, plan.ToolDeadline)
	assert.Equal(t, 5*time.Minute, plan.GlobalDeadline)
	assert.Equal(t, []string{"alpha"}, plan.Tools[1])

	plan, _, err = h.coord.resolvePlan(context.Background(), "a-2",
		inlineTarget(trivialSource), ProfileFull, Options{Disable: []string{"alpha"}})
	require.NoError(t, err)
	assert.Len(t, plan.Layers, 9)
	assert.Empty(t, plan.Tools[1], "disabled tool filtered out")
	assert.Equal(t, 4*time.Hour, plan.GlobalDeadline)

	// Overrides beat the preset.
	plan, _, err = h.coord.resolvePlan(context.Background(), "a-3",
		inlineTarget(trivialSource), ProfileStandard,
		Options{GlobalDeadline: time.Minute, PerToolDeadline: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, plan.GlobalDeadline)
	assert.Equal(t, 5*time.Second, plan.ToolDeadline)
}

func TestConcurrentAuditCap(t *testing.T) {
	slow := stubTool("slow", 1)
	slow.delay = 30 * time.Second

	h := newHarness(t, Config{MaxConcurrent: 1}, slow)
	target := inlineTarget(trivialSource)

	id, err := h.coord.StartAudit(context.Background(), target, ProfileCustom,
		Options{Layers: []int{1}, GlobalDeadline: time.Minute})
	require.NoError(t, err)

	_, err = h.coord.StartAudit(context.Background(), target, ProfileCustom,
		Options{Layers: []int{1}, GlobalDeadline: time.Minute})
	require.ErrorIs(t, err, ErrTooManyAudits)

	ok, err := h.coord.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, h.coord.Wait(context.Background(), id))

	// The slot frees once the first audit terminates.
	_, err = h.coord.StartAudit(context.Background(), target, ProfileCustom,
		Options{Layers: []int{1}, GlobalDeadline: time.Minute, Disable: []string{"slow"}})
	require.NoError(t, err)
}

func TestTargetValidation(t *testing.T) {
	h := newHarness(t, Config{MaxContractBytes: 64}, stubTool("alpha", 1))

	_, err := h.coord.StartAudit(context.Background(), adapter.ContractRef{},
		ProfileQuick, Options{})
	require.Error(t, err, "empty target")

	_, err = h.coord.StartAudit(context.Background(),
		adapter.ContractRef{Path: filepath.Join(t.TempDir(), "missing.sol")},
		ProfileQuick, Options{})
	require.Error(t, err, "nonexistent path")

	big := inlineTarget(fmt.Sprintf("%0128d", 0))
	_, err = h.coord.StartAudit(context.Background(), big, ProfileQuick, Options{})
	require.Error(t, err, "oversized inline source")
}

func TestUnknownAuditLookups(t *testing.T) {
	h := newHarness(t, Config{}, stubTool("alpha", 1))

	_, err := h.coord.GetStatus("nope")
	require.ErrorIs(t, err, ErrUnknownAudit)
	_, err = h.coord.Cancel("nope")
	require.ErrorIs(t, err, ErrUnknownAudit)
	_, err = h.coord.GetReport(context.Background(), "nope", false)
	require.ErrorIs(t, err, ErrUnknownAudit)
}

func TestPartialReportSnapshot(t *testing.T) {
	fast := stubTool("fast", 1, rawReentrancy("fast", 42))
	slow := stubTool("slow", 2)
	slow.delay = 30 * time.Second

	h := newHarness(t, Config{}, fast, slow)
	id, err := h.coord.StartAudit(context.Background(), inlineTarget(trivialSource),
		ProfileCustom, Options{Layers: []int{1, 2}, GlobalDeadline: time.Minute})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		report, perr := h.coord.GetReport(context.Background(), id, true)
		require.NoError(t, perr)
		if report.Summary.Total > 0 {
			assert.False(t, report.State.Terminal())
			assert.NotEmpty(t, report.Findings[0].ComplianceHits)
			break
		}
		require.True(t, time.Now().Before(deadline), "partial snapshot never filled")
		time.Sleep(10 * time.Millisecond)
	}

	ok, err := h.coord.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, h.coord.Wait(context.Background(), id))
}

func TestArtifactsPersisted(t *testing.T) {
	outDir := t.TempDir()
	h := newHarness(t, Config{OutputDir: outDir, PersistEvents: true},
		stubTool("alpha", 1, rawReentrancy("alpha", 42)))

	id, err := h.coord.StartAudit(context.Background(), inlineTarget(trivialSource),
		ProfileCustom, Options{Layers: []int{1}, GlobalDeadline: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := h.coord.GetReport(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, ReportOK, report.Status)

	dir := filepath.Join(outDir, id)

	var plan scheduler.Plan
	readJSON(t, filepath.Join(dir, "plan.json"), &plan)
	assert.Equal(t, id, plan.AuditID)

	var perTool []finding.Finding
	readJSON(t, filepath.Join(dir, "findings", "alpha", "normalized.json"), &perTool)
	require.Len(t, perTool, 1)
	assert.Equal(t, "alpha", perTool[0].SourceTool)

	var persisted Report
	readJSON(t, filepath.Join(dir, "summary.json"), &persisted)
	assert.Equal(t, report.Summary.Total, persisted.Summary.Total)

	require.FileExists(t, filepath.Join(dir, "correlated.json"))

	data, err := os.ReadFile(filepath.Join(dir, "events.ndjson"))
	require.NoError(t, err)
	assert.Contains(t, string(data), string(bus.TopicPlanCreated))
	assert.Contains(t, string(data), string(bus.TopicAuditCompleted))
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestCorrelatedEventsPublished(t *testing.T) {
	h := newHarness(t, Config{},
		stubTool("alpha", 1, rawReentrancy("alpha", 42)),
		stubTool("beta", 2, rawReentrancy("beta", 42)),
	)

	// Subscribe before starting so no revision is missed.
	sub := h.bus.Subscribe("", bus.TopicFindingCorrelated)
	defer sub.Close()

	id, err := h.coord.StartAudit(context.Background(), inlineTarget(trivialSource),
		ProfileCustom, Options{Layers: []int{1, 2}, GlobalDeadline: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = h.coord.GetReport(ctx, id, false)
	require.NoError(t, err)

	var revisions int
	timeout := time.After(2 * time.Second)
	for revisions < 2 {
		select {
		case ev := <-sub.Events():
			if ev.AuditID == id {
				revisions++
			}
		case <-timeout:
			t.Fatalf("saw %d correlated revisions, want at least 2", revisions)
		}
	}
}
