package scheduler

import (
	"context"
	"errors"
	"sync"
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
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTool is a scriptable in-process adapter.
type fakeTool struct {
	meta    adapter.Tool
	avail   adapter.Availability
	delay   time.Duration
	fail    error
	classes []string

	// failures counts down: while positive, Analyze returns fail.
	failures atomic.Int32

	started atomic.Int32

	// gauge/gaugeMax are shared across fakes to observe wave concurrency.
	gauge    *atomic.Int32
	gaugeMax *atomic.Int32

	startedAt sync.Map // run index -> time.Time
}

func (f *fakeTool) Metadata() adapter.Tool { return f.meta }

func (f *fakeTool) Availability(ctx context.Context) adapter.Availability {
	if f.avail == "" {
		return adapter.Available
	}
	return f.avail
}

func (f *fakeTool) Analyze(ctx context.Context, ref adapter.ContractRef, opts adapter.Options) (adapter.RawOutput, error) {
	n := f.started.Add(1)
	f.startedAt.Store(int(n), time.Now())

	if f.gauge != nil {
		cur := f.gauge.Add(1)
		defer f.gauge.Add(-1)
		for {
			max := f.gaugeMax.Load()
			if cur <= max || f.gaugeMax.CompareAndSwap(max, cur) {
				break
			}
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return adapter.RawOutput{Tool: f.meta.ID, Partial: true}, ctx.Err()
		}
	}
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return adapter.RawOutput{Tool: f.meta.ID}, f.fail
	}
	if f.fail != nil {
		return adapter.RawOutput{Tool: f.meta.ID}, f.fail
	}
	return adapter.RawOutput{Tool: f.meta.ID, Data: []byte("ok")}, nil
}

func (f *fakeTool) Normalize(raw adapter.RawOutput) ([]finding.RawFinding, error) {
	var out []finding.RawFinding
	for i, class := range f.classes {
		out = append(out, finding.RawFinding{
			SourceTool: f.meta.ID,
			VulnClass:  class,
			Confidence: 0.8,
			Location:   finding.Location{File: "Vault.sol", LineStart: 10 + i},
		})
	}
	return out, nil
}

func newFake(id string, layer int) *fakeTool {
	return &fakeTool{
		meta:    adapter.Tool{ID: id, Layer: layer, Category: adapter.CategoryStatic, Optional: true},
		classes: []string{"reentrancy-eth"},
	}
}

type fixture struct {
	reg *registry.Registry
	bus *bus.Bus
	sch *Scheduler
}

func newFixture(t *testing.T, tools ...adapter.Adapter) *fixture {
	t.Helper()
	reg := registry.New(zap.NewNop(), 0)
	for _, a := range tools {
		require.NoError(t, reg.Register(a))
	}
	norm, err := finding.NewNormalizer()
	require.NoError(t, err)
	b := bus.New(bus.Options{}, zap.NewNop())
	t.Cleanup(b.Close)
	runner := adapter.NewRunner(norm, zap.NewNop())
	return &fixture{reg: reg, bus: b, sch: New(reg, runner, b, zap.NewNop())}
}

func basePlan(tools map[int][]string, layers ...int) Plan {
	return Plan{
		AuditID:             "audit-1",
		Target:              adapter.ContractRef{Name: "Vault", Source: "contract Vault {}"},
		Layers:              layers,
		Tools:               tools,
		ToolDeadline:        5 * time.Second,
		GlobalDeadline:      30 * time.Second,
		MaxParallelPerLayer: 4,
		CrossLayerMode:      ModeSequential,
	}
}

func TestExecuteCollectsFindings(t *testing.T) {
	a := newFake("slither-eq", 1)
	fx := newFixture(t, a)

	out, err := fx.sch.Execute(context.Background(), basePlan(map[int][]string{1: {"slither-eq"}}, 1))
	require.NoError(t, err)

	require.Len(t, out.Findings, 1)
	assert.Equal(t, "reentrancy-eth", out.Findings[0].VulnerabilityType)
	require.Len(t, out.Tools, 1)
	assert.Equal(t, StatusOK, out.Tools[0].Status)
	assert.False(t, out.PartialTimeout)
	assert.False(t, out.Cancelled)
}

func TestRawAndNormalizedFindingsPublished(t *testing.T) {
	a := newFake("slither-eq", 1)
	fx := newFixture(t, a)

	sub := fx.bus.Subscribe("audit-1", bus.TopicFindingRaw, bus.TopicFindingNormalized)
	defer sub.Close()

	_, err := fx.sch.Execute(context.Background(), basePlan(map[int][]string{1: {"slither-eq"}}, 1))
	require.NoError(t, err)

	topics := map[bus.Topic]int{}
	deadline := time.After(time.Second)
	for len(topics) < 2 {
		select {
		case ev := <-sub.Events():
			topics[ev.Topic]++
			switch payload := ev.Payload.(type) {
			case finding.RawFinding:
				assert.Equal(t, "slither-eq", payload.SourceTool)
			case finding.Finding:
				assert.Equal(t, "reentrancy-eth", payload.VulnerabilityType)
			}
		case <-deadline:
			t.Fatalf("missing finding topics, saw %v", topics)
		}
	}
	assert.Equal(t, 1, topics[bus.TopicFindingRaw])
	assert.Equal(t, 1, topics[bus.TopicFindingNormalized])
}

func TestSequentialWavesDoNotOverlap(t *testing.T) {
	first := newFake("a1", 1)
	first.delay = 150 * time.Millisecond
	second := newFake("b1", 2)
	fx := newFixture(t, first, second)

	plan := basePlan(map[int][]string{1: {"a1"}, 2: {"b1"}}, 1, 2)
	_, err := fx.sch.Execute(context.Background(), plan)
	require.NoError(t, err)

	v1, ok := first.startedAt.Load(1)
	require.True(t, ok)
	v2, ok := second.startedAt.Load(1)
	require.True(t, ok)
	gap := v2.(time.Time).Sub(v1.(time.Time))
	assert.GreaterOrEqual(t, gap, 140*time.Millisecond,
		"wave 2 must wait for wave 1 to terminate")
}

func TestIntraWaveParallelismIsBounded(t *testing.T) {
	var gauge, gaugeMax atomic.Int32
	var tools []adapter.Adapter
	ids := []string{"t1", "t2", "t3", "t4", "t5"}
	for _, id := range ids {
		f := newFake(id, 1)
		f.delay = 50 * time.Millisecond
		f.gauge = &gauge
		f.gaugeMax = &gaugeMax
		tools = append(tools, f)
	}
	fx := newFixture(t, tools...)

	plan := basePlan(map[int][]string{1: ids}, 1)
	plan.MaxParallelPerLayer = 2
	out, err := fx.sch.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.LessOrEqual(t, gaugeMax.Load(), int32(2))
	assert.Len(t, out.Tools, 5)
}

func TestUnavailableToolIsSkippedNotFatal(t *testing.T) {
	missing := newFake("missing", 1)
	missing.avail = adapter.NotInstalled
	ok := newFake("ok", 1)
	fx := newFixture(t, missing, ok)

	sub := fx.bus.Subscribe("audit-1", bus.TopicToolSkipped)
	defer sub.Close()

	out, err := fx.sch.Execute(context.Background(), basePlan(map[int][]string{1: {"missing", "ok"}}, 1))
	require.NoError(t, err)

	statuses := map[string]ToolStatus{}
	for _, to := range out.Tools {
		statuses[to.ToolID] = to.Status
	}
	assert.Equal(t, StatusSkipped, statuses["missing"])
	assert.Equal(t, StatusOK, statuses["ok"])
	assert.Len(t, out.Findings, 1)

	select {
	case ev := <-sub.Events():
		payload := ev.Payload.(bus.ToolEvent)
		assert.Equal(t, "missing", payload.ToolID)
		assert.Equal(t, string(adapter.KindToolUnavailable), payload.Kind)
	case <-time.After(time.Second):
		t.Fatal("no tool.skipped event")
	}
}

func TestTransientFailureRetriedOnce(t *testing.T) {
	flaky := newFake("flaky", 1)
	flaky.meta.Retryable = true
	flaky.fail = adapter.NewError(adapter.KindToolFailedTransient, "flaky", errors.New("endpoint blip"))
	flaky.failures.Store(1)
	fx := newFixture(t, flaky)

	out, err := fx.sch.Execute(context.Background(), basePlan(map[int][]string{1: {"flaky"}}, 1))
	require.NoError(t, err)

	require.Len(t, out.Tools, 1)
	assert.Equal(t, StatusOK, out.Tools[0].Status)
	assert.True(t, out.Tools[0].Retried)
	assert.Equal(t, int32(2), flaky.started.Load())
}

func TestPermanentFailureNotRetried(t *testing.T) {
	broken := newFake("broken", 1)
	broken.meta.Retryable = true
	broken.fail = adapter.NewError(adapter.KindToolFailedPermanent, "broken", errors.New("bad config"))
	fx := newFixture(t, broken)

	out, err := fx.sch.Execute(context.Background(), basePlan(map[int][]string{1: {"broken"}}, 1))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, out.Tools[0].Status)
	assert.False(t, out.Tools[0].Retried)
	assert.Equal(t, int32(1), broken.started.Load())
}

func TestGlobalDeadlinePartialTimeout(t *testing.T) {
	fast := newFake("fast", 1)
	slow := newFake("slow", 1)
	slow.delay = 5 * time.Second
	never := newFake("never", 2)
	fx := newFixture(t, fast, slow, never)

	plan := basePlan(map[int][]string{1: {"fast", "slow"}, 2: {"never"}}, 1, 2)
	plan.GlobalDeadline = 300 * time.Millisecond

	out, err := fx.sch.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.True(t, out.PartialTimeout)
	assert.False(t, out.Cancelled)
	assert.Len(t, out.Findings, 1, "fast tool's findings survive the global timeout")

	statuses := map[string]ToolStatus{}
	for _, to := range out.Tools {
		statuses[to.ToolID] = to.Status
	}
	assert.Equal(t, StatusOK, statuses["fast"])
	assert.Equal(t, StatusTimeout, statuses["slow"])
	assert.Equal(t, StatusSkipped, statuses["never"], "wave 2 never starts after global expiry")
	assert.Equal(t, int32(0), never.started.Load())
}

func TestCancellationPreservesFindings(t *testing.T) {
	fast := newFake("fast", 1)
	slow := newFake("slow", 1)
	slow.delay = 5 * time.Second
	fx := newFixture(t, fast, slow)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	plan := basePlan(map[int][]string{1: {"fast", "slow"}}, 1)
	out, err := fx.sch.Execute(ctx, plan)
	require.NoError(t, err)

	assert.True(t, out.Cancelled)
	assert.Len(t, out.Findings, 1)

	statuses := map[string]ToolStatus{}
	for _, to := range out.Tools {
		statuses[to.ToolID] = to.Status
	}
	assert.Equal(t, StatusCancelled, statuses["slow"])
}

// streamingFake emits one finding early, then keeps running.
type streamingFake struct {
	*fakeTool
	emitAfter time.Duration
	runFor    time.Duration
}

func (s *streamingFake) AnalyzeStream(ctx context.Context, ref adapter.ContractRef, opts adapter.Options, emit func(finding.RawFinding)) (adapter.RawOutput, error) {
	n := s.started.Add(1)
	s.startedAt.Store(int(n), time.Now())

	select {
	case <-time.After(s.emitAfter):
	case <-ctx.Done():
		return adapter.RawOutput{Tool: s.meta.ID, Partial: true}, ctx.Err()
	}
	emit(finding.RawFinding{
		SourceTool: s.meta.ID,
		VulnClass:  "tx-origin",
		Confidence: 0.6,
		Location:   finding.Location{File: "Vault.sol", LineStart: 7},
	})
	select {
	case <-time.After(s.runFor):
	case <-ctx.Done():
		return adapter.RawOutput{Tool: s.meta.ID, Partial: true}, ctx.Err()
	}
	return adapter.RawOutput{Tool: s.meta.ID}, nil
}

func (s *streamingFake) Normalize(raw adapter.RawOutput) ([]finding.RawFinding, error) {
	return nil, nil
}

func TestPipelinedModeStartsNextWaveOnFirstFinding(t *testing.T) {
	streamer := &streamingFake{
		fakeTool:  newFake("streamer", 1),
		emitAfter: 50 * time.Millisecond,
		runFor:    500 * time.Millisecond,
	}
	next := newFake("next", 2)
	fx := newFixture(t, streamer, next)

	plan := basePlan(map[int][]string{1: {"streamer"}, 2: {"next"}}, 1, 2)
	plan.CrossLayerMode = ModePipelined

	start := time.Now()
	out, err := fx.sch.Execute(context.Background(), plan)
	require.NoError(t, err)

	v, ok := next.startedAt.Load(1)
	require.True(t, ok, "wave 2 tool must have started")
	assert.Less(t, v.(time.Time).Sub(start), 400*time.Millisecond,
		"wave 2 must start before wave 1's straggler terminates")

	// Straggler findings are still collected.
	assert.Len(t, out.Findings, 2)
}

func TestExecuteRejectsInvalidPlan(t *testing.T) {
	fx := newFixture(t)

	cases := []Plan{
		{},
		{AuditID: "x", Layers: []int{1}, ToolDeadline: time.Second},
		{AuditID: "x", Layers: []int{99}, ToolDeadline: time.Second, GlobalDeadline: time.Second},
		{AuditID: "x", ToolDeadline: time.Second, GlobalDeadline: time.Second},
	}
	for _, plan := range cases {
		_, err := fx.sch.Execute(context.Background(), plan)
		assert.Equal(t, adapter.KindInputInvalid, adapter.KindOf(err))
	}
}

func TestOutcomeToolsUsed(t *testing.T) {
	out := &Outcome{Tools: []ToolOutcome{
		{ToolID: "a", Status: StatusOK},
		{ToolID: "b", Status: StatusSkipped},
		{ToolID: "c", Status: StatusTimeout},
	}}
	assert.Equal(t, []string{"a", "c"}, out.ToolsUsed())
}
