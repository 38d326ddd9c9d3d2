package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"miesc/internal/bus"
	"miesc/internal/finding"
	"miesc/internal/scheduler"
)

// Per-audit artifact layout under OutputDir/<audit_id>/:
//
//	plan.json        resolved execution plan
//	findings/<tool>/normalized.json  findings grouped by source tool
//	correlated.json  final correlated findings
//	summary.json     the full report
//	events.ndjson    bus event log, when PersistEvents is set

// eventPersister streams every bus event for one audit into events.ndjson.
// Writes happen on a dedicated goroutine so a slow disk backpressures the
// persister's own subscription, not the bus.
type eventPersister struct {
	sub *bus.Subscription
	wg  sync.WaitGroup
}

func newEventPersister(b *bus.Bus, outputDir, auditID string, log *zap.Logger) *eventPersister {
	p := &eventPersister{sub: b.Subscribe(auditID)}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		dir := filepath.Join(outputDir, auditID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn("event log dir", zap.Error(err))
			for range p.sub.Events() {
			}
			return
		}
		f, err := os.OpenFile(filepath.Join(dir, "events.ndjson"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Warn("event log open", zap.Error(err))
			for range p.sub.Events() {
			}
			return
		}
		defer f.Close()
		enc := json.NewEncoder(f)
		for ev := range p.sub.Events() {
			if err := enc.Encode(ev); err != nil {
				log.Warn("event log write", zap.Error(err))
			}
		}
	}()
	return p
}

func (p *eventPersister) stop() {
	p.sub.Close()
	p.wg.Wait()
}

// writeArtifacts persists the plan, the per-tool normalized findings, the
// correlated set, and the report for one finished audit.
func writeArtifacts(outputDir string, run *auditRun, outcome *scheduler.Outcome, report *Report) error {
	dir := filepath.Join(outputDir, run.id)
	if err := os.MkdirAll(filepath.Join(dir, "findings"), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, "plan.json"), run.plan); err != nil {
		return err
	}

	byTool := make(map[string][]finding.Finding)
	for _, f := range outcome.Findings {
		byTool[f.SourceTool] = append(byTool[f.SourceTool], f)
	}
	for tool, fs := range byTool {
		name := strings.Map(func(r rune) rune {
			if r == '/' || r == '\\' {
				return '_'
			}
			return r
		}, tool)
		toolDir := filepath.Join(dir, "findings", name)
		if err := os.MkdirAll(toolDir, 0o755); err != nil {
			return fmt.Errorf("create tool artifact dir: %w", err)
		}
		if err := writeJSON(filepath.Join(toolDir, "normalized.json"), fs); err != nil {
			return err
		}
	}

	if err := writeJSON(filepath.Join(dir, "correlated.json"), report.Findings); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "summary.json"), report)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
