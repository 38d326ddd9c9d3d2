package builtin

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"miesc/internal/adapter"
	"miesc/internal/finding"
)

// mlRule is one learned heuristic: a lexical pattern with a calibrated
// weight. Weights come from offline training against labeled audit corpora
// and are deliberately conservative.
type mlRule struct {
	detector string
	class    string
	severity string
	weight   float64
	pattern  *regexp.Regexp
	title    string
	hint     string
}

var mlRules = []mlRule{
	{
		detector: "ml-call-value",
		class:    "reentrancy-eth",
		severity: "high",
		weight:   0.55,
		pattern:  regexp.MustCompile(`\.call\{value:|\.call\.value\(`),
		title:    "Raw value-bearing external call",
		hint:     "Use checks-effects-interactions or a reentrancy guard",
	},
	{
		detector: "ml-tx-origin",
		class:    "tx-origin",
		severity: "medium",
		weight:   0.8,
		pattern:  regexp.MustCompile(`\btx\.origin\b`),
		title:    "tx.origin used for authorization",
		hint:     "Replace tx.origin with msg.sender",
	},
	{
		detector: "ml-delegatecall",
		class:    "controlled-delegatecall",
		severity: "high",
		weight:   0.6,
		pattern:  regexp.MustCompile(`\.delegatecall\(`),
		title:    "delegatecall into potentially controlled target",
		hint:     "Restrict delegatecall targets to immutable, audited addresses",
	},
	{
		detector: "ml-selfdestruct",
		class:    "suicidal",
		severity: "high",
		weight:   0.65,
		pattern:  regexp.MustCompile(`\bselfdestruct\s*\(|\bsuicide\s*\(`),
		title:    "Reachable selfdestruct",
		hint:     "Gate selfdestruct behind multi-party authorization or remove it",
	},
	{
		detector: "ml-timestamp",
		class:    "timestamp-dependence",
		severity: "low",
		weight:   0.4,
		pattern:  regexp.MustCompile(`\bblock\.timestamp\b|\bnow\b`),
		title:    "Logic depends on block timestamp",
		hint:     "Tolerate miner-controlled timestamp drift of ~15s",
	},
	{
		detector: "ml-unchecked-send",
		class:    "unchecked-lowlevel",
		severity: "medium",
		weight:   0.45,
		pattern:  regexp.MustCompile(`\.send\(|\.call\((?:""|abi\.)`),
		title:    "Low-level call result may be unchecked",
		hint:     "Check the boolean result of send/call or use transfer semantics",
	},
	{
		detector: "ml-blockhash",
		class:    "weak-prng",
		severity: "medium",
		weight:   0.5,
		pattern:  regexp.MustCompile(`\bblockhash\s*\(|\bblock\.difficulty\b|\bblock\.prevrandao\b`),
		title:    "Block values used as entropy source",
		hint:     "Use a verifiable randomness source (VRF) instead of block fields",
	},
}

// mlHeuristics scores source lines against the trained pattern set
// (layer 7). It streams findings as lines are scanned, so a timed-out run
// keeps everything scored so far.
type mlHeuristics struct{}

// NewMLHeuristics builds the in-process ML scorer.
func NewMLHeuristics() adapter.Adapter { return &mlHeuristics{} }

func (m *mlHeuristics) Metadata() adapter.Tool {
	return adapter.Tool{
		ID:       "ml-heuristics",
		Name:     "ML pattern heuristics",
		Layer:    adapter.LayerML,
		Category: adapter.CategoryML,
		Optional: true,
		Version:  "model-2024.3",
	}
}

func (m *mlHeuristics) Availability(ctx context.Context) adapter.Availability {
	return adapter.Available
}

func (m *mlHeuristics) Analyze(ctx context.Context, ref adapter.ContractRef, opts adapter.Options) (adapter.RawOutput, error) {
	return m.AnalyzeStream(ctx, ref, opts, func(finding.RawFinding) {})
}

// AnalyzeStream scans line by line and emits each hit immediately.
func (m *mlHeuristics) AnalyzeStream(ctx context.Context, ref adapter.ContractRef, opts adapter.Options, emit func(finding.RawFinding)) (adapter.RawOutput, error) {
	out := adapter.RawOutput{Tool: "ml-heuristics"}

	source, file, err := sourceOf(ref)
	if err != nil {
		return out, adapter.NewError(adapter.KindInputInvalid, "ml-heuristics", err)
	}

	var all []finding.RawFinding
	for i, line := range strings.Split(source, "\n") {
		if err := ctx.Err(); err != nil {
			out.Partial = true
			out.Data, _ = json.Marshal(genericReport{Tool: "ml-heuristics", Findings: all})
			return out, err
		}
		if idx := strings.Index(line, "//"); idx >= 0 {
			line = line[:idx]
		}
		for _, rule := range mlRules {
			if !rule.pattern.MatchString(line) {
				continue
			}
			rf := finding.RawFinding{
				SourceTool:     "ml-heuristics",
				Detector:       rule.detector,
				VulnClass:      rule.class,
				SeverityNative: rule.severity,
				Confidence:     rule.weight,
				Title:          rule.title,
				Remediation:    rule.hint,
				Location:       finding.Location{File: file, LineStart: i + 1, LineEnd: i + 1},
			}
			all = append(all, rf)
			emit(rf)
		}
	}

	out.Data, _ = json.Marshal(genericReport{Tool: "ml-heuristics", Findings: all})
	return out, nil
}

func (m *mlHeuristics) Normalize(raw adapter.RawOutput) ([]finding.RawFinding, error) {
	if len(raw.Data) == 0 {
		return nil, nil
	}
	return parseGeneric("ml-heuristics", raw.Data)
}
