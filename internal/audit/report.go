package audit

import (
	"time"

	"miesc/internal/correlation"
	"miesc/internal/finding"
	"miesc/internal/scheduler"
)

// ReportStatus is the user-visible outcome classification.
type ReportStatus string

const (
	ReportOK             ReportStatus = "ok"
	ReportPartialTimeout ReportStatus = "partial_timeout"
	ReportCancelled      ReportStatus = "cancelled"
	ReportFailed         ReportStatus = "failed"
)

// Diagnostic records one non-fatal issue: a skipped tool, a timeout, a
// lost subscriber.
type Diagnostic struct {
	Kind    string `json:"kind"`
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message,omitempty"`
}

// Summary aggregates the correlated findings by final severity.
type Summary struct {
	CountsBySeverity map[finding.Severity]int `json:"counts_by_severity"`
	Total            int                      `json:"total"`
}

// Metadata describes how the audit ran.
type Metadata struct {
	Profile        Profile  `json:"profile"`
	Target         string   `json:"target"`
	ToolsUsed      []string `json:"tools_used"`
	DurationS      float64  `json:"duration_s"`
	PartialTimeout bool     `json:"partial_timeout"`
}

// Report is the consolidated audit result returned by run_audit and
// get_audit and persisted as summary.json.
type Report struct {
	AuditID     string                          `json:"audit_id"`
	State       State                           `json:"state"`
	Status      ReportStatus                    `json:"status"`
	Summary     Summary                         `json:"summary"`
	Findings    []correlation.CorrelatedFinding `json:"findings"`
	Metadata    Metadata                        `json:"metadata"`
	Diagnostics []Diagnostic                    `json:"diagnostics,omitempty"`
	CreatedAt   time.Time                       `json:"created_at"`
	FinishedAt  time.Time                       `json:"finished_at,omitempty"`
}

// HasBlocking reports whether any correlated finding is HIGH or CRITICAL;
// the CLI maps this to its exit code.
func (r *Report) HasBlocking() bool {
	for _, f := range r.Findings {
		if f.SeverityFinal.Rank() >= finding.SeverityHigh.Rank() {
			return true
		}
	}
	return false
}

func summarize(findings []correlation.CorrelatedFinding) Summary {
	s := Summary{CountsBySeverity: make(map[finding.Severity]int), Total: len(findings)}
	for _, f := range findings {
		s.CountsBySeverity[f.SeverityFinal]++
	}
	return s
}

// diagnosticsFrom converts the scheduler's per-tool record into the
// report's non-fatal issue list.
func diagnosticsFrom(outcome *scheduler.Outcome) []Diagnostic {
	var out []Diagnostic
	for _, t := range outcome.Tools {
		switch t.Status {
		case scheduler.StatusSkipped:
			out = append(out, Diagnostic{Kind: "tool_skipped", Tool: t.ToolID, Message: t.Message})
		case scheduler.StatusTimeout:
			out = append(out, Diagnostic{Kind: "tool_timeout", Tool: t.ToolID, Message: t.Message})
		case scheduler.StatusFailed:
			out = append(out, Diagnostic{Kind: "tool_failed", Tool: t.ToolID, Message: t.Message})
		case scheduler.StatusCancelled:
			out = append(out, Diagnostic{Kind: "tool_cancelled", Tool: t.ToolID})
		}
	}
	return out
}
