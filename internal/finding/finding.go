// Package finding defines the canonical finding record emitted by tool
// adapters and consumed by every downstream stage, together with the
// severity and taxonomy normalization tables.
//
// A Finding is immutable once produced by an adapter. Downstream stages
// (correlation, compliance) attach derived records; they never mutate the
// original.
package finding

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

// Severity is the normalized severity scale shared by all tools.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRanks orders severities for comparison, demotion, and promotion.
var severityRanks = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

var severityByRank = []Severity{
	SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical,
}

// Rank returns the numeric position of the severity (INFO=0 .. CRITICAL=4).
// Unknown values rank as MEDIUM.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return severityRanks[SeverityMedium]
}

// Valid reports whether s is one of the five normalized levels.
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// Demote returns the severity one level down, bounded at floor.
func (s Severity) Demote(floor Severity) Severity {
	r := s.Rank() - 1
	if r < floor.Rank() {
		r = floor.Rank()
	}
	return severityByRank[r]
}

// Promote returns the severity one level up, bounded at CRITICAL.
func (s Severity) Promote() Severity {
	r := s.Rank() + 1
	if r > severityRanks[SeverityCritical] {
		r = severityRanks[SeverityCritical]
	}
	return severityByRank[r]
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Location identifies where in the target source a finding points.
// A finding with no file or no positive start line is "locationless" and is
// never correlated with others.
type Location struct {
	File      string `json:"file"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end,omitempty"`
	Function  string `json:"function,omitempty"`
	Contract  string `json:"contract,omitempty"`
}

// Known reports whether the location points at actual source.
func (l Location) Known() bool {
	return l.File != "" && l.LineStart > 0
}

// Taxonomy carries the standard identifiers a native vulnerability class
// maps to. Absent entries stay empty; that is not an error.
type Taxonomy struct {
	SWC     string `json:"swc,omitempty"`
	CWE     string `json:"cwe,omitempty"`
	OWASPSC string `json:"owasp_sc,omitempty"`
}

// Empty reports whether no standard identifier applies.
func (t Taxonomy) Empty() bool {
	return t.SWC == "" && t.CWE == "" && t.OWASPSC == ""
}

// RawFinding is what an adapter's Normalize step produces from tool-native
// output, before core normalization. Minimum fields: SourceTool, VulnClass,
// and a known Location (tool-level diagnostics may omit the location).
type RawFinding struct {
	SourceTool     string          `json:"source_tool"`
	Detector       string          `json:"detector,omitempty"`
	VulnClass      string          `json:"vuln_class"`
	SeverityNative string          `json:"severity_native,omitempty"`
	Confidence     float64         `json:"confidence"`
	Location       Location        `json:"location"`
	Title          string          `json:"title,omitempty"`
	Description    string          `json:"description,omitempty"`
	Remediation    string          `json:"remediation,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Finding is the canonical record. SeverityNormalized is always one of the
// five levels and ConfidenceRaw is always inside [0,1].
type Finding struct {
	ID                 string          `json:"id"`
	SourceTool         string          `json:"source_tool"`
	Detector           string          `json:"detector,omitempty"`
	Layer              int             `json:"layer"`
	VulnerabilityType  string          `json:"vulnerability_type"`
	SeverityNative     string          `json:"severity_native,omitempty"`
	SeverityNormalized Severity        `json:"severity_normalized"`
	ConfidenceRaw      float64         `json:"confidence_raw"`
	Location           Location        `json:"location"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	RemediationHint    string          `json:"remediation_hint,omitempty"`
	Taxonomy           Taxonomy        `json:"taxonomy"`
	RawPayload         json.RawMessage `json:"raw_payload,omitempty"`
}

// CanonicalClass lowercases and hyphenates a native vulnerability class so
// that "Reentrancy_ETH", "reentrancy eth" and "reentrancy-eth" key the same
// table entries.
func CanonicalClass(class string) string {
	c := strings.TrimSpace(strings.ToLower(class))
	c = strings.ReplaceAll(c, "_", "-")
	c = strings.ReplaceAll(c, " ", "-")
	return c
}

// deterministicID derives a stable finding id from identity fields, so that
// re-running the same tool over the same target yields the same ids.
func deterministicID(raw RawFinding) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s|%s",
		raw.SourceTool, CanonicalClass(raw.VulnClass),
		raw.Location.File, raw.Location.LineStart,
		raw.Location.Contract, raw.Location.Function)
	return fmt.Sprintf("%s-%08x", raw.SourceTool, h.Sum32())
}

// ClipConfidence forces a confidence value into [0,1]. NaN and negative
// values clip to 0.
func ClipConfidence(c float64) float64 {
	if !(c >= 0) { // catches NaN
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
