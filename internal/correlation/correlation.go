// Package correlation merges findings from different tools that point at
// the same defect, discounts per-detector false-positive priors, rewards
// independent cross-validation, applies semantic-context reductions, and
// derives the final severity.
//
// The engine is incremental: findings arrive one at a time and each arrival
// re-emits the affected correlated finding with a bumped revision. The final
// set depends only on the set of ingested findings, never on arrival order.
package correlation

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"

	"miesc/internal/finding"
)

// Confidence pipeline constants.
const (
	defaultSingleWitnessCap = 0.60

	witnessBoost      = 0.25
	boostCeiling      = 0.98
	confidenceFloor   = 0.01
	confidenceCeiling = 0.99

	demoteBelow      = 0.30
	promoteAbove     = 0.85
	promoteMinTools  = 3
	lineBucketStride = 3
)

// crossValidationRequired lists the canonical native classes whose
// single-witness confidence is capped until a second tool confirms them.
var crossValidationRequired = map[string]bool{
	"reentrancy-eth":                   true,
	"arbitrary-send":                   true,
	"arbitrary-send-eth":               true,
	"controlled-delegatecall":          true,
	"delegatecall-to-untrusted-callee": true,
	"suicidal":                         true,
	"self-destruct":                    true,
	"unprotected-selfdestruct":         true,
	"unprotected-upgrade":              true,
}

// CrossValidationRequired reports whether a native class needs a second
// independent witness before its confidence may exceed the single cap.
func CrossValidationRequired(class string) bool {
	return crossValidationRequired[finding.CanonicalClass(class)]
}

// CorrelatedFinding is one defect with every witnessing tool finding
// attached. Confidence and severity are recomputed from the full witness
// set on every arrival.
type CorrelatedFinding struct {
	Fingerprint string `json:"fingerprint"`

	// Class is the normalized identity bucket (SWC id or class: bucket);
	// VulnerabilityType is the winning, most specific native class.
	Class             string `json:"class"`
	VulnerabilityType string `json:"vulnerability_type"`

	Title           string           `json:"title"`
	Description     string           `json:"description,omitempty"`
	RemediationHint string           `json:"remediation_hint,omitempty"`
	Location        finding.Location `json:"location"`
	Taxonomy        finding.Taxonomy `json:"taxonomy"`

	Witnesses          []finding.Finding `json:"witnesses"`
	ConfidenceAdjusted float64           `json:"confidence_adjusted"`
	SeverityFinal      finding.Severity  `json:"severity_final"`

	// SemanticNotes records which context reductions applied.
	SemanticNotes []string `json:"semantic_notes,omitempty"`

	// RequiresHumanReview is set for every HIGH or CRITICAL outcome and
	// for a lone witness of a cross-validation class at any severity.
	RequiresHumanReview bool `json:"requires_human_review,omitempty"`

	// Revision counts re-emissions as witnesses arrive; subscribers keep
	// the highest revision per fingerprint.
	Revision int `json:"revision"`

	// Passthrough marks a locationless finding that was never correlated.
	Passthrough bool `json:"passthrough,omitempty"`

	// ComplianceHits is attached by the coordinator's compliance join.
	ComplianceHits []string `json:"compliance_hits,omitempty"`
}

// Config tunes the cross-validation stage. The zero value keeps the
// built-in class set and the 0.60 lone-witness cap.
type Config struct {
	// ExtraCrossValidation adds native classes to the built-in set that
	// demands a second independent witness.
	ExtraCrossValidation []string

	// SingleToolMaxConfidence caps a lone witness of a cross-validation
	// class; zero means 0.60.
	SingleToolMaxConfidence float64
}

// Engine correlates the findings of one audit.
type Engine struct {
	norm     *finding.Normalizer
	priors   finding.FPPriors
	semantic Analyzer

	extraXV          map[string]bool
	singleWitnessCap float64

	mu   sync.Mutex
	byFP map[string]*CorrelatedFinding
	seen map[string]bool // finding ids already ingested
}

// NewEngine builds an engine. semantic may be nil to disable context
// analysis (tests, locationless pipelines).
func NewEngine(norm *finding.Normalizer, priors finding.FPPriors, semantic Analyzer, cfg Config) *Engine {
	limit := cfg.SingleToolMaxConfidence
	if limit <= 0 || limit > 1 {
		limit = defaultSingleWitnessCap
	}
	extra := make(map[string]bool, len(cfg.ExtraCrossValidation))
	for _, class := range cfg.ExtraCrossValidation {
		extra[finding.CanonicalClass(class)] = true
	}
	return &Engine{
		norm:             norm,
		priors:           priors,
		semantic:         semantic,
		extraXV:          extra,
		singleWitnessCap: limit,
		byFP:             make(map[string]*CorrelatedFinding),
		seen:             make(map[string]bool),
	}
}

// crossValidation reports whether a class needs a second witness under
// this engine's configuration.
func (e *Engine) crossValidation(class string) bool {
	c := finding.CanonicalClass(class)
	return crossValidationRequired[c] || e.extraXV[c]
}

// Fingerprint computes the merge key: normalized class, file, line bucket,
// contract, and function. Lines within a stride of each other usually land
// in one bucket, absorbing tool-specific line attribution.
func (e *Engine) Fingerprint(f finding.Finding) string {
	bucket := int(math.Round(float64(f.Location.LineStart)/lineBucketStride)) * lineBucketStride
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s",
		e.norm.NormalizedClass(f), f.Location.File, bucket,
		f.Location.Contract, f.Location.Function)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Ingest adds one finding and returns a snapshot of the affected correlated
// finding, recomputed from its full witness set. Re-ingesting a finding id
// already seen returns nil; the caller re-emits nothing.
func (e *Engine) Ingest(f finding.Finding) *CorrelatedFinding {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seen[f.ID] {
		return nil
	}
	e.seen[f.ID] = true

	var cf *CorrelatedFinding
	if !f.Location.Known() {
		// Tool-level diagnostics and project-global warnings are never
		// merged with located findings.
		cf = &CorrelatedFinding{
			Fingerprint: "pass:" + f.ID,
			Passthrough: true,
		}
		e.byFP[cf.Fingerprint] = cf
	} else {
		fp := e.Fingerprint(f)
		cf = e.byFP[fp]
		if cf == nil {
			cf = &CorrelatedFinding{Fingerprint: fp}
			e.byFP[fp] = cf
		}
	}

	cf.Witnesses = append(cf.Witnesses, f)
	cf.Revision++
	e.recompute(cf)

	snap := *cf
	snap.Witnesses = append([]finding.Finding(nil), cf.Witnesses...)
	snap.SemanticNotes = append([]string(nil), cf.SemanticNotes...)
	return &snap
}

// Results returns the final correlated set in a deterministic order.
func (e *Engine) Results() []CorrelatedFinding {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]CorrelatedFinding, 0, len(e.byFP))
	for _, cf := range e.byFP {
		snap := *cf
		snap.Witnesses = append([]finding.Finding(nil), cf.Witnesses...)
		snap.SemanticNotes = append([]string(nil), cf.SemanticNotes...)
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Location.File != b.Location.File {
			return a.Location.File < b.Location.File
		}
		if a.Location.LineStart != b.Location.LineStart {
			return a.Location.LineStart < b.Location.LineStart
		}
		return a.Fingerprint < b.Fingerprint
	})
	return out
}

// Count returns the number of correlated findings so far.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byFP)
}

// recompute rebuilds the derived fields of cf from its witness set. Running
// it on any permutation of the same witnesses produces identical output.
func (e *Engine) recompute(cf *CorrelatedFinding) {
	rep := representative(cf.Witnesses)
	cf.Class = e.norm.NormalizedClass(rep)
	cf.VulnerabilityType = rep.VulnerabilityType
	cf.Title = rep.Title
	cf.Description = rep.Description
	cf.RemediationHint = rep.RemediationHint
	cf.Location = rep.Location
	cf.Taxonomy = rep.Taxonomy

	if cf.Passthrough {
		cf.ConfidenceAdjusted = rep.ConfidenceRaw
		cf.SeverityFinal = rep.SeverityNormalized
		cf.RequiresHumanReview = cf.SeverityFinal.Rank() >= finding.SeverityHigh.Rank()
		return
	}

	// Stage 3: per-detector FP prior discount; the base confidence is the
	// strongest discounted witness.
	conf := 0.0
	tools := make(map[string]bool)
	for _, w := range cf.Witnesses {
		weighted := finding.ClipConfidence(w.ConfidenceRaw) * (1 - e.priors.Prior(w.SourceTool, w.Detector))
		if weighted > conf {
			conf = weighted
		}
		tools[w.SourceTool] = true
	}

	// Stage 4: cross-validation. A lone witness on a high-stakes class is
	// capped; every extra independent tool multiplies the residual.
	lone := len(tools) == 1 && e.crossValidation(cf.VulnerabilityType)
	if lone && conf > e.singleWitnessCap {
		conf = e.singleWitnessCap
	}
	for i := 1; i < len(tools); i++ {
		conf *= 1 + witnessBoost
		if conf >= boostCeiling {
			conf = boostCeiling
			break
		}
	}

	// Stage 5: semantic context reductions, multiplicative on residual.
	cf.SemanticNotes = nil
	if e.semantic != nil {
		for _, adj := range e.semantic.Adjustments(cf.VulnerabilityType, cf.Location) {
			conf *= 1 - adj.Reduction
			cf.SemanticNotes = append(cf.SemanticNotes, adj.Reason)
		}
	}

	if conf < confidenceFloor {
		conf = confidenceFloor
	}
	if conf > confidenceCeiling {
		conf = confidenceCeiling
	}
	cf.ConfidenceAdjusted = conf

	// Stage 6: severity from the witness maximum, demoted when confidence
	// collapsed, promoted on broad high-confidence agreement.
	sev := finding.SeverityInfo
	for _, w := range cf.Witnesses {
		sev = finding.MaxSeverity(sev, w.SeverityNormalized)
	}
	if conf < demoteBelow {
		sev = sev.Demote(finding.SeverityLow)
	}
	if len(tools) >= promoteMinTools && conf >= promoteAbove {
		sev = sev.Promote()
	}
	// A lone witness on a cross-validation class never reaches CRITICAL.
	if lone && sev == finding.SeverityCritical {
		sev = finding.SeverityHigh
	}
	cf.SeverityFinal = sev

	// HIGH and CRITICAL outcomes always get human eyes, as does a lone
	// witness of a cross-validation class regardless of severity.
	cf.RequiresHumanReview = lone || sev.Rank() >= finding.SeverityHigh.Rank()
}

// representative picks the witness whose class and record describe the
// correlated finding: most specific class first, then severity, then
// discount-free confidence, then lowest id for determinism.
func representative(witnesses []finding.Finding) finding.Finding {
	best := witnesses[0]
	for _, w := range witnesses[1:] {
		if moreRepresentative(w, best) {
			best = w
		}
	}
	return best
}

func moreRepresentative(a, b finding.Finding) bool {
	sa, sb := specificity(a.VulnerabilityType), specificity(b.VulnerabilityType)
	if sa != sb {
		return sa > sb
	}
	if ra, rb := a.SeverityNormalized.Rank(), b.SeverityNormalized.Rank(); ra != rb {
		return ra > rb
	}
	if a.ConfidenceRaw != b.ConfidenceRaw {
		return a.ConfidenceRaw > b.ConfidenceRaw
	}
	return a.ID < b.ID
}

// specificity ranks colliding native classes: hedged variants lose to the
// concrete ones (reentrancy-benign loses to reentrancy-eth).
func specificity(class string) int {
	c := finding.CanonicalClass(class)
	switch {
	case strings.HasSuffix(c, "-benign"), strings.HasSuffix(c, "-events"):
		return 0
	case !strings.Contains(c, "-"):
		return 1
	default:
		return 2
	}
}
