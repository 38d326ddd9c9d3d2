package finding

import "fmt"

// Normalizer turns adapter-native raw findings into canonical Findings
// using the static severity and taxonomy tables. It is pure: the same raw
// finding always normalizes to the same Finding.
type Normalizer struct {
	taxonomy TaxonomyMap
	severity SeverityMap
}

// NewNormalizer builds a Normalizer from the embedded tables.
func NewNormalizer() (*Normalizer, error) {
	tax, err := LoadTaxonomyMap()
	if err != nil {
		return nil, err
	}
	sev, err := LoadSeverityMap()
	if err != nil {
		return nil, err
	}
	return &Normalizer{taxonomy: tax, severity: sev}, nil
}

// NewNormalizerWithTables builds a Normalizer from explicit tables. Tests
// and callers with custom calibration use this.
func NewNormalizerWithTables(tax TaxonomyMap, sev SeverityMap) *Normalizer {
	return &Normalizer{taxonomy: tax, severity: sev}
}

// Normalize validates the raw finding's minimum fields and produces the
// canonical record. The taxonomy stays empty for unknown classes; only
// missing minimum fields are an error.
func (n *Normalizer) Normalize(raw RawFinding, layer int) (Finding, error) {
	if raw.SourceTool == "" || raw.VulnClass == "" {
		return Finding{}, fmt.Errorf("%w: tool=%q class=%q", ErrFindingMalformed, raw.SourceTool, raw.VulnClass)
	}

	class := CanonicalClass(raw.VulnClass)
	f := Finding{
		ID:                 deterministicID(raw),
		SourceTool:         raw.SourceTool,
		Detector:           raw.Detector,
		Layer:              layer,
		VulnerabilityType:  class,
		SeverityNative:     raw.SeverityNative,
		SeverityNormalized: n.normalizeSeverity(raw.SourceTool, raw.SeverityNative),
		ConfidenceRaw:      ClipConfidence(raw.Confidence),
		Location:           raw.Location,
		Title:              raw.Title,
		Description:        raw.Description,
		RemediationHint:    raw.Remediation,
		Taxonomy:           n.taxonomy[class],
		RawPayload:         raw.Payload,
	}
	if f.Detector == "" {
		f.Detector = class
	}
	if f.Title == "" {
		f.Title = class
	}
	return f, nil
}

// NormalizedClass returns the identity bucket used for fingerprinting:
// the SWC id when the taxonomy has one, otherwise a canonical bucket string
// for the native class.
func (n *Normalizer) NormalizedClass(f Finding) string {
	if f.Taxonomy.SWC != "" {
		return f.Taxonomy.SWC
	}
	return "class:" + CanonicalClass(f.VulnerabilityType)
}

// normalizeSeverity maps a tool-native label through the severity table.
// Unknown labels fall back to MEDIUM rather than silently downgrading.
func (n *Normalizer) normalizeSeverity(tool, native string) Severity {
	label := CanonicalClass(native)
	if table, ok := n.severity[tool]; ok {
		if s, ok := table[label]; ok && s.Valid() {
			return s
		}
	}
	if table, ok := n.severity["default"]; ok {
		if s, ok := table[label]; ok && s.Valid() {
			return s
		}
	}
	return SeverityMedium
}
