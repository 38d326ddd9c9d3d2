package finding

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
)

// The four static lookup tables ship embedded in the binary. Callers may
// override individual tables with an on-disk copy (config paths), which is
// how calibrated FP priors are swapped without a rebuild.
//
//go:embed data/*.json
var tableFS embed.FS

// TaxonomyMap maps a canonical native vulnerability class to its standard
// identifiers.
type TaxonomyMap map[string]Taxonomy

// SeverityMap maps tool id -> native severity label (lowercased) ->
// normalized severity. The "default" tool entry applies when a tool has no
// table of its own.
type SeverityMap map[string]map[string]Severity

// FPPriors maps tool id -> detector id -> calibrated false-positive
// probability in [0,1]. The "*" detector entry is the tool-wide fallback.
type FPPriors map[string]map[string]float64

// Prior returns the calibrated FP probability for a (tool, detector) pair,
// falling back to the tool-wide entry and then to zero.
func (p FPPriors) Prior(tool, detector string) float64 {
	detectors, ok := p[tool]
	if !ok {
		return 0
	}
	if v, ok := detectors[CanonicalClass(detector)]; ok {
		return clampUnit(v)
	}
	if v, ok := detectors["*"]; ok {
		return clampUnit(v)
	}
	return 0
}

func clampUnit(v float64) float64 {
	if !(v >= 0) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ComplianceMap maps a taxonomy identifier (SWC-xxx, CWE-xxx, SCxx) to the
// compliance control ids it evidences.
type ComplianceMap map[string][]string

// Controls returns the union of control ids for every identifier present in
// the taxonomy, deduplicated, in table order.
func (m ComplianceMap) Controls(t Taxonomy) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range []string{t.SWC, t.CWE, t.OWASPSC} {
		if id == "" {
			continue
		}
		for _, ctrl := range m[id] {
			if !seen[ctrl] {
				seen[ctrl] = true
				out = append(out, ctrl)
			}
		}
	}
	return out
}

func loadEmbedded(name string, v any) error {
	data, err := tableFS.ReadFile("data/" + name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse embedded table %s: %w", name, err)
	}
	return nil
}

// LoadTaxonomyMap returns the embedded taxonomy table.
func LoadTaxonomyMap() (TaxonomyMap, error) {
	var m TaxonomyMap
	err := loadEmbedded("taxonomy_map.json", &m)
	return m, err
}

// LoadSeverityMap returns the embedded per-tool severity table.
func LoadSeverityMap() (SeverityMap, error) {
	var m SeverityMap
	err := loadEmbedded("severity_map.json", &m)
	return m, err
}

// LoadFPPriors returns the FP prior table. When path is non-empty the
// on-disk table replaces the embedded one entirely.
func LoadFPPriors(path string) (FPPriors, error) {
	if path == "" {
		var m FPPriors
		err := loadEmbedded("fp_priors.json", &m)
		return m, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fp priors %s: %w", path, err)
	}
	var m FPPriors
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse fp priors %s: %w", path, err)
	}
	return m, nil
}

// LoadComplianceMap returns the embedded compliance table.
func LoadComplianceMap() (ComplianceMap, error) {
	var m ComplianceMap
	err := loadEmbedded("compliance_map.json", &m)
	return m, err
}
