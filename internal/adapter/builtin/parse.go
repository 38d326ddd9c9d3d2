package builtin

import (
	"encoding/json"
	"fmt"

	"miesc/internal/finding"
)

// slitherReport mirrors the JSON layout of Slither-family static analyzers:
// detectors with impact/confidence labels and source elements.
type slitherReport struct {
	Success bool `json:"success"`
	Results struct {
		Detectors []struct {
			Check       string `json:"check"`
			Impact      string `json:"impact"`
			Confidence  string `json:"confidence"`
			Description string `json:"description"`
			Elements    []struct {
				Name          string `json:"name"`
				Type          string `json:"type"`
				SourceMapping struct {
					Filename string `json:"filename_relative"`
					Lines    []int  `json:"lines"`
				} `json:"source_mapping"`
			} `json:"elements"`
		} `json:"detectors"`
	} `json:"results"`
}

var labelConfidence = map[string]float64{
	"High":   0.9,
	"Medium": 0.6,
	"Low":    0.3,
}

func parseSlitherLike(tool string, data []byte) ([]finding.RawFinding, error) {
	var rep slitherReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("%s output: %w", tool, err)
	}
	var out []finding.RawFinding
	for _, det := range rep.Results.Detectors {
		rf := finding.RawFinding{
			SourceTool:     tool,
			Detector:       det.Check,
			VulnClass:      det.Check,
			SeverityNative: det.Impact,
			Confidence:     labelConfidence[det.Confidence],
			Description:    det.Description,
		}
		if rf.Confidence == 0 {
			rf.Confidence = 0.5
		}
		for _, el := range det.Elements {
			if el.SourceMapping.Filename == "" {
				continue
			}
			rf.Location.File = el.SourceMapping.Filename
			if n := len(el.SourceMapping.Lines); n > 0 {
				rf.Location.LineStart = el.SourceMapping.Lines[0]
				rf.Location.LineEnd = el.SourceMapping.Lines[n-1]
			}
			switch el.Type {
			case "function":
				rf.Location.Function = el.Name
			case "contract":
				rf.Location.Contract = el.Name
			}
			if rf.Location.Known() {
				break
			}
		}
		out = append(out, rf)
	}
	return out, nil
}

// mythrilReport mirrors symbolic-executor output: a flat issue list with
// SWC ids already attached.
type mythrilReport struct {
	Issues []struct {
		SWCID       string  `json:"swc-id"`
		Severity    string  `json:"severity"`
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Contract    string  `json:"contract"`
		Function    string  `json:"function"`
		Filename    string  `json:"filename"`
		LineNo      int     `json:"lineno"`
		Confidence  float64 `json:"confidence,omitempty"`
	} `json:"issues"`
}

func parseMythrilLike(tool string, data []byte) ([]finding.RawFinding, error) {
	var rep mythrilReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("%s output: %w", tool, err)
	}
	var out []finding.RawFinding
	for _, is := range rep.Issues {
		conf := is.Confidence
		if conf == 0 {
			conf = 0.7
		}
		out = append(out, finding.RawFinding{
			SourceTool:     tool,
			Detector:       is.SWCID,
			VulnClass:      classForSWC(is.SWCID, is.Title),
			SeverityNative: is.Severity,
			Confidence:     conf,
			Title:          is.Title,
			Description:    is.Description,
			Location: finding.Location{
				File:      is.Filename,
				LineStart: is.LineNo,
				Contract:  is.Contract,
				Function:  is.Function,
			},
		})
	}
	return out, nil
}

// classForSWC maps the well-known SWC ids symbolic executors report onto
// the native class vocabulary of the taxonomy table.
func classForSWC(swc, title string) string {
	switch swc {
	case "SWC-107":
		return "reentrancy-eth"
	case "SWC-101":
		return "integer-overflow"
	case "SWC-104":
		return "unchecked-lowlevel"
	case "SWC-105":
		return "unprotected-ether-withdrawal"
	case "SWC-106":
		return "suicidal"
	case "SWC-112":
		return "controlled-delegatecall"
	case "SWC-115":
		return "tx-origin"
	case "SWC-116":
		return "timestamp-dependence"
	}
	if title != "" {
		return title
	}
	return swc
}

// genericReport is the shared envelope emitted by the remaining shims
// (fuzzers, formal verifiers, property checkers, rule packs) in their JSON
// output mode.
type genericReport struct {
	Tool     string               `json:"tool,omitempty"`
	Findings []finding.RawFinding `json:"findings"`
}

func parseGeneric(tool string, data []byte) ([]finding.RawFinding, error) {
	var rep genericReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("%s output: %w", tool, err)
	}
	out := rep.Findings
	for i := range out {
		out[i].SourceTool = tool
	}
	return out, nil
}
