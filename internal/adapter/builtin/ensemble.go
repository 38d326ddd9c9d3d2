package builtin

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"miesc/internal/adapter"
	"miesc/internal/finding"
)

// ensembleVoter is the layer-9 confirmation pass. It fires only on
// conjunctions of signals that the single-pattern layers each see half of,
// contributing an extra independent witness for cross-validation.
type ensembleVoter struct{}

// NewEnsembleVoter builds the in-process ensemble confirmation adapter.
func NewEnsembleVoter() adapter.Adapter { return &ensembleVoter{} }

func (e *ensembleVoter) Metadata() adapter.Tool {
	return adapter.Tool{
		ID:       "ensemble-voter",
		Name:     "Ensemble confirmation voter",
		Layer:    adapter.LayerEnsemble,
		Category: adapter.CategoryEnsemble,
		Optional: true,
	}
}

func (e *ensembleVoter) Availability(ctx context.Context) adapter.Availability {
	return adapter.Available
}

var (
	extCallPattern    = regexp.MustCompile(`\.call\{value:|\.call\.value\(|\.transfer\(|\.send\(`)
	stateWritePattern = regexp.MustCompile(`^\s*\w+(\[[^\]]*\])?\s*(=|\+=|-=)\s*[^=]`)
	oldPragmaPattern  = regexp.MustCompile(`pragma\s+solidity\s*[\^>=<\s]*0\.[4-7]\.`)
	arithmeticPattern = regexp.MustCompile(`[^+\-*/=!<>]\s*(\+|\-|\*)\s*[^+\-*/=]`)
	uncheckedBlock    = regexp.MustCompile(`\bunchecked\s*\{`)
	onlyOwnerPattern  = regexp.MustCompile(`onlyOwner|onlyRole|AccessControl|Ownable`)
	selfdestructCall  = regexp.MustCompile(`\bselfdestruct\s*\(`)
)

func (e *ensembleVoter) Analyze(ctx context.Context, ref adapter.ContractRef, opts adapter.Options) (adapter.RawOutput, error) {
	out := adapter.RawOutput{Tool: "ensemble-voter"}

	source, file, err := sourceOf(ref)
	if err != nil {
		return out, adapter.NewError(adapter.KindInputInvalid, "ensemble-voter", err)
	}

	var votes []finding.RawFinding
	lines := strings.Split(source, "\n")

	// Reentrancy vote: a value-bearing external call with a state write on
	// a later line of the same function body.
	callLine := -1
	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if extCallPattern.MatchString(line) {
			callLine = i
			continue
		}
		if callLine >= 0 && i-callLine <= 12 && stateWritePattern.MatchString(line) {
			votes = append(votes, finding.RawFinding{
				SourceTool:     "ensemble-voter",
				Detector:       "vote-reentrancy",
				VulnClass:      "reentrancy-eth",
				SeverityNative: "high",
				Confidence:     0.5,
				Title:          "State written after external call",
				Description:    "An external call precedes a state update within the same body",
				Location:       finding.Location{File: file, LineStart: callLine + 1, LineEnd: i + 1},
			})
			callLine = -1
		}
		if strings.Contains(line, "}") {
			callLine = -1
		}
	}

	// Overflow vote: pre-0.8 pragma plus raw arithmetic outside an
	// unchecked block and no SafeMath import.
	if oldPragmaPattern.MatchString(source) &&
		!strings.Contains(source, "SafeMath") && !uncheckedBlock.MatchString(source) {
		for i, line := range lines {
			if arithmeticPattern.MatchString(line) && !strings.HasPrefix(strings.TrimSpace(line), "//") {
				votes = append(votes, finding.RawFinding{
					SourceTool:     "ensemble-voter",
					Detector:       "vote-overflow",
					VulnClass:      "integer-overflow",
					SeverityNative: "medium",
					Confidence:     0.45,
					Title:          "Unchecked arithmetic on pre-0.8 compiler",
					Location:       finding.Location{File: file, LineStart: i + 1, LineEnd: i + 1},
				})
				break
			}
		}
	}

	// Selfdestruct vote: reachable selfdestruct in a contract with no
	// recognizable access-control surface.
	if selfdestructCall.MatchString(source) && !onlyOwnerPattern.MatchString(source) {
		for i, line := range lines {
			if selfdestructCall.MatchString(line) {
				votes = append(votes, finding.RawFinding{
					SourceTool:     "ensemble-voter",
					Detector:       "vote-selfdestruct",
					VulnClass:      "unprotected-selfdestruct",
					SeverityNative: "critical",
					Confidence:     0.55,
					Title:          "selfdestruct without access control",
					Location:       finding.Location{File: file, LineStart: i + 1, LineEnd: i + 1},
				})
			}
		}
	}

	out.Data, _ = json.Marshal(genericReport{Tool: "ensemble-voter", Findings: votes})
	return out, nil
}

func (e *ensembleVoter) Normalize(raw adapter.RawOutput) ([]finding.RawFinding, error) {
	if len(raw.Data) == 0 {
		return nil, nil
	}
	return parseGeneric("ensemble-voter", raw.Data)
}
