package correlation

import (
	"regexp"
	"strings"
	"sync"

	"miesc/internal/finding"
)

// Adjustment is one semantic-context reduction, applied multiplicatively on
// residual confidence.
type Adjustment struct {
	Reason    string
	Reduction float64
}

// Analyzer inspects source context around a finding and returns confidence
// reductions. Implementations must be deterministic for a given (class,
// location) pair.
type Analyzer interface {
	Adjustments(class string, loc finding.Location) []Adjustment
}

// Semantic reduction weights.
const (
	reentrancyGuardReduction = 0.40
	ceiOrderingReduction     = 0.30
	checkedArithReduction    = 0.50
)

// SourceProvider resolves a finding's file to its source text. Returning an
// error disables semantic analysis for that file.
type SourceProvider func(file string) (string, error)

// SemanticAnalyzer is the default Analyzer: a lexical inspection of the
// enclosing function for guard modifiers, checks-effects-interactions
// ordering, and compiler-checked arithmetic.
type SemanticAnalyzer struct {
	provider SourceProvider

	mu    sync.Mutex
	cache map[string][]string
}

// NewSemanticAnalyzer builds the analyzer over a source provider.
func NewSemanticAnalyzer(p SourceProvider) *SemanticAnalyzer {
	return &SemanticAnalyzer{provider: p, cache: make(map[string][]string)}
}

var (
	functionRe  = regexp.MustCompile(`\bfunction\s+\w+`)
	guardRe     = regexp.MustCompile(`\bnonReentrant\b|\bnoReentrancy\b|\breentrancyGuard\b`)
	externalRe  = regexp.MustCompile(`\.call\{value:|\.call\.value\(|\.call\(|\.transfer\(|\.send\(|\.delegatecall\(`)
	stateSetRe  = regexp.MustCompile(`^\s*\w+(\[[^\]]*\])?(\.\w+)*\s*(=|\+=|-=|\*=)\s*[^=]`)
	newPragmaRe = regexp.MustCompile(`pragma\s+solidity\s*[\^>=<~\s]*(0\.8|0\.9|[1-9]\d*\.)`)
)

func isReentrancyClass(class string) bool {
	return strings.Contains(finding.CanonicalClass(class), "reentrancy")
}

func isOverflowClass(class string) bool {
	c := finding.CanonicalClass(class)
	return strings.Contains(c, "overflow") || strings.Contains(c, "underflow")
}

// Adjustments implements Analyzer.
func (s *SemanticAnalyzer) Adjustments(class string, loc finding.Location) []Adjustment {
	if !loc.Known() {
		return nil
	}
	lines := s.lines(loc.File)
	if lines == nil || loc.LineStart > len(lines) {
		return nil
	}

	var out []Adjustment

	if isReentrancyClass(class) {
		start, end := enclosingFunction(lines, loc.LineStart-1)
		if start >= 0 {
			sig := signatureText(lines, start)
			if guardRe.MatchString(sig) {
				out = append(out, Adjustment{
					Reason:    "reentrancy guard modifier on enclosing function",
					Reduction: reentrancyGuardReduction,
				})
			}
			if checksEffectsInteractions(lines, start, end) {
				out = append(out, Adjustment{
					Reason:    "checks-effects-interactions ordering observed",
					Reduction: ceiOrderingReduction,
				})
			}
		}
	}

	if isOverflowClass(class) {
		source := strings.Join(lines, "\n")
		if newPragmaRe.MatchString(source) && !insideUnchecked(lines, loc.LineStart-1) {
			out = append(out, Adjustment{
				Reason:    "compiler enforces overflow checks outside unchecked blocks",
				Reduction: checkedArithReduction,
			})
		}
	}

	return out
}

func (s *SemanticAnalyzer) lines(file string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[file]; ok {
		return cached
	}
	var lines []string
	if src, err := s.provider(file); err == nil {
		lines = strings.Split(src, "\n")
	}
	s.cache[file] = lines
	return lines
}

// enclosingFunction locates the function body containing line idx (0-based)
// by scanning up for the signature and brace-matching down for the end.
// Returns (-1, -1) when no enclosing function is found.
func enclosingFunction(lines []string, idx int) (int, int) {
	if idx < 0 || idx >= len(lines) {
		return -1, -1
	}
	start := -1
	for i := idx; i >= 0; i-- {
		if functionRe.MatchString(lines[i]) {
			start = i
			break
		}
	}
	if start < 0 {
		return -1, -1
	}

	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		depth += strings.Count(lines[i], "{") - strings.Count(lines[i], "}")
		if strings.Contains(lines[i], "{") {
			opened = true
		}
		if opened && depth <= 0 {
			if i < idx {
				// The finding sits past this function; it is not enclosing.
				return -1, -1
			}
			return start, i
		}
	}
	return start, len(lines) - 1
}

// signatureText joins the signature lines from the function keyword to the
// opening brace, where modifiers live.
func signatureText(lines []string, start int) string {
	var b strings.Builder
	for i := start; i < len(lines); i++ {
		b.WriteString(lines[i])
		b.WriteString(" ")
		if strings.Contains(lines[i], "{") {
			break
		}
	}
	return b.String()
}

// checksEffectsInteractions reports whether every state write in the body
// precedes the first external interaction.
func checksEffectsInteractions(lines []string, start, end int) bool {
	firstCall := -1
	for i := start; i <= end && i < len(lines); i++ {
		if externalRe.MatchString(lines[i]) {
			firstCall = i
			break
		}
	}
	if firstCall < 0 {
		return false
	}
	for i := firstCall + 1; i <= end && i < len(lines); i++ {
		if stateSetRe.MatchString(lines[i]) {
			return false
		}
	}
	return true
}

// insideUnchecked reports whether line idx sits inside an unchecked block.
func insideUnchecked(lines []string, idx int) bool {
	depth := 0
	for i := 0; i <= idx && i < len(lines); i++ {
		line := lines[i]
		if strings.Contains(line, "unchecked") && strings.Contains(line, "{") {
			depth++
			// Discount braces before the unchecked keyword on this line.
			line = line[strings.Index(line, "unchecked"):]
			depth += strings.Count(line, "{") - 1 - strings.Count(line, "}")
			continue
		}
		if depth > 0 {
			depth += strings.Count(line, "{") - strings.Count(line, "}")
			if depth < 0 {
				depth = 0
			}
		}
	}
	return depth > 0
}
