package builtin

import (
	"fmt"
	"strconv"

	"miesc/internal/adapter"
	"miesc/internal/toolexec"
)

// defaultLimits caps every subprocess-backed analyzer. Symbolic executors
// and fuzzers are the usual memory offenders.
var defaultLimits = &toolexec.Limits{
	MaxMemoryBytes: 4 << 30,
	Nice:           5,
}

// NewSlither wraps the Slither-compatible static analyzer (layer 1).
func NewSlither() adapter.Adapter {
	return &execTool{
		meta: adapter.Tool{
			ID:       "slither-eq",
			Name:     "Slither-compatible static analyzer",
			Layer:    adapter.LayerStatic,
			Category: adapter.CategoryStatic,
			Optional: true,
			License:  "AGPL-3.0",
		},
		binary: "slither",
		args: func(target string, opts adapter.Options) []string {
			return []string{target, "--json", "-"}
		},
		parse:  parseSlitherLike,
		limits: defaultLimits,
	}
}

// NewAderyn wraps the Aderyn-compatible Rust static analyzer (layer 1).
func NewAderyn() adapter.Adapter {
	return &execTool{
		meta: adapter.Tool{
			ID:       "aderyn-eq",
			Name:     "Aderyn-compatible static analyzer",
			Layer:    adapter.LayerStatic,
			Category: adapter.CategoryStatic,
			Optional: true,
			License:  "MIT",
		},
		binary: "aderyn",
		args: func(target string, opts adapter.Options) []string {
			return []string{"--src", target, "--output", "-", "--format", "json"}
		},
		parse:  parseGeneric,
		limits: defaultLimits,
	}
}

// NewEchidna wraps the Echidna-compatible property fuzzer (layer 2).
// Fuzzing campaigns are budget-bound, so the deadline is forwarded as the
// campaign duration.
func NewEchidna() adapter.Adapter {
	return &execTool{
		meta: adapter.Tool{
			ID:        "echidna-eq",
			Name:      "Echidna-compatible fuzzer",
			Layer:     adapter.LayerDynamic,
			Category:  adapter.CategoryDynamic,
			Optional:  true,
			License:   "AGPL-3.0",
			Retryable: true,
		},
		binary: "echidna",
		args: func(target string, opts adapter.Options) []string {
			args := []string{target, "--format", "json"}
			if opts.Deadline > 0 {
				args = append(args, "--timeout", strconv.Itoa(int(opts.Deadline.Seconds())))
			}
			return args
		},
		parse:  parseGeneric,
		limits: defaultLimits,
	}
}

// NewMedusa wraps the Medusa-compatible parallel fuzzer (layer 2).
func NewMedusa() adapter.Adapter {
	return &execTool{
		meta: adapter.Tool{
			ID:        "medusa-eq",
			Name:      "Medusa-compatible fuzzer",
			Layer:     adapter.LayerDynamic,
			Category:  adapter.CategoryDynamic,
			Optional:  true,
			License:   "Apache-2.0",
			Retryable: true,
		},
		binary: "medusa",
		args: func(target string, opts adapter.Options) []string {
			args := []string{"fuzz", "--target", target, "--json"}
			if opts.Deadline > 0 {
				args = append(args, "--timeout", strconv.Itoa(int(opts.Deadline.Seconds())))
			}
			return args
		},
		parse:  parseGeneric,
		limits: defaultLimits,
	}
}

// NewMythril wraps the Mythril-compatible symbolic executor (layer 3).
// Symbolic execution forks the Python runtime per analysis; the adapter is
// marked non-reentrant so two audits never share one instance.
func NewMythril() adapter.Adapter {
	return &execTool{
		meta: adapter.Tool{
			ID:           "mythril-eq",
			Name:         "Mythril-compatible symbolic executor",
			Layer:        adapter.LayerSymbolic,
			Category:     adapter.CategorySymbolic,
			Optional:     true,
			License:      "MIT",
			NonReentrant: true,
		},
		binary: "myth",
		args: func(target string, opts adapter.Options) []string {
			args := []string{"analyze", target, "-o", "json"}
			if opts.Deadline > 0 {
				args = append(args, "--execution-timeout", strconv.Itoa(int(opts.Deadline.Seconds())))
			}
			return args
		},
		parse:  parseMythrilLike,
		limits: defaultLimits,
	}
}

// NewSMTChecker wraps the solc SMTChecker pipeline (layer 4).
func NewSMTChecker() adapter.Adapter {
	return &execTool{
		meta: adapter.Tool{
			ID:       "smtchecker-eq",
			Name:     "solc SMTChecker formal verifier",
			Layer:    adapter.LayerFormal,
			Category: adapter.CategoryFormal,
			Optional: true,
			License:  "GPL-3.0",
		},
		binary: "solc",
		args: func(target string, opts adapter.Options) []string {
			return []string{"--model-checker-engine", "chc", "--model-checker-json", target}
		},
		parse:  parseGeneric,
		limits: defaultLimits,
	}
}

// NewHalmos wraps the Halmos-compatible symbolic property checker (layer 5).
func NewHalmos() adapter.Adapter {
	return &execTool{
		meta: adapter.Tool{
			ID:       "halmos-eq",
			Name:     "Halmos-compatible property checker",
			Layer:    adapter.LayerProperty,
			Category: adapter.CategoryProperty,
			Optional: true,
			License:  "AGPL-3.0",
		},
		binary: "halmos",
		args: func(target string, opts adapter.Options) []string {
			args := []string{"--root", target, "--json-output", "-"}
			if opts.Deadline > 0 {
				args = append(args, "--solver-timeout-assertion",
					fmt.Sprintf("%d", opts.Deadline.Milliseconds()))
			}
			return args
		},
		parse:  parseGeneric,
		limits: defaultLimits,
	}
}

// NewCertoraLite wraps the curated DeFi rule packs of the Certora-lite
// checker (layer 8). Domain rules target protocol-specific invariants
// (AMM pricing, oracle staleness, access roles) rather than generic bugs.
func NewCertoraLite() adapter.Adapter {
	return &execTool{
		meta: adapter.Tool{
			ID:       "certora-lite",
			Name:     "Certora-lite DeFi rule packs",
			Layer:    adapter.LayerDomain,
			Category: adapter.CategoryDomain,
			Optional: true,
			License:  "Proprietary",
		},
		binary: "certora-lite",
		args: func(target string, opts adapter.Options) []string {
			args := []string{"check", target, "--json"}
			if pack := opts.Extra["rule_pack"]; pack != "" {
				args = append(args, "--pack", pack)
			}
			return args
		},
		parse:  parseGeneric,
		limits: defaultLimits,
	}
}
