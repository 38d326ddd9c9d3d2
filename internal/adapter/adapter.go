// Package adapter defines the capability protocol every analyzer wrapper
// must satisfy, plus the runner that invokes one adapter on one contract
// under a bounded time budget.
//
// An adapter wraps exactly one external security tool. The core never
// inspects tool output itself; it only sees the adapter's normalized
// findings.
package adapter

import (
	"context"
	"time"

	"miesc/internal/finding"
)

// Category classifies a tool by analysis technique.
type Category string

const (
	CategoryStatic   Category = "static"
	CategoryDynamic  Category = "dynamic"
	CategorySymbolic Category = "symbolic"
	CategoryFormal   Category = "formal"
	CategoryProperty Category = "property"
	CategoryAI       Category = "ai"
	CategoryML       Category = "ml"
	CategoryDomain   Category = "domain-specific"
	CategoryEnsemble Category = "ensemble"
)

// Defense layers. The scheduler executes layers as waves in this order.
const (
	LayerStatic   = 1
	LayerDynamic  = 2
	LayerSymbolic = 3
	LayerFormal   = 4
	LayerProperty = 5
	LayerAI       = 6
	LayerML       = 7
	LayerDomain   = 8
	LayerEnsemble = 9

	MinLayer = LayerStatic
	MaxLayer = LayerEnsemble
)

// Availability is the result of an adapter's readiness probe.
type Availability string

const (
	Available          Availability = "AVAILABLE"
	NotInstalled       Availability = "NOT_INSTALLED"
	Misconfigured      Availability = "MISCONFIGURED"
	ExternalDown       Availability = "EXTERNAL_DOWN"
	RequiresCredential Availability = "REQUIRES_CREDENTIAL"
)

// Tool is an adapter's static metadata. It must be stable across calls.
type Tool struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Layer    int      `json:"layer"`
	Category Category `json:"category"`

	// Optional is true for every built-in tool; no tool is a hard
	// dependency of an audit. Registering a non-optional tool raises a
	// governance warning, not an error.
	Optional bool `json:"optional"`

	Version string `json:"version,omitempty"`
	License string `json:"license,omitempty"`
	Author  string `json:"author,omitempty"`

	// NonReentrant marks adapters that cannot run two analyses
	// concurrently on the same instance. Default is reentrant.
	NonReentrant bool `json:"non_reentrant,omitempty"`

	// Retryable marks adapters whose Analyze is idempotent and may be
	// retried once after a transient failure.
	Retryable bool `json:"retryable,omitempty"`
}

// ContractRef identifies the analysis target: an on-disk path or a logical
// name with inline source.
type ContractRef struct {
	Path   string `json:"path,omitempty"`
	Name   string `json:"name,omitempty"`
	Source string `json:"source,omitempty"`
}

// Inline reports whether the target carries its source in the reference.
func (c ContractRef) Inline() bool { return c.Source != "" }

// DisplayName returns the best human-readable identifier for the target.
func (c ContractRef) DisplayName() string {
	if c.Path != "" {
		return c.Path
	}
	if c.Name != "" {
		return c.Name
	}
	return "<inline>"
}

// Options carries per-invocation settings from the runner to the adapter.
type Options struct {
	// Workspace is an isolated scratch directory. Adapters must not
	// write outside it.
	Workspace string

	// Deadline is the wall-clock cap for this invocation; the context
	// passed to Analyze is cancelled when it elapses.
	Deadline time.Duration

	// Extra carries tool-specific key/value settings from configuration.
	Extra map[string]string
}

// RawOutput is the tool-native result of one Analyze call, opaque to the
// core until the adapter's Normalize step.
type RawOutput struct {
	Tool    string `json:"tool"`
	Data    []byte `json:"data,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

// Adapter is the capability set every analyzer wrapper implements.
//
// Metadata is pure. Availability must return within ~2s and never
// panics. Analyze may run for minutes and must honor ctx cancellation.
// Normalize is a pure, deterministic transformation that tolerates
// partial output.
type Adapter interface {
	Metadata() Tool
	Availability(ctx context.Context) Availability
	Analyze(ctx context.Context, ref ContractRef, opts Options) (RawOutput, error)
	Normalize(raw RawOutput) ([]finding.RawFinding, error)
}

// Streamer is optionally implemented by adapters that can emit findings
// incrementally while Analyze is still running. Streamed findings survive a
// per-tool timeout and drive the pipelined cross-layer mode.
type Streamer interface {
	AnalyzeStream(ctx context.Context, ref ContractRef, opts Options, emit func(finding.RawFinding)) (RawOutput, error)
}
