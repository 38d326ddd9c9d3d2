// Package server exposes the audit coordinator over JSON-RPC 2.0 (HTTP
// POST and stdio) with a REST mirror and an SSE event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"miesc/internal/adapter"
	"miesc/internal/audit"
	"miesc/internal/bus"
	"miesc/internal/policy"
	"miesc/internal/registry"
	"miesc/internal/scheduler"
	"miesc/internal/store"
)

// Version is stamped into capabilities responses.
const Version = "1.0.0"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeNotFound       = -32001
	codeOverloaded     = -32002
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func okResponse(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errResponse(id json.RawMessage, code int, msg string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

// Handler dispatches JSON-RPC methods to the coordinator. The same handler
// backs the HTTP POST endpoint and the stdio loop.
type Handler struct {
	coord   *audit.Coordinator
	reg     *registry.Registry
	bus     *bus.Bus
	archive *store.Archive // nil disables archive-backed methods
	policy  *policy.Agent
	logger  *zap.Logger
	started time.Time

	// Estimates are surfaced verbatim by get_metrics.
	Estimates Estimates
}

// Estimates are the operator-configured detection-quality figures. The
// orchestrator does not measure precision or recall itself.
type Estimates struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
}

// NewHandler wires the dispatcher. archive may be nil.
func NewHandler(coord *audit.Coordinator, reg *registry.Registry, b *bus.Bus, archive *store.Archive, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		coord: coord, reg: reg, bus: b, archive: archive,
		policy: policy.NewAgent(logger),
		logger: logger, started: time.Now(),
	}
}

// TargetParam identifies the contract to audit.
type TargetParam struct {
	Path   string `json:"path,omitempty"`
	Name   string `json:"name,omitempty"`
	Source string `json:"source,omitempty"`
}

// OptionsParam mirrors audit.Options with wire-friendly second counts.
type OptionsParam struct {
	Tools               []string          `json:"tools,omitempty"`
	Disable             []string          `json:"disable,omitempty"`
	Layers              []int             `json:"layers,omitempty"`
	PerToolDeadlineS    int               `json:"per_tool_deadline_s,omitempty"`
	PerToolDeadlinesS   map[string]int    `json:"per_tool_deadlines_s,omitempty"`
	GlobalDeadlineS     int               `json:"global_deadline_s,omitempty"`
	MaxParallelPerLayer int               `json:"max_parallel_per_layer,omitempty"`
	CrossLayerMode      string            `json:"cross_layer_mode,omitempty"`
	Extra               map[string]string `json:"extra,omitempty"`
}

func (p OptionsParam) toOptions() audit.Options {
	opts := audit.Options{
		Tools:               p.Tools,
		Disable:             p.Disable,
		Layers:              p.Layers,
		PerToolDeadline:     time.Duration(p.PerToolDeadlineS) * time.Second,
		GlobalDeadline:      time.Duration(p.GlobalDeadlineS) * time.Second,
		MaxParallelPerLayer: p.MaxParallelPerLayer,
		CrossLayerMode:      scheduler.Mode(p.CrossLayerMode),
		Extra:               p.Extra,
	}
	if len(p.PerToolDeadlinesS) > 0 {
		opts.PerToolDeadlines = make(map[string]time.Duration, len(p.PerToolDeadlinesS))
		for id, s := range p.PerToolDeadlinesS {
			opts.PerToolDeadlines[id] = time.Duration(s) * time.Second
		}
	}
	return opts
}

// RunAuditParams is the run_audit request payload.
type RunAuditParams struct {
	Target  TargetParam  `json:"target"`
	Profile string       `json:"profile"`
	Options OptionsParam `json:"options"`
}

type auditIDParams struct {
	AuditID string `json:"audit_id"`
	Partial bool   `json:"partial,omitempty"`
}

type listParams struct {
	Limit int `json:"limit,omitempty"`
}

// Dispatch handles one JSON-RPC request.
func (h *Handler) Dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errResponse(req.ID, codeInvalidRequest, "invalid JSON-RPC request")
	}

	switch req.Method {
	case "capabilities":
		return okResponse(req.ID, h.capabilities(ctx))
	case "status":
		return okResponse(req.ID, h.health())
	case "get_metrics":
		return okResponse(req.ID, h.metricsSnapshot())
	case "run_audit":
		return h.runAudit(ctx, req)
	case "get_audit":
		return h.getAudit(ctx, req)
	case "cancel_audit":
		return h.cancelAudit(req)
	case "policy_audit":
		return h.policyAudit(ctx, req)
	case "list_audits":
		return h.listAudits(ctx, req)
	default:
		return errResponse(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

// Capabilities describes the server's tool inventory and profiles.
type Capabilities struct {
	Name     string         `json:"name"`
	Version  string         `json:"version"`
	Profiles []string       `json:"profiles"`
	Tools    []adapter.Tool `json:"tools"`
	Layers   map[int]int    `json:"tools_per_layer"`
}

func (h *Handler) capabilities(context.Context) Capabilities {
	tools := h.reg.Tools()
	perLayer := make(map[int]int)
	for _, t := range tools {
		perLayer[t.Layer]++
	}
	return Capabilities{
		Name:     "miesc",
		Version:  Version,
		Profiles: []string{"quick", "standard", "full", "custom"},
		Tools:    tools,
		Layers:   perLayer,
	}
}

// Health is the status payload: coarse liveness for operators. The server
// is degraded when it has no analysis backends to offer.
type Health struct {
	State           string  `json:"state"`
	UptimeS         float64 `json:"uptime_s"`
	AuditsActive    int     `json:"audits_active"`
	AuditsCompleted int     `json:"audits_completed"`
}

func (h *Handler) health() Health {
	active, completed := h.coord.Counters()
	state := "healthy"
	if h.reg.Count() == 0 {
		state = "degraded"
	}
	return Health{
		State:           state,
		UptimeS:         h.coord.Uptime().Seconds(),
		AuditsActive:    active,
		AuditsCompleted: completed,
	}
}

// MetricsSnapshot is the get_metrics payload. Prometheus scrape data lives
// on /metrics; this is the lightweight RPC view.
type MetricsSnapshot struct {
	UptimeS         float64   `json:"uptime_s"`
	AuditsActive    int       `json:"audits_active"`
	AuditsCompleted int       `json:"audits_completed"`
	ToolsRegistered int       `json:"tools_registered"`
	Estimates       Estimates `json:"estimates"`
}

func (h *Handler) metricsSnapshot() MetricsSnapshot {
	active, completed := h.coord.Counters()
	return MetricsSnapshot{
		UptimeS:         h.coord.Uptime().Seconds(),
		AuditsActive:    active,
		AuditsCompleted: completed,
		ToolsRegistered: h.reg.Count(),
		Estimates:       h.Estimates,
	}
}

func (h *Handler) runAudit(ctx context.Context, req rpcRequest) rpcResponse {
	var params RunAuditParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, codeInvalidParams, "malformed run_audit params")
	}
	if params.Profile == "" {
		return errResponse(req.ID, codeInvalidParams, "profile is required")
	}

	target := adapter.ContractRef{
		Path:   params.Target.Path,
		Name:   params.Target.Name,
		Source: params.Target.Source,
	}

	id, err := h.coord.StartAudit(ctx, target, audit.Profile(params.Profile), params.Options.toOptions())
	if err != nil {
		if errors.Is(err, audit.ErrTooManyAudits) {
			return errResponse(req.ID, codeOverloaded, err.Error())
		}
		return errResponse(req.ID, codeInvalidParams, err.Error())
	}

	h.logger.Info("audit accepted",
		zap.String("audit_id", id), zap.String("profile", params.Profile))

	// run_audit is synchronous: the caller gets the finished report.
	// Progress along the way is available over the event stream, and a
	// disconnected caller can recover the result with get_audit.
	report, err := h.coord.GetReport(ctx, id, false)
	if err != nil {
		return errResponse(req.ID, codeServerError, err.Error())
	}
	return okResponse(req.ID, report)
}

func (h *Handler) cancelAudit(req rpcRequest) rpcResponse {
	var params auditIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AuditID == "" {
		return errResponse(req.ID, codeInvalidParams, "audit_id is required")
	}
	cancelled, err := h.coord.Cancel(params.AuditID)
	if errors.Is(err, audit.ErrUnknownAudit) {
		return errResponse(req.ID, codeNotFound, err.Error())
	}
	if err != nil {
		return errResponse(req.ID, codeServerError, err.Error())
	}
	return okResponse(req.ID, map[string]bool{"cancelled": cancelled})
}

func (h *Handler) getAudit(ctx context.Context, req rpcRequest) rpcResponse {
	var params auditIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AuditID == "" {
		return errResponse(req.ID, codeInvalidParams, "audit_id is required")
	}

	report, err := h.coord.GetReport(ctx, params.AuditID, params.Partial)
	if errors.Is(err, audit.ErrUnknownAudit) && h.archive != nil {
		// Fall through to the archive for audits from previous runs.
		report, err = h.archive.LoadReport(ctx, params.AuditID)
		if errors.Is(err, store.ErrNotFound) {
			return errResponse(req.ID, codeNotFound, "unknown audit id")
		}
	}
	if errors.Is(err, audit.ErrUnknownAudit) {
		return errResponse(req.ID, codeNotFound, err.Error())
	}
	if err != nil {
		return errResponse(req.ID, codeServerError, err.Error())
	}
	return okResponse(req.ID, report)
}

type policyParams struct {
	RepoPath string `json:"repo_path"`
}

func (h *Handler) policyAudit(ctx context.Context, req rpcRequest) rpcResponse {
	var params policyParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.RepoPath == "" {
		return errResponse(req.ID, codeInvalidParams, "repo_path is required")
	}
	res, err := h.policy.Audit(ctx, params.RepoPath)
	if err != nil {
		return errResponse(req.ID, codeInvalidParams, err.Error())
	}
	return okResponse(req.ID, res)
}

func (h *Handler) listAudits(ctx context.Context, req rpcRequest) rpcResponse {
	var params listParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.ID, codeInvalidParams, "malformed list_audits params")
		}
	}
	if h.archive == nil {
		return okResponse(req.ID, []store.AuditRecord{})
	}
	recs, err := h.archive.ListAudits(ctx, params.Limit)
	if err != nil {
		return errResponse(req.ID, codeServerError, err.Error())
	}
	if recs == nil {
		recs = []store.AuditRecord{}
	}
	return okResponse(req.ID, recs)
}
