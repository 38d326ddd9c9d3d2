package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HTTPServer serves the REST mirror, the JSON-RPC POST endpoint, the SSE
// event stream, and the Prometheus scrape target.
type HTTPServer struct {
	handler      *Handler
	srv          *http.Server
	logger       *zap.Logger
	maxBodyBytes int64
	sseHeartbeat time.Duration
}

// HTTPOptions tunes the HTTP surface.
type HTTPOptions struct {
	Addr         string
	MaxBodyBytes int64
	SSEHeartbeat time.Duration
}

// NewHTTPServer builds the server; call ListenAndServe to start it.
func NewHTTPServer(h *Handler, opts HTTPOptions, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 16 << 20
	}
	if opts.SSEHeartbeat <= 0 {
		opts.SSEHeartbeat = 15 * time.Second
	}

	s := &HTTPServer{
		handler:      h,
		logger:       logger,
		maxBodyBytes: opts.MaxBodyBytes,
		sseHeartbeat: opts.SSEHeartbeat,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)

	// REST mirror of the RPC methods.
	r.HandleFunc("/mcp/capabilities", s.handleCapabilities).Methods(http.MethodGet)
	r.HandleFunc("/mcp/status", s.handleServerStatus).Methods(http.MethodGet)
	r.HandleFunc("/mcp/get_metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/mcp/run_audit", s.handleRunAudit).Methods(http.MethodPost)
	r.HandleFunc("/mcp/cancel_audit", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/mcp/policy_audit", s.handlePolicyAudit).Methods(http.MethodPost)
	r.HandleFunc("/mcp/audits", s.handleListAudits).Methods(http.MethodGet)
	r.HandleFunc("/mcp/audits/{audit_id}", s.handleGetAudit).Methods(http.MethodGet)
	r.HandleFunc("/mcp/events/{audit_id}", s.handleEvents).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server exits.
func (s *HTTPServer) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Connection-level failure; nothing left to do.
		_ = err
	}
}

// httpStatusFor maps JSON-RPC error codes onto REST status codes.
func httpStatusFor(code int) int {
	switch code {
	case codeInvalidParams, codeInvalidRequest, codeParseError:
		return http.StatusBadRequest
	case codeNotFound:
		return http.StatusNotFound
	case codeOverloaded:
		return http.StatusTooManyRequests
	case codeMethodNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeResult(w http.ResponseWriter, resp rpcResponse) {
	if resp.Error != nil {
		writeJSON(w, httpStatusFor(resp.Error.Code), map[string]string{"error": resp.Error.Message})
		return
	}
	writeJSON(w, http.StatusOK, resp.Result)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse(nil, codeParseError, "malformed JSON"))
		return
	}
	resp := s.handler.Dispatch(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.handler.capabilities(r.Context()))
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.handler.metricsSnapshot())
}

func (s *HTTPServer) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var params RunAuditParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	raw, _ := json.Marshal(params)
	resp := s.handler.Dispatch(r.Context(), rpcRequest{
		JSONRPC: "2.0", Method: "run_audit", Params: raw,
	})
	s.writeResult(w, resp)
}

func (s *HTTPServer) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	resp := s.handler.Dispatch(r.Context(), rpcRequest{JSONRPC: "2.0", Method: "status"})
	s.writeResult(w, resp)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var params auditIDParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	raw, _ := json.Marshal(params)
	resp := s.handler.Dispatch(r.Context(), rpcRequest{
		JSONRPC: "2.0", Method: "cancel_audit", Params: raw,
	})
	s.writeResult(w, resp)
}

func (s *HTTPServer) handlePolicyAudit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var params policyParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	raw, _ := json.Marshal(params)
	resp := s.handler.Dispatch(r.Context(), rpcRequest{
		JSONRPC: "2.0", Method: "policy_audit", Params: raw,
	})
	s.writeResult(w, resp)
}

func (s *HTTPServer) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["audit_id"]
	partial := r.URL.Query().Get("partial") == "true"
	raw, _ := json.Marshal(auditIDParams{AuditID: id, Partial: partial})
	resp := s.handler.Dispatch(r.Context(), rpcRequest{
		JSONRPC: "2.0", Method: "get_audit", Params: raw,
	})
	s.writeResult(w, resp)
}

func (s *HTTPServer) handleListAudits(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	raw, _ := json.Marshal(listParams{Limit: limit})
	resp := s.handler.Dispatch(r.Context(), rpcRequest{
		JSONRPC: "2.0", Method: "list_audits", Params: raw,
	})
	s.writeResult(w, resp)
}
