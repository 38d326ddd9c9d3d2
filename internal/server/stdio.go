package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"
)

// StdioServer speaks line-delimited JSON-RPC 2.0 over a reader/writer
// pair, normally stdin/stdout. One request per line, one response per
// line, in order.
type StdioServer struct {
	handler *Handler
	logger  *zap.Logger

	mu  sync.Mutex // serializes writes
	out *json.Encoder
}

// NewStdioServer wires the dispatcher to a stream pair.
func NewStdioServer(h *Handler, out io.Writer, logger *zap.Logger) *StdioServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioServer{
		handler: h,
		logger:  logger,
		out:     json.NewEncoder(out),
	}
}

// Serve reads requests until EOF or ctx cancellation. Malformed lines get
// a parse-error response; the loop itself never aborts on bad input.
func (s *StdioServer) Serve(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 32<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(errResponse(nil, codeParseError, "malformed JSON"))
			continue
		}
		s.write(s.handler.Dispatch(ctx, req))
	}
	return scanner.Err()
}

func (s *StdioServer) write(resp rpcResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.out.Encode(resp); err != nil {
		s.logger.Error("stdio write failed", zap.Error(err))
	}
}
