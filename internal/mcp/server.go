package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"wandbctl/internal/preflight"
	"wandbctl/internal/store"
)

// JSON-RPC 2.0 over POST /mcp: initialize, tools/list and tools/call.
// Tools answer from the local mirror only and never reach W&B.

type ServerOptions struct {
	Mirror           store.Mirror
	Logger           *zap.Logger
	ThresholdMinutes int
	Preflight        preflight.Options
	Version          string
	// Now defaults to time.Now.
	Now func() time.Time
}

type Server struct {
	mirror    store.Mirror
	log       *zap.Logger
	threshold int
	preflight preflight.Options
	version   string
	now       func() time.Time
	tools     []Tool
	methods   map[string]rpcMethod
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	call toolFunc
}

const scopeProps = `"entity":{"type":"string"},"project":{"type":"string"}`

func schema(props string) json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{` + scopeProps + props + `}}`)
}

func NewServer(opts ServerOptions) *Server {
	s := &Server{
		mirror:    opts.Mirror,
		log:       opts.Logger,
		threshold: opts.ThresholdMinutes,
		preflight: opts.Preflight,
		version:   opts.Version,
		now:       opts.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.version == "" {
		s.version = "dev"
	}
	s.tools = []Tool{
		{"runs.usage", "Usage totals for cached runs (counts, runtime, GPU-hours).",
			schema(`,"last":{"type":"string"}`), s.usage},
		{"runs.zombies", "Classify cached running runs that look stalled.",
			schema(`,"threshold_minutes":{"type":"integer"}`), s.zombies},
		{"runs.duplicates", "Groups of cached runs sharing one config fingerprint.",
			schema(`,"min_count":{"type":"integer"}`), s.duplicates},
		{"config.preflight", "Validate a training config and check it against run history.",
			schema(`,"config_yaml":{"type":"string"},"config_json":{"type":"string"}`), s.preflightCheck},
	}
	s.methods = map[string]rpcMethod{
		"initialize": s.initialize,
		"tools/list": s.listTools,
		"tools/call": s.toolsCall,
	}
	return s
}

type rpcReq struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      any     `json:"id"`
	Result  any     `json:"result,omitempty"`
	Error   *rpcErr `json:"error,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes.
const (
	codeParse          = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolFailed     = -32000
)

type rpcMethod func(ctx context.Context, params json.RawMessage) (any, *rpcErr)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req rpcReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, rpcResp{JSONRPC: "2.0", Error: &rpcErr{Code: codeParse, Message: "invalid JSON"}})
		return
	}

	resp := rpcResp{JSONRPC: "2.0", ID: req.ID}
	if m, ok := s.methods[req.Method]; ok {
		resp.Result, resp.Error = m(r.Context(), req.Params)
	} else {
		resp.Error = &rpcErr{Code: codeMethodNotFound, Message: "method not found"}
	}
	writeJSON(w, resp)
}

func (s *Server) initialize(context.Context, json.RawMessage) (any, *rpcErr) {
	return map[string]any{
		"server":       map[string]any{"name": "wandbctl", "version": s.version},
		"capabilities": map[string]any{"tools": true},
		"time":         s.now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Server) listTools(context.Context, json.RawMessage) (any, *rpcErr) {
	return map[string]any{"tools": s.tools}, nil
}

func (s *Server) toolsCall(ctx context.Context, params json.RawMessage) (any, *rpcErr) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, &rpcErr{Code: codeInvalidParams, Message: "invalid params"}
	}
	res, err := s.callTool(ctx, p.Name, p.Arguments)
	if err != nil {
		s.log.Warn("tool call failed", zap.String("tool", p.Name), zap.Error(err))
		return nil, &rpcErr{Code: codeToolFailed, Message: err.Error()}
	}
	return res, nil
}

// Handler mounts the server at /mcp next to a /healthz probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/mcp", s)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
