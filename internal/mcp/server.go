// ABOUTME: MCP-compatible HTTP server exposing the generated tool table
// ABOUTME: Implements the Streamable HTTP transport with session management and scoped tokens

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beamlit/agent-runtime/internal/tools"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// ToolInfo is an MCP tool definition.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result for tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result for tools/call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one content item of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Toolbox is the tool table served over MCP.
type Toolbox interface {
	Definitions() []tools.Definition
	Invoke(ctx context.Context, id string, args map[string]any) (tools.Result, map[string]any, error)
}

type session struct {
	id              string
	protocolVersion string
	allowed         map[string]bool // nil means every tool
	ownerToken      string
	createdAt       time.Time
}

func (s *session) permits(tool string) bool {
	return s.allowed == nil || s.allowed[tool]
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (s *sessionStore) create(allowed []string, ownerToken string) *session {
	sess := &session{
		id:              uuid.New().String(),
		protocolVersion: latestProtocolVersion,
		ownerToken:      ownerToken,
		createdAt:       time.Now(),
	}
	if allowed != nil {
		sess.allowed = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			sess.allowed[name] = true
		}
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Config holds configuration for the MCP server.
type Config struct {
	Tools Toolbox
	// Tokens, when it holds at least one token, makes authentication mandatory.
	Tokens  *TokenStore
	Name    string
	Version string
	Logger  *slog.Logger
}

// Server implements MCP-compatible HTTP endpoints.
type Server struct {
	tools    Toolbox
	tokens   *TokenStore
	name     string
	version  string
	logger   *slog.Logger
	sessions *sessionStore
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Tools == nil {
		return nil, errors.New("tool table is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "agent-runtime"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{
		tools:    cfg.Tools,
		tokens:   cfg.Tokens,
		name:     cfg.Name,
		version:  cfg.Version,
		logger:   logger.With("component", "mcp"),
		sessions: newSessionStore(),
	}, nil
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
// Supports both /mcp (bare) and /mcp/<token> (token-in-path) access patterns.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/", s.handleMCP)
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int { return s.sessions.len() }

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// No server-initiated streams.
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. Only the token that created it may do so.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if sess.ownerToken != "" && extractToken(r) != sess.ownerToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendError(w, nil, JSONRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendError(w, nil, JSONRPCInvalidRequest, "request body too large")
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, JSONRPCParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	var sess *session
	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		var ok bool
		if sess, ok = s.sessions.get(sessionID); !ok {
			// Expired or unknown; the client must initialize again.
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
	)

	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "ping":
		s.sendResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req, sess)
	case "tools/call":
		s.handleToolsCall(w, r, req, sess)
	default:
		s.sendError(w, req.ID, JSONRPCMethodNotFound, "method not found")
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	allowed, err := s.authenticate(r)
	if err != nil {
		s.sendError(w, req.ID, JSONRPCInvalidRequest, err.Error())
		return
	}

	sess := s.sessions.create(allowed, extractToken(r))
	s.logger.Info("MCP session created", "session_id", sess.id, "protocol_version", sess.protocolVersion)

	w.Header().Set("Mcp-Session-Id", sess.id)
	s.sendResult(w, req.ID, map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": s.version,
		},
	})
}

func (s *Server) handleToolsList(w http.ResponseWriter, req JSONRPCRequest, sess *session) {
	defs := s.tools.Definitions()
	result := ListToolsResult{Tools: make([]ToolInfo, 0, len(defs))}
	for _, d := range defs {
		if !sess.permits(d.Name) {
			continue
		}
		result.Tools = append(result.Tools, ToolInfo{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Parameters,
		})
	}
	s.logger.Debug("tools/list", "count", len(result.Tools))
	s.sendResult(w, req.ID, result)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, sess *session) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, JSONRPCInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendError(w, req.ID, JSONRPCInvalidParams, "tool name is required")
		return
	}
	if !sess.permits(params.Name) {
		s.sendError(w, req.ID, JSONRPCInvalidRequest, "tool not permitted for this token")
		return
	}

	args := map[string]any{}
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			s.sendError(w, req.ID, JSONRPCInvalidParams, "arguments must be a JSON object")
			return
		}
	}

	requestID := uuid.New().String()
	ctx := tools.WithRequestID(r.Context(), requestID)
	s.logger.Debug("tools/call", "tool", params.Name, "request_id", requestID)

	res, _, err := s.tools.Invoke(ctx, params.Name, args)
	if err != nil {
		s.handleToolError(w, req.ID, params.Name, requestID, err)
		return
	}
	s.sendResult(w, req.ID, CallToolResult{Content: []Content{{Type: "text", Text: res.String()}}})
}

// handleToolError reports failures of the tool itself as error results so
// the calling model sees them; everything else becomes a JSON-RPC error.
func (s *Server) handleToolError(w http.ResponseWriter, id json.RawMessage, tool, requestID string, err error) {
	s.logger.Warn("tool execution failed", "tool", tool, "request_id", requestID, "error", err)

	var invErr *tools.InvocationError
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		s.sendError(w, id, JSONRPCInvalidParams, "tool not found")
	case errors.Is(err, tools.ErrValidation), errors.As(err, &invErr):
		s.sendResult(w, id, CallToolResult{Content: []Content{{Type: "text", Text: err.Error()}}, IsError: true})
	case errors.Is(err, context.DeadlineExceeded):
		s.sendError(w, id, JSONRPCInternalError, "tool execution timed out")
	case errors.Is(err, context.Canceled):
		s.sendError(w, id, JSONRPCInternalError, "request cancelled")
	default:
		s.sendError(w, id, JSONRPCInternalError, "tool execution failed")
	}
}

var (
	errAuthRequired = errors.New("authentication required")
	errInvalidToken = errors.New("invalid or expired token")
)

// authenticate returns the tool allow-list for the caller. Without a token
// store every caller gets every tool.
func (s *Server) authenticate(r *http.Request) ([]string, error) {
	if s.tokens == nil || s.tokens.Len() == 0 {
		return nil, nil
	}
	token := extractToken(r)
	if token == "" {
		return nil, errAuthRequired
	}
	allowed, ok := s.tokens.Lookup(token)
	if !ok {
		return nil, errInvalidToken
	}
	if allowed == nil {
		return nil, nil
	}
	return allowed, nil
}

// extractToken reads the caller token from the path, the query or a bearer header.
func extractToken(r *http.Request) string {
	if pathToken := strings.TrimPrefix(r.URL.Path, "/mcp/"); pathToken != "" && pathToken != r.URL.Path {
		return strings.TrimRight(pathToken, "/")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.send(w, JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.send(w, JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}})
}

func (s *Server) send(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
