// ABOUTME: Tests for the MCP HTTP server including sessions, tool listing and execution.
// ABOUTME: Validates token scoping, error mapping and JSON-RPC edge cases.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/tools"
)

type fakeToolbox struct {
	mu        sync.Mutex
	lastArgs  map[string]any
	requestID string
}

func (f *fakeToolbox) Definitions() []tools.Definition {
	return []tools.Definition{
		{Name: "beamlit_math", Description: "Evaluate math", Parameters: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)},
		{Name: "beamlit_search", Description: "Search the web", Parameters: json.RawMessage(`{"type":"object"}`)},
	}
}

func (f *fakeToolbox) Invoke(ctx context.Context, id string, args map[string]any) (tools.Result, map[string]any, error) {
	f.mu.Lock()
	f.lastArgs = args
	f.requestID = tools.RequestIDFromContext(ctx)
	f.mu.Unlock()

	switch id {
	case "beamlit_math":
		if _, ok := args["query"]; !ok {
			return tools.Result{}, map[string]any{}, fmt.Errorf("%w: missing required parameter query", tools.ErrValidation)
		}
		return tools.Result{Raw: json.RawMessage(`{"answer":4}`)}, nil, nil
	case "beamlit_search":
		return tools.Result{}, nil, &tools.InvocationError{Tool: id, Status: 502, Body: "bad gateway"}
	default:
		return tools.Result{}, map[string]any{}, fmt.Errorf("%w: %s", tools.ErrUnknownTool, id)
	}
}

func newTestServer(t *testing.T, tokens ...config.MCPTokenConfig) (*Server, *fakeToolbox, *http.ServeMux) {
	t.Helper()
	box := &fakeToolbox{}
	server, err := NewServer(Config{
		Tools:  box,
		Tokens: NewTokenStore(tokens),
		Logger: slog.Default(),
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return server, box, mux
}

func rpc(t *testing.T, mux *http.ServeMux, path, sessionID, method string, params any) (*httptest.ResponseRecorder, JSONRPCResponse) {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	data, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	var resp JSONRPCResponse
	if rr.Code == http.StatusOK {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return rr, resp
}

func initialize(t *testing.T, mux *http.ServeMux, path string) string {
	t.Helper()
	rr, resp := rpc(t, mux, path, "", "initialize", map[string]any{"protocolVersion": latestProtocolVersion})
	if resp.Error != nil {
		t.Fatalf("initialize failed: %s", resp.Error.Message)
	}
	sessionID := rr.Header().Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("initialize did not return a session id")
	}
	return sessionID
}

func decodeResult(t *testing.T, resp JSONRPCResponse, v any) {
	t.Helper()
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to re-encode result: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
}

func TestInitialize(t *testing.T) {
	t.Run("creates a session when no tokens are configured", func(t *testing.T) {
		server, _, mux := newTestServer(t)
		initialize(t, mux, "/mcp")
		if server.Sessions() != 1 {
			t.Errorf("expected 1 session, got %d", server.Sessions())
		}
	})

	t.Run("requires a token when tokens are configured", func(t *testing.T) {
		_, _, mux := newTestServer(t, config.MCPTokenConfig{Token: "secret"})
		_, resp := rpc(t, mux, "/mcp", "", "initialize", nil)
		if resp.Error == nil || resp.Error.Message != errAuthRequired.Error() {
			t.Errorf("expected authentication error, got %+v", resp.Error)
		}
	})

	t.Run("rejects an unknown token", func(t *testing.T) {
		_, _, mux := newTestServer(t, config.MCPTokenConfig{Token: "secret"})
		_, resp := rpc(t, mux, "/mcp/wrong", "", "initialize", nil)
		if resp.Error == nil || resp.Error.Message != errInvalidToken.Error() {
			t.Errorf("expected invalid token error, got %+v", resp.Error)
		}
	})

	t.Run("accepts a path token", func(t *testing.T) {
		_, _, mux := newTestServer(t, config.MCPTokenConfig{Token: "secret"})
		initialize(t, mux, "/mcp/secret")
	})
}

func TestSessionRequired(t *testing.T) {
	_, _, mux := newTestServer(t)

	rr, _ := rpc(t, mux, "/mcp", "", "tools/list", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d without session, got %d", http.StatusBadRequest, rr.Code)
	}

	rr, _ = rpc(t, mux, "/mcp", "no-such-session", "tools/list", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status %d for unknown session, got %d", http.StatusNotFound, rr.Code)
	}
}

func TestToolsList(t *testing.T) {
	t.Run("lists every tool without token scoping", func(t *testing.T) {
		_, _, mux := newTestServer(t)
		sessionID := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", sessionID, "tools/list", nil)
		var result ListToolsResult
		decodeResult(t, resp, &result)
		if len(result.Tools) != 2 {
			t.Fatalf("expected 2 tools, got %d", len(result.Tools))
		}
		if result.Tools[0].Name != "beamlit_math" {
			t.Errorf("expected beamlit_math first, got %s", result.Tools[0].Name)
		}
		if len(result.Tools[0].InputSchema) == 0 {
			t.Error("expected input schema to be set")
		}
	})

	t.Run("filters by token allow-list", func(t *testing.T) {
		_, _, mux := newTestServer(t, config.MCPTokenConfig{Token: "scoped", Tools: []string{"beamlit_search"}})
		sessionID := initialize(t, mux, "/mcp?token=scoped")

		_, resp := rpc(t, mux, "/mcp", sessionID, "tools/list", nil)
		var result ListToolsResult
		decodeResult(t, resp, &result)
		if len(result.Tools) != 1 || result.Tools[0].Name != "beamlit_search" {
			t.Errorf("expected only beamlit_search, got %+v", result.Tools)
		}
	})
}

func TestToolsCall(t *testing.T) {
	t.Run("returns tool output as text", func(t *testing.T) {
		_, box, mux := newTestServer(t)
		sessionID := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", sessionID, "tools/call", map[string]any{
			"name":      "beamlit_math",
			"arguments": map[string]any{"query": "2+2"},
		})
		var result CallToolResult
		decodeResult(t, resp, &result)
		if result.IsError {
			t.Fatalf("unexpected error result: %+v", result)
		}
		if result.Content[0].Text != `{"answer":4}` {
			t.Errorf("unexpected content: %s", result.Content[0].Text)
		}
		if box.lastArgs["query"] != "2+2" {
			t.Errorf("arguments not passed through: %v", box.lastArgs)
		}
		if box.requestID == "" {
			t.Error("expected a request id on the invocation context")
		}
	})

	t.Run("validation failure is an error result", func(t *testing.T) {
		_, _, mux := newTestServer(t)
		sessionID := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", sessionID, "tools/call", map[string]any{"name": "beamlit_math"})
		var result CallToolResult
		decodeResult(t, resp, &result)
		if !result.IsError {
			t.Error("expected isError for missing argument")
		}
	})

	t.Run("upstream failure is an error result", func(t *testing.T) {
		_, _, mux := newTestServer(t)
		sessionID := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", sessionID, "tools/call", map[string]any{"name": "beamlit_search"})
		var result CallToolResult
		decodeResult(t, resp, &result)
		if !result.IsError || result.Content[0].Text != "failed to run tool beamlit_search, 502::bad gateway" {
			t.Errorf("unexpected result: %+v", result)
		}
	})

	t.Run("unknown tool is a JSON-RPC error", func(t *testing.T) {
		_, _, mux := newTestServer(t)
		sessionID := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", sessionID, "tools/call", map[string]any{"name": "nope"})
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
			t.Errorf("expected invalid params error, got %+v", resp.Error)
		}
	})

	t.Run("tool outside the token scope is refused", func(t *testing.T) {
		_, box, mux := newTestServer(t, config.MCPTokenConfig{Token: "scoped", Tools: []string{"beamlit_search"}})
		sessionID := initialize(t, mux, "/mcp/scoped")

		_, resp := rpc(t, mux, "/mcp", sessionID, "tools/call", map[string]any{"name": "beamlit_math"})
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidRequest {
			t.Errorf("expected invalid request error, got %+v", resp.Error)
		}
		if box.lastArgs != nil {
			t.Error("tool should not have been invoked")
		}
	})

	t.Run("missing tool name", func(t *testing.T) {
		_, _, mux := newTestServer(t)
		sessionID := initialize(t, mux, "/mcp")

		_, resp := rpc(t, mux, "/mcp", sessionID, "tools/call", map[string]any{})
		if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
			t.Errorf("expected invalid params error, got %+v", resp.Error)
		}
	})
}

func TestNotificationsAccepted(t *testing.T) {
	_, _, mux := newTestServer(t)
	sessionID := initialize(t, mux, "/mcp")

	data := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(data))
	req.Header.Set("Mcp-Session-Id", sessionID)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Errorf("expected status %d, got %d", http.StatusAccepted, rr.Code)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, _, mux := newTestServer(t)
	sessionID := initialize(t, mux, "/mcp")

	_, resp := rpc(t, mux, "/mcp", sessionID, "resources/list", nil)
	if resp.Error == nil || resp.Error.Code != JSONRPCMethodNotFound {
		t.Errorf("expected method not found, got %+v", resp.Error)
	}
}

func TestDeleteSession(t *testing.T) {
	t.Run("owner can delete", func(t *testing.T) {
		server, _, mux := newTestServer(t, config.MCPTokenConfig{Token: "secret"})
		sessionID := initialize(t, mux, "/mcp/secret")

		req := httptest.NewRequest(http.MethodDelete, "/mcp/secret", nil)
		req.Header.Set("Mcp-Session-Id", sessionID)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status %d, got %d", http.StatusNoContent, rr.Code)
		}
		if server.Sessions() != 0 {
			t.Errorf("expected session to be removed")
		}
	})

	t.Run("other token is forbidden", func(t *testing.T) {
		_, _, mux := newTestServer(t,
			config.MCPTokenConfig{Token: "secret"},
			config.MCPTokenConfig{Token: "other"},
		)
		sessionID := initialize(t, mux, "/mcp/secret")

		req := httptest.NewRequest(http.MethodDelete, "/mcp/other", nil)
		req.Header.Set("Mcp-Session-Id", sessionID)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status %d, got %d", http.StatusForbidden, rr.Code)
		}
	})
}

func TestMethodNotAllowed(t *testing.T) {
	_, _, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/mcp", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestTokenStore(t *testing.T) {
	store := NewTokenStore([]config.MCPTokenConfig{
		{Token: "all"},
		{Token: "some", Tools: []string{"a"}},
	})

	if allowed, ok := store.Lookup("all"); !ok || allowed != nil {
		t.Errorf("expected unrestricted token, got %v %v", allowed, ok)
	}
	if allowed, ok := store.Lookup("some"); !ok || len(allowed) != 1 || allowed[0] != "a" {
		t.Errorf("expected scoped token, got %v %v", allowed, ok)
	}
	if _, ok := store.Lookup("missing"); ok {
		t.Error("expected missing token to be unknown")
	}

	store.Revoke("some")
	if store.Len() != 1 {
		t.Errorf("expected 1 token after revoke, got %d", store.Len())
	}
}
