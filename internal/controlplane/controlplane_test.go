// ABOUTME: Tests for the control-plane client and descriptor resolution
// ABOUTME: Runs against an httptest server that mimics the platform API

package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlit/agent-runtime/internal/auth"
	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/descriptor"
	"github.com/beamlit/agent-runtime/internal/history"
	"github.com/beamlit/agent-runtime/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const functionListing = `[
	{"name": "math", "workspace": "acme", "deployments": [
		{"environment": "development", "description": "dev math"},
		{"environment": "production", "description": "Evaluate arithmetic", "parameters": [{"name": "query", "required": true}]}
	]},
	{"name": "search", "deployments": [{"environment": "development", "description": "dev only"}]},
	{"name": "github", "description": "flat entry", "kit": [{"name": "list_branches", "parameters": [{"name": "repository"}]}]}
]`

const agentListing = `[
	{"name": "reviewer", "workspace": "acme", "deployments": [{"environment": "production", "description": "Reviews code"}]},
	{"name": "writer", "deployments": [{"environment": "production", "description": "Writes docs"}]}
]`

const deploymentConfig = `{
	"functions": [{"function": "weather", "parameters": [{"name": "city"}]}],
	"agent_chain": [
		{"name": "reviewer", "description": "Ask me to review"},
		{"name": "disabled-one", "enabled": false}
	]
}`

type recorded struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

type fakePlatform struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recorded
	status   int
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	fp := &fakePlatform{status: http.StatusOK}
	fp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fp.mu.Lock()
		fp.requests = append(fp.requests, recorded{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header.Clone(), Body: body})
		status := fp.status
		fp.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("control plane down"))
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/functions":
			_, _ = w.Write([]byte(functionListing))
		case r.Method == http.MethodGet && r.URL.Path == "/agents":
			_, _ = w.Write([]byte(agentListing))
		case r.Method == http.MethodGet && r.URL.Path == "/agents/assistant/deployments/production":
			_, _ = w.Write([]byte(deploymentConfig))
		case r.Method == http.MethodPut:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fp.Close)
	return fp
}

func (fp *fakePlatform) last() recorded {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.requests[len(fp.requests)-1]
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	a, err := auth.New(auth.Settings{
		Workspace:   "acme",
		Environment: "production",
		BaseURL:     baseURL,
		RunURL:      "http://run.invalid",
		APIKey:      "key-123",
	}, nil, testLogger())
	require.NoError(t, err)
	return NewClient(a, "assistant", nil, nil, testLogger())
}

func testConfig() *config.Config {
	return &config.Config{Name: "assistant", Workspace: "acme", Environment: "production"}
}

func TestClient_AgentDeployment(t *testing.T) {
	fp := newFakePlatform(t)
	c := newTestClient(t, fp.URL)

	dep, err := c.AgentDeployment(context.Background())
	require.NoError(t, err)

	require.Len(t, dep.Functions, 1)
	assert.Equal(t, "weather", dep.Functions[0].Name)
	require.Len(t, dep.AgentChain, 2)

	req := fp.last()
	assert.Equal(t, "configuration=true", req.Query)
	assert.Equal(t, "key-123", req.Header.Get(auth.HeaderAPIKey))
	assert.Equal(t, "acme", req.Header.Get(auth.HeaderWorkspace))
	assert.Equal(t, "production", req.Header.Get(auth.HeaderEnvironment))
}

func TestClient_ListFunctionsPicksEnvironment(t *testing.T) {
	fp := newFakePlatform(t)
	c := newTestClient(t, fp.URL)

	fns, err := c.ListFunctions(context.Background())
	require.NoError(t, err)

	require.Len(t, fns, 2)
	assert.Equal(t, "math", fns[0].Name)
	assert.Equal(t, "Evaluate arithmetic", fns[0].Description)
	assert.Equal(t, "acme", fns[0].Workspace)
	require.Len(t, fns[0].Parameters, 1)
	assert.True(t, fns[0].Parameters[0].Required)

	assert.Equal(t, "github", fns[1].Name)
	assert.True(t, fns[1].IsKit())

	assert.Equal(t, "deployment=true", fp.last().Query)
}

func TestClient_ListAgents(t *testing.T) {
	fp := newFakePlatform(t)
	c := newTestClient(t, fp.URL)

	agents, err := c.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "reviewer", agents[0].Name)
	assert.Equal(t, "Reviews code", agents[0].Description)
}

func TestClient_PutHistory(t *testing.T) {
	fp := newFakePlatform(t)
	c := newTestClient(t, fp.URL)

	h := &history.History{RequestID: "req-1", Status: history.StatusSuccess, Start: time.Now(), Events: []history.Event{}}
	ctx := tools.WithRequestID(context.Background(), "req-1")
	require.NoError(t, c.PutHistory(ctx, h))

	req := fp.last()
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/agents/assistant/deployments/production/history/req-1", req.Path)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "req-1", req.Header.Get(tools.HeaderRequestID))

	var body map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "req-1", body["request_id"])
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, []any{}, body["events"])
}

func TestClient_APIError(t *testing.T) {
	fp := newFakePlatform(t)
	fp.status = http.StatusServiceUnavailable
	c := newTestClient(t, fp.URL)

	err := c.PutHistory(context.Background(), &history.History{RequestID: "req-1"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "control plane down")
}

func TestResolve_Inline(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.AgentFunctions = `[{"function": "math", "parameters": [{"name": "query", "required": true}]}]`
	cfg.Agent.AgentChain = `[{"name": "reviewer"}, {"name": "off", "enabled": false}]`
	cfg.Agent.ChainDescriptions = map[string]string{"reviewer": "Overridden"}

	// A nil source proves the control plane is never consulted.
	res, err := Resolve(context.Background(), cfg, nil, testLogger())
	require.NoError(t, err)

	assert.Equal(t, OriginInline, res.Origin)
	require.Len(t, res.Functions, 1)
	assert.Equal(t, "acme", res.Functions[0].Workspace)
	require.Len(t, res.Chains, 1)
	assert.Equal(t, "Overridden", res.Chains[0].Description)
	assert.Equal(t, "acme", res.Chains[0].Workspace)
}

func TestResolve_Deployment(t *testing.T) {
	fp := newFakePlatform(t)
	res, err := Resolve(context.Background(), testConfig(), newTestClient(t, fp.URL), testLogger())
	require.NoError(t, err)

	assert.Equal(t, OriginDeployment, res.Origin)
	require.Len(t, res.Functions, 1)
	assert.Equal(t, "weather", res.Functions[0].Name)
	require.Len(t, res.Chains, 1)
	assert.Equal(t, "reviewer", res.Chains[0].Name)
}

func TestResolve_AllowList(t *testing.T) {
	fp := newFakePlatform(t)
	cfg := testConfig()
	cfg.Agent.Functions = []string{"math", "writer"}

	res, err := Resolve(context.Background(), cfg, newTestClient(t, fp.URL), testLogger())
	require.NoError(t, err)

	assert.Equal(t, OriginListing, res.Origin)
	require.Len(t, res.Functions, 1)
	assert.Equal(t, "math", res.Functions[0].Name)

	require.Len(t, res.Chains, 2)
	assert.Equal(t, "reviewer", res.Chains[0].Name)
	// The chain entry's own description wins over the listing.
	assert.Equal(t, "Ask me to review", res.Chains[0].Description)
	assert.Equal(t, "writer", res.Chains[1].Name)
}

func TestResolve_AllowListMissing(t *testing.T) {
	fp := newFakePlatform(t)
	cfg := testConfig()
	cfg.Agent.Functions = []string{"math", "search"}

	_, err := Resolve(context.Background(), cfg, newTestClient(t, fp.URL), testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.ErrorIs(t, err, descriptor.ErrNotInListing)
	assert.Contains(t, err.Error(), "search")
}

func TestResolve_ControlPlaneDown(t *testing.T) {
	fp := newFakePlatform(t)
	fp.status = http.StatusInternalServerError

	_, err := Resolve(context.Background(), testConfig(), newTestClient(t, fp.URL), testLogger())
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestResolved_Empty(t *testing.T) {
	assert.True(t, (&Resolved{}).Empty())
	assert.False(t, (&Resolved{Chains: []descriptor.AgentDescriptor{{Name: "a"}}}).Empty())
}
