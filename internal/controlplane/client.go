// ABOUTME: HTTP client for the platform control-plane API
// ABOUTME: Deployment config, function and agent listings, and history upload

package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/beamlit/agent-runtime/internal/auth"
	"github.com/beamlit/agent-runtime/internal/descriptor"
	"github.com/beamlit/agent-runtime/internal/history"
	"github.com/beamlit/agent-runtime/internal/observability"
	"github.com/beamlit/agent-runtime/internal/tools"
)

// maxBodySize caps how much of a control-plane response is read.
const maxBodySize = 10 << 20

// APIError is a non-2xx response from the control plane.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d::%s", e.Method, e.Path, e.Status, e.Body)
}

// Deployment is the agent's deployment configuration.
type Deployment struct {
	Functions  []descriptor.FunctionDescriptor `json:"functions"`
	AgentChain []descriptor.AgentDescriptor    `json:"agent_chain"`
}

// Client calls the control plane on behalf of one agent deployment.
type Client struct {
	auth   *auth.Context
	agent  string
	http   *http.Client
	tracer *observability.Tracer
	logger *slog.Logger
}

// NewClient creates a client for the named agent. A nil httpClient uses the
// auth context's client.
func NewClient(a *auth.Context, agentName string, httpClient *http.Client, tracer *observability.Tracer, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = a.HTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		auth:   a,
		agent:  agentName,
		http:   httpClient,
		tracer: tracer,
		logger: logger.With("component", "controlplane"),
	}
}

// AgentDeployment fetches the deployment configuration of this agent.
func (c *Client) AgentDeployment(ctx context.Context) (*Deployment, error) {
	path := fmt.Sprintf("/agents/%s/deployments/%s", url.PathEscape(c.agent), url.PathEscape(c.auth.Environment()))
	var dep Deployment
	if err := c.do(ctx, http.MethodGet, path, url.Values{"configuration": {"true"}}, nil, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// listed is one entry of a listing. Entries carry per-environment deployments;
// an entry without deployments is taken as already flattened.
type listed struct {
	Name        string            `json:"name"`
	Workspace   string            `json:"workspace"`
	Deployments []json.RawMessage `json:"deployments"`
}

func (c *Client) flatten(kind string, entries []listed, raw []json.RawMessage) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(entries))
	for i, e := range entries {
		if len(e.Deployments) == 0 {
			out = append(out, raw[i])
			continue
		}
		var picked json.RawMessage
		for _, d := range e.Deployments {
			var env struct {
				Environment string `json:"environment"`
			}
			if err := json.Unmarshal(d, &env); err == nil && env.Environment == c.auth.Environment() {
				picked = d
				break
			}
		}
		if picked == nil {
			// Entries without a deployment here cannot be called from this environment.
			c.logger.Debug("skipping listed entry", "kind", kind, "name", e.Name, "environment", c.auth.Environment())
			continue
		}
		merged, err := mergeDeployment(e, picked)
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}
	return out, nil
}

// mergeDeployment overlays the entry's name and workspace onto the deployment object.
func mergeDeployment(e listed, dep json.RawMessage) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal(dep, &obj); err != nil {
		return nil, fmt.Errorf("%w: deployment of %s: %v", descriptor.ErrMalformed, e.Name, err)
	}
	obj["name"] = e.Name
	if _, ok := obj["workspace"]; !ok && e.Workspace != "" {
		obj["workspace"] = e.Workspace
	}
	return json.Marshal(obj)
}

func (c *Client) listing(ctx context.Context, kind, path string) ([]byte, error) {
	var raw []json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, url.Values{"deployment": {"true"}}, nil, &raw); err != nil {
		return nil, err
	}
	entries := make([]listed, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &entries[i]); err != nil {
			return nil, fmt.Errorf("%w: %s listing: %v", descriptor.ErrMalformed, kind, err)
		}
	}
	flat, err := c.flatten(kind, entries, raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(flat)
}

// ListFunctions returns the workspace's functions deployed in this environment.
func (c *Client) ListFunctions(ctx context.Context) ([]descriptor.FunctionDescriptor, error) {
	data, err := c.listing(ctx, "function", "/functions")
	if err != nil {
		return nil, err
	}
	return descriptor.ParseFunctions(data)
}

// ListAgents returns the workspace's agents deployed in this environment.
// Unlike ParseAgents, disabled flags are not applied here; they belong to chain entries.
func (c *Client) ListAgents(ctx context.Context) ([]descriptor.AgentDescriptor, error) {
	data, err := c.listing(ctx, "agent", "/agents")
	if err != nil {
		return nil, err
	}
	var agents []descriptor.AgentDescriptor
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, fmt.Errorf("%w: agent listing: %v", descriptor.ErrMalformed, err)
	}
	return agents, nil
}

// PutHistory uploads a finalized history. It satisfies history.Remote.
func (c *Client) PutHistory(ctx context.Context, h *history.History) error {
	path := fmt.Sprintf("/agents/%s/deployments/%s/history/%s",
		url.PathEscape(c.agent),
		url.PathEscape(c.auth.Environment()),
		url.PathEscape(h.RequestID),
	)
	return c.do(ctx, http.MethodPut, path, nil, h, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "controlplane."+method)
	defer func() { observability.End(span, err) }()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	u := c.auth.BaseURL() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if err := c.auth.Apply(req); err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if id := tools.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(tools.HeaderRequestID, id)
	}

	c.logger.Debug("→ control plane", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

var _ history.Remote = (*Client)(nil)
