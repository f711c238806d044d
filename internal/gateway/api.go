// ABOUTME: HTTP API handlers: the agent run entrypoint and history, tool and usage introspection
// ABOUTME: Maps configuration and validation failures to 4xx and everything else to 5xx

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/beamlit/agent-runtime/internal/agent"
	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/history"
	"github.com/beamlit/agent-runtime/internal/store"
	"github.com/beamlit/agent-runtime/internal/tools"
)

// maxRunBodySize bounds the run request body (1MB).
const maxRunBodySize = 1 << 20

// errNoTools is returned when the runtime has nothing to call.
var errNoTools = errors.New("No agent chain or functions configured")

// RunRequest is the JSON body of POST /. Inputs is an alias for Input.
type RunRequest struct {
	Input  string `json:"input"`
	Inputs string `json:"inputs,omitempty"`
}

// DebugStep is one agent loop step in a debug response.
type DebugStep struct {
	Type string       `json:"type"`
	Step history.Step `json:"step"`
}

// DebugResponse is the JSON body of POST /?debug=true.
type DebugResponse struct {
	RequestID  string           `json:"request_id"`
	Output     string           `json:"output"`
	Steps      []DebugStep      `json:"steps"`
	Messages   []agent.Message  `json:"messages"`
	Usage      agent.Usage      `json:"usage"`
	ModelCalls int              `json:"model_calls"`
	History    *history.History `json:"history,omitempty"`
}

// ToolResponse describes one adapter for GET /api/tools.
type ToolResponse struct {
	Name         string          `json:"name"`
	Kind         string          `json:"kind"`
	Description  string          `json:"description"`
	Endpoint     string          `json:"endpoint"`
	Target       string          `json:"target"`
	Operation    string          `json:"operation,omitempty"`
	ReturnDirect bool            `json:"return_direct,omitempty"`
	Parameters   json.RawMessage `json:"parameters"`
}

// HistorySummaryResponse is one row of GET /api/history.
type HistorySummaryResponse struct {
	RequestID  string  `json:"request_id"`
	Agent      string  `json:"agent"`
	Status     string  `json:"status"`
	Start      string  `json:"start"`
	End        *string `json:"end,omitempty"`
	EventCount int     `json:"event_count"`
}

// UsageResponse is the token usage of one request.
type UsageResponse struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	ModelCalls   int    `json:"model_calls"`
	CreatedAt    string `json:"created_at"`
}

// HistoryResponse is the body of GET /api/history/{id}.
type HistoryResponse struct {
	*history.History
	Usage []UsageResponse `json:"usage,omitempty"`
}

// UsageStatsResponse is the body of GET /api/usage.
type UsageStatsResponse struct {
	TotalInput   int64 `json:"total_input"`
	TotalOutput  int64 `json:"total_output"`
	TotalTokens  int64 `json:"total_tokens"`
	RequestCount int64 `json:"request_count"`
}

// handleRun handles POST / requests.
//
// Responsibilities:
//  1. Reject the call when no functions or chains are configured
//  2. Parse the input, accepting the inputs alias
//  3. Register a history for the correlation id
//  4. Run the agent loop, feeding every step to the correlator without waiting
//  5. Finalize the history, failed when the loop failed or the request was cancelled
//  6. Publish the history and record token usage in the background
//  7. Answer with plain text, or a JSON trace in debug mode
func (g *Gateway) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := tools.RequestIDFromContext(ctx)

	if g.tools.Len() == 0 {
		g.sendJSONError(w, http.StatusBadRequest, errNoTools.Error())
		return
	}

	input, err := parseRunRequest(io.LimitReader(r.Body, maxRunBodySize))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	debugMode := strings.EqualFold(r.URL.Query().Get("debug"), "true")

	if err := g.correlator.Begin(requestID); err != nil {
		if errors.Is(err, history.ErrDuplicateRequest) {
			g.sendJSONError(w, http.StatusConflict, "request id already in flight")
			return
		}
		g.sendRunError(w, err)
		return
	}

	var steps []DebugStep
	emit := func(s history.Step) {
		if debugMode {
			steps = append(steps, DebugStep{Type: s.Kind(), Step: s})
		}
		if err := g.correlator.Ingest(requestID, s); err != nil {
			g.logger.Warn("step not recorded", "request_id", requestID, "error", err)
		}
	}

	out, runErr := g.loop.Run(ctx, input, emit)
	cancelled := ctx.Err() != nil

	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	h, err := g.correlator.Finalize(finalizeCtx, requestID, history.Outcome{
		Cancelled: cancelled,
		Failed:    runErr != nil,
	})
	cancel()
	if err != nil {
		g.logger.Warn("history not finalized", "request_id", requestID, "error", err)
	}

	if h != nil && g.shouldPublish(debugMode) {
		g.publisher.PublishAsync(ctx, h)
	}
	g.recordUsage(ctx, requestID, out)

	if runErr != nil {
		g.logger.Error("agent run failed", "request_id", requestID, "cancelled", cancelled, "error", runErr)
		g.sendRunError(w, runErr)
		return
	}

	if debugMode {
		writeJSON(w, http.StatusOK, DebugResponse{
			RequestID:  requestID,
			Output:     out.Output,
			Steps:      steps,
			Messages:   out.Messages,
			Usage:      out.Usage,
			ModelCalls: out.ModelCalls,
			History:    h,
		})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, out.Output)
}

// parseRunRequest decodes the run body and normalizes inputs to input.
func parseRunRequest(r io.Reader) (string, error) {
	var req RunRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return "", errors.New("invalid JSON body")
	}
	if req.Inputs != "" {
		req.Input = req.Inputs
	}
	if strings.TrimSpace(req.Input) == "" {
		return "", errors.New("input is required")
	}
	return req.Input, nil
}

func (g *Gateway) shouldPublish(debugMode bool) bool {
	switch g.config.History.Publish {
	case config.PublishAlways:
		return true
	case config.PublishDebug:
		return debugMode
	default:
		return false
	}
}

// recordUsage writes the request's token usage to the ledger off the response path.
func (g *Gateway) recordUsage(ctx context.Context, requestID string, out *agent.Outcome) {
	if g.store == nil || out == nil || out.ModelCalls == 0 {
		return
	}
	usage := &store.TokenUsage{
		RequestID:    requestID,
		Agent:        g.config.Name,
		Provider:     g.model.Provider(),
		Model:        g.model.Name(),
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		ModelCalls:   out.ModelCalls,
	}
	base := context.WithoutCancel(ctx)
	g.background.Go(func() {
		ctx, cancel := context.WithTimeout(base, finalizeTimeout)
		defer cancel()
		if err := g.store.SaveUsage(ctx, usage); err != nil {
			g.logger.Warn("usage not recorded", "request_id", requestID, "error", err)
		}
	})
}

// sendRunError maps a run failure to a status and body. Dev mode adds the
// error text and a stack trace.
func (g *Gateway) sendRunError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": "Internal server error"}

	switch {
	case errors.Is(err, config.ErrConfiguration), errors.Is(err, tools.ErrValidation):
		status = http.StatusBadRequest
		body["error"] = err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		body["error"] = "request timed out"
	case errors.Is(err, context.Canceled):
		// 499 is not in net/http; the client is gone anyway.
		status = 499
		body["error"] = "request cancelled"
	}

	if g.config.RunMode == config.RunModeDev {
		body["detail"] = err.Error()
		body["traceback"] = string(debug.Stack())
	}
	writeJSON(w, status, body)
}

// handleListTools handles GET /api/tools.
func (g *Gateway) handleListTools(w http.ResponseWriter, _ *http.Request) {
	adapters := g.tools.Adapters()
	response := make([]ToolResponse, len(adapters))
	for i, a := range adapters {
		response[i] = ToolResponse{
			Name:         a.ID(),
			Kind:         string(a.Kind()),
			Description:  a.Description(),
			Endpoint:     a.EndpointPath(),
			Target:       a.Target(),
			Operation:    a.Operation(),
			ReturnDirect: a.ReturnDirect(),
			Parameters:   a.JSONSchema(),
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// handleListHistories handles GET /api/history?limit=N.
func (g *Gateway) handleListHistories(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotFound, "history ledger not configured")
		return
	}

	limit := store.DefaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	summaries, err := g.store.ListHistories(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list histories", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]HistorySummaryResponse, len(summaries))
	for i, s := range summaries {
		response[i] = HistorySummaryResponse{
			RequestID:  s.RequestID,
			Agent:      s.Agent,
			Status:     string(s.Status),
			Start:      s.Start.Format(time.RFC3339Nano),
			EventCount: s.EventCount,
		}
		if s.End != nil {
			end := s.End.Format(time.RFC3339Nano)
			response[i].End = &end
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// handleGetHistory handles GET /api/history/{id}.
func (g *Gateway) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotFound, "history ledger not configured")
		return
	}
	requestID := r.PathValue("id")

	h, err := g.store.GetHistory(r.Context(), requestID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "history not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get history", "request_id", requestID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := HistoryResponse{History: h}
	usage, err := g.store.GetRequestUsage(r.Context(), requestID)
	if err != nil {
		g.logger.Warn("failed to get request usage", "request_id", requestID, "error", err)
	}
	for _, u := range usage {
		response.Usage = append(response.Usage, UsageResponse{
			Provider:     u.Provider,
			Model:        u.Model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			ModelCalls:   u.ModelCalls,
			CreatedAt:    u.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// handleUsageStats handles GET /api/usage?since=RFC3339&until=RFC3339.
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotFound, "history ledger not configured")
		return
	}

	filter := store.UsageFilter{}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		v := r.URL.Query().Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s must be an RFC3339 timestamp", p.key))
			return
		}
		*p.dst = &t
	}
	if agentName := r.URL.Query().Get("agent"); agentName != "" {
		filter.Agent = &agentName
	}

	stats, err := g.store.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to get usage stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, UsageStatsResponse{
		TotalInput:   stats.TotalInput,
		TotalOutput:  stats.TotalOutput,
		TotalTokens:  stats.TotalTokens,
		RequestCount: stats.RequestCount,
	})
}

// sendJSONError sends a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
