// ABOUTME: A single runtime-callable tool adapter
// ABOUTME: Validates arguments, builds the request body and performs one authenticated POST

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/beamlit/agent-runtime/internal/auth"
	"github.com/beamlit/agent-runtime/internal/descriptor"
	"github.com/beamlit/agent-runtime/internal/observability"
)

// Kind distinguishes the three adapter shapes.
type Kind string

const (
	KindFunction Kind = "function"
	KindKitOp    Kind = "kit_op"
	KindChain    Kind = "chain"
)

// maxResponseSize caps how much of a tool response is read.
const maxResponseSize = 10 << 20

// Adapter is an immutable callable tool.
type Adapter struct {
	id           string
	kind         Kind
	description  string
	params       []descriptor.ParamSpec
	endpointPath string
	returnDirect bool

	// target is the function name, kit parent name, or agent name.
	target string
	// operation is the kit operation name; empty otherwise.
	operation  string
	injectName bool

	schema    *jsonschema.Schema
	schemaRaw json.RawMessage

	auth    *auth.Context
	client  *http.Client
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// Definition is the model-facing description of an adapter.
type Definition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   json.RawMessage `json:"parameters"`
	ReturnDirect bool            `json:"return_direct,omitempty"`
}

// ID returns the public tool name.
func (a *Adapter) ID() string { return a.id }

// Kind returns the adapter shape.
func (a *Adapter) Kind() Kind { return a.kind }

// Description returns the model-facing description.
func (a *Adapter) Description() string { return a.description }

// InputSchema returns a copy of the declared parameters.
func (a *Adapter) InputSchema() []descriptor.ParamSpec {
	out := make([]descriptor.ParamSpec, len(a.params))
	copy(out, a.params)
	return out
}

// EndpointPath is the path under the run URL the adapter posts to.
func (a *Adapter) EndpointPath() string { return a.endpointPath }

// ReturnDirect reports whether the result should be returned to the user as-is.
func (a *Adapter) ReturnDirect() bool { return a.returnDirect }

// Target returns the owning function, kit parent, or agent name.
func (a *Adapter) Target() string { return a.target }

// Operation returns the kit operation name, empty for other kinds.
func (a *Adapter) Operation() string { return a.operation }

// JSONSchema returns the compiled input schema document.
func (a *Adapter) JSONSchema() json.RawMessage { return a.schemaRaw }

// Definition returns the model-facing tool definition.
func (a *Adapter) Definition() Definition {
	return Definition{
		Name:         a.id,
		Description:  a.description,
		Parameters:   a.schemaRaw,
		ReturnDirect: a.returnDirect,
	}
}

// Validate checks args without performing a call.
func (a *Adapter) Validate(args map[string]any) error {
	for _, p := range a.params {
		if !p.Required {
			continue
		}
		if _, ok := args[p.Name]; !ok {
			return fmt.Errorf("%w: %s: missing required parameter %q", ErrValidation, a.id, p.Name)
		}
	}
	normalized, err := normalize(args)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, a.id, err)
	}
	if err := a.schema.Validate(normalized); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, a.id, err)
	}
	return nil
}

// Body builds the request body for args. Only declared parameters are sent.
func (a *Adapter) Body(args map[string]any) map[string]any {
	body := make(map[string]any, len(a.params)+1)
	for _, p := range a.params {
		if v, ok := args[p.Name]; ok {
			body[p.Name] = v
		}
	}
	if a.injectName {
		body["name"] = a.operation
	}
	return body
}

// Invoke validates args, performs one POST and decodes the response. The
// side channel is always a non-nil empty map.
func (a *Adapter) Invoke(ctx context.Context, args map[string]any) (res Result, side map[string]any, err error) {
	side = map[string]any{}

	if err := a.Validate(args); err != nil {
		a.metrics.RecordToolInvocation(a.id, string(a.kind), "invalid", 0)
		return Result{}, side, err
	}

	ctx, span := a.tracer.Start(ctx, "tool.invoke",
		attribute.String("tool.id", a.id),
		attribute.String("tool.kind", string(a.kind)),
		attribute.String("tool.target", a.target),
	)
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		a.metrics.RecordToolInvocation(a.id, string(a.kind), status, time.Since(start).Seconds())
		observability.End(span, err)
	}()

	res, err = a.post(ctx, a.Body(args))
	return res, side, err
}

func (a *Adapter) post(ctx context.Context, body map[string]any) (Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: encoding body: %v", ErrValidation, a.id, err)
	}

	url := a.auth.RunURL() + a.endpointPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, &InvocationError{Tool: a.target, Err: err}
	}
	if err := a.auth.Apply(req); err != nil {
		return Result{}, &InvocationError{Tool: a.target, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if id := RequestIDFromContext(ctx); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}

	a.logger.Debug("→ invoking tool",
		"tool", a.id,
		"kind", a.kind,
		"url", url,
		"request_id", RequestIDFromContext(ctx),
	)

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, &InvocationError{Tool: a.target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Result{}, &InvocationError{Tool: a.target, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		a.logger.Warn("tool call failed",
			"tool", a.id,
			"status", resp.StatusCode,
			"request_id", RequestIDFromContext(ctx),
		)
		return Result{}, &InvocationError{Tool: a.target, Status: resp.StatusCode, Body: string(data)}
	}

	a.logger.Debug("← tool responded", "tool", a.id, "status", resp.StatusCode)
	return a.decode(data)
}

func (a *Adapter) decode(data []byte) (Result, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Result{}, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return Result{Value: v, Raw: json.RawMessage(data)}, nil
	}
	if a.kind == KindChain {
		return Result{Text: string(data)}, nil
	}
	return Result{}, &InvocationError{Tool: a.target, Err: fmt.Errorf("response is not JSON: %.200s", data)}
}
