// ABOUTME: Adapter generation from descriptors and the resulting lookup table
// ABOUTME: Validates kits exhaustively, rejects id collisions, resolves public names back to descriptors

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/beamlit/agent-runtime/internal/auth"
	"github.com/beamlit/agent-runtime/internal/descriptor"
	"github.com/beamlit/agent-runtime/internal/observability"
)

// Option configures Generate.
type Option func(*generator)

// WithHTTPClient sets the client used by every adapter.
func WithHTTPClient(c *http.Client) Option {
	return func(g *generator) { g.client = c }
}

// WithMetrics records invocations on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *generator) { g.metrics = m }
}

// WithTracer traces invocations with t.
func WithTracer(t *observability.Tracer) Option {
	return func(g *generator) { g.tracer = t }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *generator) { g.logger = l }
}

type generator struct {
	auth    *auth.Context
	client  *http.Client
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
	table   *Table
}

// Table is the immutable set of adapters built by Generate.
type Table struct {
	adapters []*Adapter
	byID     map[string]*Adapter
}

// Generate builds the adapter table. It performs no I/O.
func Generate(a *auth.Context, functions []descriptor.FunctionDescriptor, chains []descriptor.AgentDescriptor, opts ...Option) (*Table, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: auth context is required", ErrGeneration)
	}
	g := &generator{
		auth: a,
		table: &Table{
			byID: make(map[string]*Adapter),
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		g.client = a.HTTPClient()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "tools")

	for i, fn := range functions {
		if err := g.addFunction(i, fn); err != nil {
			return nil, err
		}
	}
	for i, ag := range chains {
		if err := g.addChain(i, ag); err != nil {
			return nil, err
		}
	}

	g.logger.Info("tool adapters generated",
		"functions", len(functions),
		"chains", len(chains),
		"adapters", len(g.table.adapters),
	)
	return g.table, nil
}

func (g *generator) workspace(ws string) string {
	if ws != "" {
		return ws
	}
	return g.auth.Workspace()
}

func (g *generator) addFunction(i int, fn descriptor.FunctionDescriptor) error {
	if fn.Name == "" {
		return fmt.Errorf("%w: function #%d has no name", ErrGeneration, i)
	}
	if err := checkParams(fn.Name, fn.Parameters); err != nil {
		return err
	}
	path := endpoint(g.workspace(fn.Workspace), "functions", fn.Name)

	if !fn.IsKit() {
		return g.add(&Adapter{
			id:           descriptor.FunctionToolName(fn.Name),
			kind:         KindFunction,
			description:  fn.Description,
			params:       fn.Parameters,
			endpointPath: path,
			returnDirect: fn.ReturnDirect,
			target:       fn.Name,
		})
	}

	ops := make(map[string]bool, len(fn.Kit))
	for j, op := range fn.Kit {
		if op.Name == "" {
			return fmt.Errorf("%w: kit %q operation #%d has no name", ErrGeneration, fn.Name, j)
		}
		if ops[op.Name] {
			return fmt.Errorf("%w: %w: kit %q declares operation %q twice", ErrGeneration, descriptor.ErrDuplicate, fn.Name, op.Name)
		}
		if err := checkParams(fn.Name+"."+op.Name, op.Parameters); err != nil {
			return err
		}
		ad := &Adapter{
			id:           descriptor.FunctionToolName(op.Name),
			kind:         KindKitOp,
			description:  op.Description,
			params:       op.Parameters,
			endpointPath: path,
			returnDirect: op.ReturnDirect,
			target:       fn.Name,
			operation:    op.Name,
			injectName:   !op.DeclaresParam("name"),
		}
		if err := g.add(ad); err != nil {
			return err
		}
		ops[op.Name] = true
	}
	return nil
}

func (g *generator) addChain(i int, ag descriptor.AgentDescriptor) error {
	if ag.Name == "" {
		return fmt.Errorf("%w: chained agent #%d has no name", ErrGeneration, i)
	}
	return g.add(&Adapter{
		id:          descriptor.ChainToolName(ag.Name),
		kind:        KindChain,
		description: ag.Description,
		params: []descriptor.ParamSpec{{
			Name:        "input",
			Type:        "string",
			Description: ag.Description,
			Required:    true,
		}},
		endpointPath: endpoint(g.workspace(ag.Workspace), "agents", ag.Name),
		returnDirect: ag.ReturnDirect,
		target:       ag.Name,
	})
}

// add finishes an adapter and indexes it, rejecting id collisions.
func (g *generator) add(ad *Adapter) error {
	if existing, ok := g.table.byID[ad.id]; ok {
		return fmt.Errorf("%w: %w: tool %q from %q collides with %q", ErrGeneration, descriptor.ErrDuplicate, ad.id, ad.target, existing.target)
	}
	schema, raw, err := compileSchema(ad.id, buildSchema(ad.params))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrGeneration, ad.id, err)
	}
	ad.schema = schema
	ad.schemaRaw = raw
	ad.auth = g.auth
	ad.client = g.client
	ad.metrics = g.metrics
	ad.tracer = g.tracer
	ad.logger = g.logger

	g.table.adapters = append(g.table.adapters, ad)
	g.table.byID[ad.id] = ad
	return nil
}

func checkParams(owner string, params []descriptor.ParamSpec) error {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if p.Name == "" {
			return fmt.Errorf("%w: %s has a parameter without a name", ErrGeneration, owner)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s declares parameter %q twice", ErrGeneration, owner, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func endpoint(workspace, collection, name string) string {
	return "/" + url.PathEscape(workspace) + "/" + collection + "/" + url.PathEscape(name)
}

// Adapters returns the adapters in generation order.
func (t *Table) Adapters() []*Adapter {
	out := make([]*Adapter, len(t.adapters))
	copy(out, t.adapters)
	return out
}

// Len returns the number of adapters.
func (t *Table) Len() int { return len(t.adapters) }

// Get looks up an adapter by public tool name.
func (t *Table) Get(id string) (*Adapter, bool) {
	a, ok := t.byID[id]
	return a, ok
}

// Definitions returns every adapter definition in generation order.
func (t *Table) Definitions() []Definition {
	defs := make([]Definition, len(t.adapters))
	for i, a := range t.adapters {
		defs[i] = a.Definition()
	}
	return defs
}

// Invoke calls the adapter named id.
func (t *Table) Invoke(ctx context.Context, id string, args map[string]any) (Result, map[string]any, error) {
	a, ok := t.byID[id]
	if !ok {
		return Result{}, map[string]any{}, fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	return a.Invoke(ctx, args)
}

// ResolveTool maps a public tool name back to the descriptor that owns it.
// A kit operation resolves to its parent with the operation as subFunction.
func (t *Table) ResolveTool(toolName string) (name, subFunction string, chain, ok bool) {
	a, found := t.byID[toolName]
	if !found {
		return "", "", false, false
	}
	switch a.kind {
	case KindKitOp:
		return a.target, a.operation, false, true
	case KindChain:
		return a.target, "", true, true
	default:
		return a.target, "", false, true
	}
}
