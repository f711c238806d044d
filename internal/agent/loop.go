// ABOUTME: ReAct agent loop over the generated tool table
// ABOUTME: Emits call-initiated and call-completed steps for history correlation

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/iter"
	"go.opentelemetry.io/otel/attribute"

	"github.com/beamlit/agent-runtime/internal/history"
	"github.com/beamlit/agent-runtime/internal/observability"
	"github.com/beamlit/agent-runtime/internal/tools"
)

// ErrMaxSteps is returned when the model keeps calling tools past the step budget.
var ErrMaxSteps = errors.New("agent exceeded max steps")

// Toolbox is what the loop needs from the tool table.
type Toolbox interface {
	Definitions() []tools.Definition
	Invoke(ctx context.Context, id string, args map[string]any) (tools.Result, map[string]any, error)
}

// Outcome is the result of one Run.
type Outcome struct {
	Output     string    `json:"output"`
	Messages   []Message `json:"messages"`
	Usage      Usage     `json:"usage"`
	ModelCalls int       `json:"model_calls"`
	ToolCalls  int       `json:"tool_calls"`
}

// LoopOptions configure a Loop.
type LoopOptions struct {
	SystemPrompt string
	MaxSteps     int
	Tracer       *observability.Tracer
	Logger       *slog.Logger
}

// Loop alternates model turns and tool calls until the model answers.
type Loop struct {
	model    Model
	toolbox  Toolbox
	defs     []tools.Definition
	direct   map[string]bool
	system   string
	maxSteps int
	tracer   *observability.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// NewLoop creates a loop. A nil toolbox means the model is called once without tools.
func NewLoop(model Model, toolbox Toolbox, opts LoopOptions) *Loop {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Loop{
		model:    model,
		toolbox:  toolbox,
		direct:   make(map[string]bool),
		system:   opts.SystemPrompt,
		maxSteps: opts.MaxSteps,
		tracer:   opts.Tracer,
		logger:   opts.Logger.With("component", "agent"),
		now:      time.Now,
	}
	if toolbox != nil {
		l.defs = toolbox.Definitions()
		for _, d := range l.defs {
			if d.ReturnDirect {
				l.direct[d.Name] = true
			}
		}
	}
	return l
}

// Run answers input. emit receives every step in production order; it must not block.
func (l *Loop) Run(ctx context.Context, input string, emit func(history.Step)) (_ *Outcome, err error) {
	ctx, span := l.tracer.Start(ctx, "agent.run",
		attribute.String("model.provider", l.model.Provider()),
		attribute.String("model.name", l.model.Name()),
		attribute.Int("tools", len(l.defs)),
	)
	defer func() { observability.End(span, err) }()

	if emit == nil {
		emit = func(history.Step) {}
	}

	out := &Outcome{Messages: []Message{{Role: RoleUser, Content: input}}}

	if len(l.defs) == 0 {
		resp, err := l.turn(ctx, out, nil)
		if err != nil {
			return out, err
		}
		out.Output = resp.Content
		return out, nil
	}

	for step := 0; step < l.maxSteps; step++ {
		resp, err := l.turn(ctx, out, l.defs)
		if err != nil {
			return out, err
		}
		if len(resp.ToolCalls) == 0 {
			out.Output = resp.Content
			return out, nil
		}

		results, direct := l.callTools(ctx, resp.ToolCalls, emit)
		out.ToolCalls += len(results)
		out.Messages = append(out.Messages, Message{Role: RoleTool, ToolResults: results})

		if direct != "" {
			out.Output = direct
			return out, nil
		}
	}

	return out, fmt.Errorf("%w (%d)", ErrMaxSteps, l.maxSteps)
}

func (l *Loop) turn(ctx context.Context, out *Outcome, defs []tools.Definition) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	resp, err := l.model.Generate(ctx, Request{System: l.system, Messages: out.Messages, Tools: defs})
	out.ModelCalls++
	if err != nil {
		return Message{}, err
	}
	out.Usage.Add(resp.Usage)
	out.Messages = append(out.Messages, resp.Message)
	return resp.Message, nil
}

// callTools runs one batch of tool calls concurrently, keeping the model's
// order in the results. It returns the text of a successful return_direct
// call, if any.
func (l *Loop) callTools(ctx context.Context, calls []ToolCall, emit func(history.Step)) ([]ToolResult, string) {
	started := l.now()
	initiated := history.CallsInitiated{Start: started, End: started, Calls: make([]history.ToolCall, len(calls))}
	parsed := make([]map[string]any, len(calls))
	parseErrs := make([]error, len(calls))
	for i, c := range calls {
		parsed[i], parseErrs[i] = decodeArguments(c.Arguments)
		initiated.Calls[i] = history.ToolCall{ID: c.ID, Name: c.Name, Arguments: parsed[i]}
	}
	emit(initiated)

	indexes := make([]int, len(calls))
	for i := range indexes {
		indexes[i] = i
	}
	results := iter.Map(indexes, func(i *int) ToolResult {
		c := calls[*i]
		if parseErrs[*i] != nil {
			return ToolResult{CallID: c.ID, Content: parseErrs[*i].Error(), IsError: true}
		}
		return l.invoke(ctx, c, parsed[*i])
	})

	completed := history.CallsCompleted{Start: started, End: l.now(), Results: make([]history.ToolResult, len(results))}
	direct := ""
	for i, r := range results {
		completed.Results[i] = history.ToolResult{ID: r.CallID, Content: r.Content, IsError: r.IsError}
		if direct == "" && !r.IsError && l.direct[calls[i].Name] {
			direct = r.Content
		}
	}
	emit(completed)
	return results, direct
}

func (l *Loop) invoke(ctx context.Context, c ToolCall, args map[string]any) ToolResult {
	res, _, err := l.toolbox.Invoke(ctx, c.Name, args)
	if err != nil {
		l.logger.Warn("tool call failed", "tool", c.Name, "call_id", c.ID, "error", err)
		return ToolResult{CallID: c.ID, Content: err.Error(), IsError: true}
	}
	return ToolResult{CallID: c.ID, Content: res.String()}
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
