// ABOUTME: Anthropic chat model backed by anthropic-sdk-go
// ABOUTME: Converts loop messages into content blocks and tool_use blocks back into tool calls

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/beamlit/agent-runtime/internal/observability"
	"github.com/beamlit/agent-runtime/internal/tools"
)

// AnthropicModel speaks the Messages API.
type AnthropicModel struct {
	client  anthropic.Client
	model   string
	opts    ModelOptions
	metrics *observability.Metrics
}

// NewAnthropicModel creates a model whose requests go to baseURL through
// httpClient. The SDK appends v1/messages to baseURL.
func NewAnthropicModel(httpClient *http.Client, baseURL, model string, opts ModelOptions, metrics *observability.Metrics) *AnthropicModel {
	client := anthropic.NewClient(
		option.WithBaseURL(baseURL+"/"),
		option.WithHTTPClient(httpClient),
		option.WithAPIKey("unused"),
		option.WithMaxRetries(0),
	)
	return &AnthropicModel{
		client:  client,
		model:   model,
		opts:    opts,
		metrics: metrics,
	}
}

// Provider returns "anthropic".
func (m *AnthropicModel) Provider() string { return ProviderAnthropic }

// Name returns the model id.
func (m *AnthropicModel) Name() string { return m.model }

// Generate sends one Messages request.
func (m *AnthropicModel) Generate(ctx context.Context, req Request) (*Response, error) {
	maxTokens := m.opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		Messages:  toAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if m.opts.Temperature > 0 {
		params.Temperature = anthropic.Float(m.opts.Temperature)
	}
	if len(req.Tools) > 0 {
		toolParams, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = toolParams
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		m.metrics.RecordModelRequest(ProviderAnthropic, "error")
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("anthropic model %s: %d", m.model, apiErr.StatusCode)
		}
		return nil, fmt.Errorf("anthropic model %s: %w", m.model, err)
	}
	m.metrics.RecordModelRequest(ProviderAnthropic, "ok")

	out := Message{Role: RoleAssistant}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			tu := block.AsToolUse()
			args, err := json.Marshal(tu.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic model %s: tool input: %w", m.model, err)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}
	out.Content = text.String()

	return &Response{
		Message: out,
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.ID, argumentsOrEmpty(tc.Arguments), tc.Name))
		}

		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func toAnthropicTools(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(d.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", d.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", d.Name)
		}
		param.OfTool.Description = anthropic.String(d.Description)
		out = append(out, param)
	}
	return out, nil
}
