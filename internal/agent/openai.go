// ABOUTME: OpenAI-protocol chat model backed by go-openai
// ABOUTME: Converts loop messages and tool definitions to chat completion requests

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/beamlit/agent-runtime/internal/observability"
	"github.com/beamlit/agent-runtime/internal/tools"
)

// OpenAIModel speaks the chat completions protocol.
type OpenAIModel struct {
	client   *openai.Client
	model    string
	provider string
	opts     ModelOptions
	metrics  *observability.Metrics
}

// NewOpenAIModel creates a model whose requests go to baseURL through httpClient.
// Authentication is the client's job; the SDK key is a placeholder.
func NewOpenAIModel(httpClient *http.Client, baseURL, model string, opts ModelOptions, metrics *observability.Metrics) *OpenAIModel {
	cfg := openai.DefaultConfig("unused")
	cfg.BaseURL = baseURL
	cfg.HTTPClient = httpClient
	return &OpenAIModel{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		provider: ProviderOpenAI,
		opts:     opts,
		metrics:  metrics,
	}
}

// Provider returns the configured provider name.
func (m *OpenAIModel) Provider() string { return m.provider }

// Name returns the model id.
func (m *OpenAIModel) Name() string { return m.model }

// Generate runs one chat completion.
func (m *OpenAIModel) Generate(ctx context.Context, req Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       m.model,
		Messages:    toOpenAIMessages(req.System, req.Messages),
		Tools:       toOpenAITools(req.Tools),
		Temperature: float32(m.opts.Temperature),
	}
	if m.opts.MaxTokens > 0 {
		chatReq.MaxTokens = m.opts.MaxTokens
	}

	resp, err := m.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		m.metrics.RecordModelRequest(m.provider, "error")
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%s model %s: %d: %s", m.provider, m.model, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("%s model %s: %w", m.provider, m.model, err)
	}
	m.metrics.RecordModelRequest(m.provider, "ok")

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s model %s: empty response", m.provider, m.model)
	}
	choice := resp.Choices[0].Message

	out := Message{Role: RoleAssistant, Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return &Response{
		Message: out,
		Usage: Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}

func toOpenAIMessages(system string, messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			oai := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(argumentsOrEmpty(tc.Arguments)),
					},
				})
			}
			out = append(out, oai)
		case RoleTool:
			// One message per result.
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.CallID,
				})
			}
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return out
}

func toOpenAITools(defs []tools.Definition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(defs))
	for i, d := range defs {
		var schema map[string]any
		if err := json.Unmarshal(d.Parameters, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}
