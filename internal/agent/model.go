// ABOUTME: Chat model abstraction used by the agent loop
// ABOUTME: Message types, the Model interface and a factory for the platform model gateway

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/beamlit/agent-runtime/internal/auth"
	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/observability"
	"github.com/beamlit/agent-runtime/internal/tools"
)

// Supported model providers
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMistral   = "mistral"
)

// defaultMaxTokens applies when the configuration leaves max_tokens unset.
const defaultMaxTokens = 4096

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one entry of the conversation.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Usage counts tokens of one or more model turns.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// Request is one model turn.
type Request struct {
	System   string
	Messages []Message
	Tools    []tools.Definition
}

// Response is the assistant message produced by a turn.
type Response struct {
	Message Message
	Usage   Usage
}

// Model generates one assistant turn.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Provider() string
	Name() string
}

// ModelOptions are the sampling settings shared by every provider.
type ModelOptions struct {
	MaxTokens   int
	Temperature float64
}

// GatewayURL is the model gateway base URL for a model resource.
func GatewayURL(runURL, workspace, model string) string {
	return fmt.Sprintf("%s/%s/models/%s", strings.TrimRight(runURL, "/"), url.PathEscape(workspace), url.PathEscape(model))
}

// NewModel builds the configured provider client against the platform model
// gateway. Unknown providers fall back to the OpenAI protocol.
func NewModel(a *auth.Context, cfg config.ModelConfig, metrics *observability.Metrics, logger *slog.Logger) (Model, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: agent.model.model is required", config.ErrConfiguration)
	}

	gateway := cfg.GatewayModel
	if gateway == "" {
		gateway = cfg.Model
	}
	base := GatewayURL(a.RunURL(), a.Workspace(), gateway)
	client := a.SignedClient(url.Values{"environment": {a.Environment()}})
	opts := ModelOptions{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}

	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicModel(client, base, cfg.Model, opts, metrics), nil
	case ProviderOpenAI, ProviderMistral, "":
	default:
		logger.Warn("model provider not supported, defaulting to openai", "provider", cfg.Provider)
		provider = ProviderOpenAI
	}
	if provider == "" {
		provider = ProviderOpenAI
	}
	m := NewOpenAIModel(client, base+"/v1", cfg.Model, opts, metrics)
	m.provider = provider
	return m, nil
}

func argumentsOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
