// ABOUTME: Tests for provider models against a fake model gateway
// ABOUTME: Checks gateway routing, auth headers and message conversion

package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlit/agent-runtime/internal/auth"
	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/tools"
)

type capturedRequest struct {
	Path        string
	Environment string
	APIKey      string
	Auth        string
	Body        map[string]any
}

func fakeGateway(t *testing.T, reply string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Path = r.URL.Path
		got.Environment = r.URL.Query().Get("environment")
		got.APIKey = r.Header.Get(auth.HeaderAPIKey)
		got.Auth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func testAuth(t *testing.T, runURL string) *auth.Context {
	t.Helper()
	a, err := auth.New(auth.Settings{
		Workspace:   "acme",
		Environment: "production",
		RunURL:      runURL,
		APIKey:      "secret",
	}, nil, nil)
	require.NoError(t, err)
	return a
}

const openAIReply = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "gpt-4o",
	"choices": [{
		"index": 0,
		"finish_reason": "tool_calls",
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "fn_weather", "arguments": "{\"city\":\"Paris\"}"}}]
		}
	}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
}`

const anthropicReply = `{
	"id": "msg_1",
	"type": "message",
	"role": "assistant",
	"model": "claude-3-5-sonnet",
	"content": [
		{"type": "text", "text": "checking"},
		{"type": "tool_use", "id": "toolu_1", "name": "fn_weather", "input": {"city": "Paris"}}
	],
	"stop_reason": "tool_use",
	"usage": {"input_tokens": 20, "output_tokens": 7}
}`

func weatherRequest() Request {
	return Request{
		System:   "you are helpful",
		Messages: []Message{{Role: RoleUser, Content: "weather in Paris?"}},
		Tools: []tools.Definition{{
			Name:        "fn_weather",
			Description: "Weather lookup",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		}},
	}
}

func TestGatewayURL(t *testing.T) {
	assert.Equal(t, "https://run.example.com/acme/models/gpt-4o", GatewayURL("https://run.example.com/", "acme", "gpt-4o"))
}

func TestNewModelRequiresModel(t *testing.T) {
	_, err := NewModel(testAuth(t, "http://unused"), config.ModelConfig{Provider: "openai"}, nil, nil)
	require.ErrorIs(t, err, config.ErrConfiguration)
}

func TestNewModelUnknownProviderFallsBackToOpenAI(t *testing.T) {
	m, err := NewModel(testAuth(t, "http://unused"), config.ModelConfig{Provider: "cohere", Model: "x"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, m.Provider())
}

func TestOpenAIModelThroughGateway(t *testing.T) {
	srv, got := fakeGateway(t, openAIReply)
	m, err := NewModel(testAuth(t, srv.URL), config.ModelConfig{
		Provider:     "openai",
		Model:        "gpt-4o",
		GatewayModel: "my-gpt",
	}, nil, nil)
	require.NoError(t, err)

	resp, err := m.Generate(context.Background(), weatherRequest())
	require.NoError(t, err)

	assert.Equal(t, "/acme/models/my-gpt/v1/chat/completions", got.Path)
	assert.Equal(t, "production", got.Environment)
	assert.Equal(t, "secret", got.APIKey)
	assert.Empty(t, got.Auth)
	assert.Equal(t, "gpt-4o", got.Body["model"])

	msgs, ok := got.Body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])

	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "fn_weather", resp.Message.ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(resp.Message.ToolCalls[0].Arguments))
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 4}, resp.Usage)
}

func TestMistralUsesOpenAIProtocol(t *testing.T) {
	srv, got := fakeGateway(t, openAIReply)
	m, err := NewModel(testAuth(t, srv.URL), config.ModelConfig{Provider: "mistral", Model: "mistral-large"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderMistral, m.Provider())

	_, err = m.Generate(context.Background(), weatherRequest())
	require.NoError(t, err)
	assert.Equal(t, "/acme/models/mistral-large/v1/chat/completions", got.Path)
}

func TestAnthropicModelThroughGateway(t *testing.T) {
	srv, got := fakeGateway(t, anthropicReply)
	m, err := NewModel(testAuth(t, srv.URL), config.ModelConfig{
		Provider: "anthropic",
		Model:    "claude-3-5-sonnet",
	}, nil, nil)
	require.NoError(t, err)

	resp, err := m.Generate(context.Background(), weatherRequest())
	require.NoError(t, err)

	assert.Equal(t, "/acme/models/claude-3-5-sonnet/v1/messages", got.Path)
	assert.Equal(t, "production", got.Environment)
	assert.Equal(t, "secret", got.APIKey)
	assert.EqualValues(t, defaultMaxTokens, got.Body["max_tokens"])

	assert.Equal(t, "checking", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"city":"Paris"}`, string(resp.Message.ToolCalls[0].Arguments))
	assert.Equal(t, Usage{InputTokens: 20, OutputTokens: 7}, resp.Usage)
}

func TestOpenAIMessagesSplitToolResults(t *testing.T) {
	msgs := toOpenAIMessages("", []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "fn_x"}, {ID: "b", Name: "fn_y"}}},
		{Role: RoleTool, ToolResults: []ToolResult{{CallID: "a", Content: "1"}, {CallID: "b", Content: "2"}}},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, "{}", msgs[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "a", msgs[2].ToolCallID)
	assert.Equal(t, "b", msgs[3].ToolCallID)
}
