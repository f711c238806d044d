// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML/TOML loading, env var expansion, BL_* overrides and validation

package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearBLEnv blanks every override so the host environment cannot leak into tests.
func clearBLEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "BL_") {
			key := strings.SplitN(kv, "=", 2)[0]
			t.Setenv(key, "")
		}
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	clearBLEnv(t)
	path := writeConfig(t, "beamlit.yaml", `
name: "search-agent"
workspace: "development"
environment: "staging"
type: "agent"
run_mode: "dev"

auth:
  api_key: "key-123"
  refresh_failure: "keep"
  retry_interval: "3s"

server:
  http_addr: "127.0.0.1:8080"
  request_timeout: "45s"
  rate_limit:
    requests_per_second: 5
    burst: 10

agent:
  functions: ["math", "search-agent"]
  model:
    provider: "anthropic"
    model: "claude-3-5-sonnet"
    max_steps: 4

history:
  publish: "always"
  database_path: "./history.db"
  dedupe_ttl: "1m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Name != "search-agent" {
		t.Errorf("Name = %q, want %q", cfg.Name, "search-agent")
	}
	if cfg.Environment != "staging" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "staging")
	}
	if !cfg.IsDev() {
		t.Error("IsDev() = false, want true")
	}
	if cfg.Auth.RefreshFailure != RefreshFailureKeep {
		t.Errorf("Auth.RefreshFailure = %q, want %q", cfg.Auth.RefreshFailure, RefreshFailureKeep)
	}
	if cfg.Auth.RetryInterval != 3*time.Second {
		t.Errorf("Auth.RetryInterval = %v, want 3s", cfg.Auth.RetryInterval)
	}
	if cfg.Server.RequestTimeout != 45*time.Second {
		t.Errorf("Server.RequestTimeout = %v, want 45s", cfg.Server.RequestTimeout)
	}
	if cfg.Server.ReadHeaderTimeout != DefaultReadHeaderTimeout {
		t.Errorf("Server.ReadHeaderTimeout = %v, want default", cfg.Server.ReadHeaderTimeout)
	}
	if cfg.Server.RateLimit.Burst != 10 {
		t.Errorf("Server.RateLimit.Burst = %d, want 10", cfg.Server.RateLimit.Burst)
	}
	if len(cfg.Agent.Functions) != 2 || cfg.Agent.Functions[1] != "search-agent" {
		t.Errorf("Agent.Functions = %v", cfg.Agent.Functions)
	}
	if cfg.Agent.Model.MaxSteps != 4 {
		t.Errorf("Agent.Model.MaxSteps = %d, want 4", cfg.Agent.Model.MaxSteps)
	}
	if cfg.History.DedupeTTL != time.Minute {
		t.Errorf("History.DedupeTTL = %v, want 1m", cfg.History.DedupeTTL)
	}
	if cfg.InlineDescriptors() {
		t.Error("InlineDescriptors() = true, want false")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearBLEnv(t)
	path := writeConfig(t, "beamlit.yaml", `
workspace: "development"
type: "function"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		field string
		got   string
		want  string
	}{
		{"Name", cfg.Name, DefaultName},
		{"Environment", cfg.Environment, DefaultEnvironment},
		{"BaseURL", cfg.BaseURL, DefaultBaseURL},
		{"RunURL", cfg.RunURL, DefaultRunURL},
		{"RunMode", cfg.RunMode, RunModeProd},
		{"Auth.RefreshFailure", cfg.Auth.RefreshFailure, RefreshFailureExit},
		{"History.Publish", cfg.History.Publish, PublishDebug},
		{"Server.HTTPAddr", cfg.Server.HTTPAddr, DefaultHTTPAddr},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.field, tt.got, tt.want)
			}
		})
	}

	if cfg.Server.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("Server.RequestTimeout = %v, want %v", cfg.Server.RequestTimeout, DefaultRequestTimeout)
	}
}

func TestLoad_TOML(t *testing.T) {
	clearBLEnv(t)
	path := writeConfig(t, "beamlit.toml", `
workspace = "development"
type = "agent"
run_url = "https://run.example.test/"

[auth]
jwt = "static-token"

[server]
request_timeout = "30s"

[[agent.agent_functions]]
function = "math"
description = "Evaluate arithmetic"
workspace = "development"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RunURL != "https://run.example.test" {
		t.Errorf("RunURL = %q, trailing slash should be trimmed", cfg.RunURL)
	}
	if cfg.Auth.JWT != "static-token" {
		t.Errorf("Auth.JWT = %q", cfg.Auth.JWT)
	}
	if cfg.Server.RequestTimeout != 30*time.Second {
		t.Errorf("Server.RequestTimeout = %v, want 30s", cfg.Server.RequestTimeout)
	}
	if !cfg.InlineDescriptors() {
		t.Fatal("InlineDescriptors() = false, want true")
	}

	var fns []map[string]any
	if err := json.Unmarshal([]byte(cfg.Agent.AgentFunctions), &fns); err != nil {
		t.Fatalf("agent_functions is not JSON: %v", err)
	}
	if len(fns) != 1 || fns[0]["function"] != "math" {
		t.Errorf("agent_functions = %v", fns)
	}
}

func TestLoad_InlineDescriptorForms(t *testing.T) {
	clearBLEnv(t)

	t.Run("json string", func(t *testing.T) {
		path := writeConfig(t, "beamlit.yaml", `
workspace: "development"
type: "agent"
agent:
  agent_chain: '[{"name":"search-agent","description":"web search"}]'
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if string(cfg.Agent.AgentChain) != `[{"name":"search-agent","description":"web search"}]` {
			t.Errorf("AgentChain = %s", cfg.Agent.AgentChain)
		}
	})

	t.Run("native yaml", func(t *testing.T) {
		path := writeConfig(t, "beamlit.yaml", `
workspace: "development"
type: "agent"
agent:
  agent_functions:
    - function: github
      kit:
        - name: list_branches
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if !strings.Contains(string(cfg.Agent.AgentFunctions), `"list_branches"`) {
			t.Errorf("AgentFunctions = %s", cfg.Agent.AgentFunctions)
		}
	})

	t.Run("malformed json string", func(t *testing.T) {
		path := writeConfig(t, "beamlit.yaml", `
workspace: "development"
type: "agent"
agent:
  agent_functions: '[{"function": '
`)
		_, err := Load(path)
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("Load() error = %v, want ErrConfiguration", err)
		}
	})
}

func TestLoad_EnvExpansionAndOverrides(t *testing.T) {
	clearBLEnv(t)
	t.Setenv("TEST_CREDENTIALS", "Y2xpZW50OnNlY3JldA==")
	t.Setenv("BL_WORKSPACE", "from-env")
	t.Setenv("BL_FUNCTIONS", "math, search ,")
	t.Setenv("BL_JWT_EXPIRES_IN", "20")

	path := writeConfig(t, "beamlit.yaml", `
workspace: "from-file"
type: "agent"
auth:
  client_credentials: "${TEST_CREDENTIALS}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.ClientCredentials != "Y2xpZW50OnNlY3JldA==" {
		t.Errorf("Auth.ClientCredentials = %q, want expanded value", cfg.Auth.ClientCredentials)
	}
	if cfg.Workspace != "from-env" {
		t.Errorf("Workspace = %q, want BL_WORKSPACE override", cfg.Workspace)
	}
	if len(cfg.Agent.Functions) != 2 || cfg.Agent.Functions[0] != "math" || cfg.Agent.Functions[1] != "search" {
		t.Errorf("Agent.Functions = %v", cfg.Agent.Functions)
	}
	if cfg.Auth.JWTExpiresIn != 20 {
		t.Errorf("Auth.JWTExpiresIn = %d, want 20", cfg.Auth.JWTExpiresIn)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearBLEnv(t)
	t.Setenv("BL_WORKSPACE", "development")
	t.Setenv("BL_TYPE", "agent")
	t.Setenv("BL_AGENT_FUNCTIONS", `[{"function":"math"}]`)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Name != DefaultName {
		t.Errorf("Name = %q, want default", cfg.Name)
	}
	if !cfg.InlineDescriptors() {
		t.Error("InlineDescriptors() = false, want true")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/beamlit.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearBLEnv(t)
	path := writeConfig(t, "beamlit.yaml", `
workspace: "development"
type: "agent"
server:
  request_timeout: "soon"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "request_timeout") {
		t.Errorf("error should mention request_timeout: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Name:        "agent",
			Workspace:   "development",
			Environment: "production",
			Type:        "agent",
			RunMode:     RunModeProd,
			Auth:        AuthConfig{RefreshFailure: RefreshFailureExit},
			History:     HistoryConfig{Publish: PublishDebug},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing workspace", func(c *Config) { c.Workspace = "" }, "workspace is required"},
		{"missing environment", func(c *Config) { c.Environment = "" }, "environment is required"},
		{"missing name", func(c *Config) { c.Name = "" }, "name is required"},
		{"missing type", func(c *Config) { c.Type = "" }, "type is required"},
		{"bad run mode", func(c *Config) { c.RunMode = "staging" }, "run_mode"},
		{"bad refresh policy", func(c *Config) { c.Auth.RefreshFailure = "ignore" }, "refresh_failure"},
		{"bad publish policy", func(c *Config) { c.History.Publish = "sometimes" }, "history.publish"},
		{"bad chain json", func(c *Config) { c.Agent.AgentChain = "{" }, "agent_chain"},
		{"negative rate", func(c *Config) { c.Server.RateLimit.RequestsPerSecond = -1 }, "rate_limit"},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("Validate() error should wrap ErrConfiguration: %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "value")
	got := expandEnvVars("a ${TEST_VAR} b ${UNSET_VAR_FOR_TEST}")
	if got != "a value b " {
		t.Errorf("expandEnvVars() = %q", got)
	}
}
