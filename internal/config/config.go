// ABOUTME: Configuration loading and parsing for agent-runtime
// ABOUTME: Supports YAML/TOML files, ${VAR} expansion, BL_* overrides and duration parsing

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks every fatal startup configuration failure.
var ErrConfiguration = errors.New("configuration error")

// Default values applied when neither the file nor the environment sets them.
const (
	DefaultName              = "dev-name"
	DefaultEnvironment       = "production"
	DefaultBaseURL           = "https://api.beamlit.dev/v0"
	DefaultRunURL            = "https://run.beamlit.dev"
	DefaultHTTPAddr          = "0.0.0.0:80"
	DefaultRequestTimeout    = 2 * time.Minute
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultRetryInterval     = 5 * time.Second
	DefaultDedupeTTL         = 10 * time.Minute
	DefaultMaxSteps          = 10
	DefaultMetricsPath       = "/metrics"
)

// Run modes
const (
	RunModeProd = "prod"
	RunModeDev  = "dev"
)

// Refresh failure policies
const (
	RefreshFailureExit = "exit"
	RefreshFailureKeep = "keep"
)

// History publish policies
const (
	PublishAlways = "always"
	PublishDebug  = "debug"
	PublishNever  = "never"
)

// Config represents the complete agent-runtime configuration
type Config struct {
	Name        string `yaml:"name" toml:"name"`
	Workspace   string `yaml:"workspace" toml:"workspace"`
	Environment string `yaml:"environment" toml:"environment"`
	Type        string `yaml:"type" toml:"type"`
	BaseURL     string `yaml:"base_url" toml:"base_url"`
	RunURL      string `yaml:"run_url" toml:"run_url"`
	RunMode     string `yaml:"run_mode" toml:"run_mode"`

	Auth    AuthConfig    `yaml:"auth" toml:"auth"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Agent   AgentConfig   `yaml:"agent" toml:"agent"`
	History HistoryConfig `yaml:"history" toml:"history"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`
	MCP     MCPConfig     `yaml:"mcp" toml:"mcp"`
}

// AuthConfig holds the credential material. Exactly one of APIKey, JWT or
// ClientCredentials must be usable.
type AuthConfig struct {
	APIKey            string `yaml:"api_key" toml:"api_key"`
	JWT               string `yaml:"jwt" toml:"jwt"`
	JWTExpiresIn      int    `yaml:"jwt_expires_in" toml:"jwt_expires_in"`
	ClientCredentials string `yaml:"client_credentials" toml:"client_credentials"`
	RefreshFailure    string `yaml:"refresh_failure" toml:"refresh_failure"`

	RetryInterval    time.Duration `yaml:"-" toml:"-"`
	RetryIntervalRaw string        `yaml:"retry_interval" toml:"retry_interval"`
}

// ServerConfig holds the inbound HTTP server settings
type ServerConfig struct {
	HTTPAddr  string          `yaml:"http_addr" toml:"http_addr"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	ReadHeaderTimeout time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RequestTimeoutRaw    string `yaml:"request_timeout" toml:"request_timeout"`
	ReadHeaderTimeoutRaw string `yaml:"read_header_timeout" toml:"read_header_timeout"`
	ShutdownTimeoutRaw   string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// RateLimitConfig bounds inbound requests. Zero RequestsPerSecond disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// AgentConfig describes where tool descriptors come from and which model drives the loop.
type AgentConfig struct {
	// Functions is the allow-list of function and agent names fetched from the control plane.
	Functions []string `yaml:"functions" toml:"functions"`
	// AgentFunctions and AgentChain carry inline descriptor JSON. When either is
	// set the control plane is never consulted.
	AgentFunctions InlineJSON `yaml:"agent_functions" toml:"agent_functions"`
	AgentChain     InlineJSON `yaml:"agent_chain" toml:"agent_chain"`
	// ChainDescriptions overrides the description of a chained agent by name.
	ChainDescriptions map[string]string `yaml:"chain_descriptions" toml:"chain_descriptions"`
	Model             ModelConfig       `yaml:"model" toml:"model"`
}

// ModelConfig selects the chat model behind the reference agent loop
type ModelConfig struct {
	Provider     string  `yaml:"provider" toml:"provider"`
	Model        string  `yaml:"model" toml:"model"`
	GatewayModel string  `yaml:"gateway_model" toml:"gateway_model"`
	MaxSteps     int     `yaml:"max_steps" toml:"max_steps"`
	MaxTokens    int     `yaml:"max_tokens" toml:"max_tokens"`
	Temperature  float64 `yaml:"temperature" toml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt" toml:"system_prompt"`
}

// HistoryConfig controls history publication and the local ledger
type HistoryConfig struct {
	Publish      string `yaml:"publish" toml:"publish"`
	DatabasePath string `yaml:"database_path" toml:"database_path"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TracingConfig holds the OTLP exporter settings. An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint" toml:"endpoint"`
	Insecure     bool    `yaml:"insecure" toml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate" toml:"sampling_rate"`
}

// MCPConfig toggles the MCP endpoint exposing the tool table
type MCPConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Tokens, when set, make the endpoint require one of them.
	Tokens []MCPTokenConfig `yaml:"tokens" toml:"tokens"`
}

// MCPTokenConfig grants an access token a set of tools. Empty Tools grants all.
type MCPTokenConfig struct {
	Token string   `yaml:"token" toml:"token"`
	Tools []string `yaml:"tools" toml:"tools"`
}

// InlineJSON is a descriptor document that may be written either as a JSON
// string or as native YAML/TOML structure. It always holds JSON text.
type InlineJSON string

// UnmarshalYAML accepts a scalar string or any YAML structure.
func (j *InlineJSON) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*j = InlineJSON(node.Value)
		return nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	*j = InlineJSON(data)
	return nil
}

// UnmarshalTOML accepts a string or any TOML structure.
func (j *InlineJSON) UnmarshalTOML(v any) error {
	if s, ok := v.(string); ok {
		*j = InlineJSON(s)
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	*j = InlineJSON(data)
	return nil
}

// IsSet reports whether any non-blank JSON was provided
func (j InlineJSON) IsSet() bool {
	return strings.TrimSpace(string(j)) != ""
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then BL_*
// variables override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing config file: %v", ErrConfiguration, err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing config file: %v", ErrConfiguration, err)
		}
	}

	return finish(&cfg)
}

// LoadFromEnv builds a Config from BL_* environment variables alone.
func LoadFromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing durations: %v", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv overlays BL_* variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BL_NAME":               &cfg.Name,
		"BL_WORKSPACE":          &cfg.Workspace,
		"BL_ENVIRONMENT":        &cfg.Environment,
		"BL_TYPE":               &cfg.Type,
		"BL_BASE_URL":           &cfg.BaseURL,
		"BL_RUN_URL":            &cfg.RunURL,
		"BL_RUN_MODE":           &cfg.RunMode,
		"BL_API_KEY":            &cfg.Auth.APIKey,
		"BL_JWT":                &cfg.Auth.JWT,
		"BL_CLIENT_CREDENTIALS": &cfg.Auth.ClientCredentials,
		"BL_REFRESH_FAILURE":    &cfg.Auth.RefreshFailure,
		"BL_HTTP_ADDR":          &cfg.Server.HTTPAddr,
		"BL_LOG_LEVEL":          &cfg.Logging.Level,
		"BL_LOG_FORMAT":         &cfg.Logging.Format,
		"BL_HISTORY_PUBLISH":    &cfg.History.Publish,
		"BL_HISTORY_DATABASE":   &cfg.History.DatabasePath,
		"BL_TRACING_ENDPOINT":   &cfg.Tracing.Endpoint,
		"BL_MODEL_PROVIDER":     &cfg.Agent.Model.Provider,
		"BL_MODEL":              &cfg.Agent.Model.Model,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("BL_AGENT_FUNCTIONS"); ok && v != "" {
		cfg.Agent.AgentFunctions = InlineJSON(v)
	}
	if v, ok := lookup("BL_AGENT_CHAIN"); ok && v != "" {
		cfg.Agent.AgentChain = InlineJSON(v)
	}
	if v, ok := lookup("BL_FUNCTIONS"); ok && v != "" {
		cfg.Agent.Functions = splitList(v)
	}
	if v, ok := lookup("BL_JWT_EXPIRES_IN"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: BL_JWT_EXPIRES_IN %q is not an integer", ErrConfiguration, v)
		}
		cfg.Auth.JWTExpiresIn = n
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Environment == "" {
		cfg.Environment = DefaultEnvironment
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RunURL == "" {
		cfg.RunURL = DefaultRunURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.RunURL = strings.TrimRight(cfg.RunURL, "/")
	if cfg.RunMode == "" {
		cfg.RunMode = RunModeProd
	}
	if cfg.Auth.RefreshFailure == "" {
		cfg.Auth.RefreshFailure = RefreshFailureExit
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.History.Publish == "" {
		cfg.History.Publish = PublishDebug
	}
	if cfg.Agent.Model.MaxSteps == 0 {
		cfg.Agent.Model.MaxSteps = DefaultMaxSteps
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Every failure wraps ErrConfiguration.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("%w: workspace is required", ErrConfiguration)
	}
	if c.Environment == "" {
		return fmt.Errorf("%w: environment is required", ErrConfiguration)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrConfiguration)
	}
	if c.Type == "" {
		return fmt.Errorf("%w: type is required", ErrConfiguration)
	}

	switch c.RunMode {
	case RunModeProd, RunModeDev:
	default:
		return fmt.Errorf("%w: run_mode must be %q or %q, got %q", ErrConfiguration, RunModeProd, RunModeDev, c.RunMode)
	}

	switch c.Auth.RefreshFailure {
	case RefreshFailureExit, RefreshFailureKeep:
	default:
		return fmt.Errorf("%w: auth.refresh_failure must be %q or %q, got %q",
			ErrConfiguration, RefreshFailureExit, RefreshFailureKeep, c.Auth.RefreshFailure)
	}

	switch c.History.Publish {
	case PublishAlways, PublishDebug, PublishNever:
	default:
		return fmt.Errorf("%w: history.publish must be one of always, debug, never; got %q", ErrConfiguration, c.History.Publish)
	}

	if c.Agent.AgentFunctions.IsSet() && !json.Valid([]byte(c.Agent.AgentFunctions)) {
		return fmt.Errorf("%w: agent.agent_functions is not valid JSON", ErrConfiguration)
	}
	if c.Agent.AgentChain.IsSet() && !json.Valid([]byte(c.Agent.AgentChain)) {
		return fmt.Errorf("%w: agent.agent_chain is not valid JSON", ErrConfiguration)
	}

	if c.Server.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: server.rate_limit.requests_per_second must not be negative", ErrConfiguration)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("%w: tracing.sampling_rate must be between 0 and 1", ErrConfiguration)
	}
	for i, tok := range c.MCP.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("%w: mcp.tokens[%d].token is empty", ErrConfiguration, i)
		}
	}

	return nil
}

// InlineDescriptors reports whether descriptors are supplied in configuration
// rather than fetched from the control plane.
func (c *Config) InlineDescriptors() bool {
	return c.Agent.AgentFunctions.IsSet() || c.Agent.AgentChain.IsSet()
}

// IsDev reports whether the runtime was started in development mode
func (c *Config) IsDev() bool {
	return c.RunMode == RunModeDev
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"server.request_timeout", cfg.Server.RequestTimeoutRaw, &cfg.Server.RequestTimeout, DefaultRequestTimeout},
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeoutRaw, &cfg.Server.ReadHeaderTimeout, DefaultReadHeaderTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout, DefaultShutdownTimeout},
		{"auth.retry_interval", cfg.Auth.RetryIntervalRaw, &cfg.Auth.RetryInterval, DefaultRetryInterval},
		{"history.dedupe_ttl", cfg.History.DedupeTTLRaw, &cfg.History.DedupeTTL, DefaultDedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			*f.dst = f.def
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
