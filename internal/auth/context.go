// ABOUTME: Process-wide authentication context for outbound platform calls
// ABOUTME: Holds the credential and an atomically swapped bearer token snapshot

package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/beamlit/agent-runtime/internal/config"
)

// Header names sent on every outbound call.
const (
	HeaderAPIKey        = "Api-Key"
	HeaderAuthorization = "Authorization"
	HeaderWorkspace     = "X-Beamlit-Workspace"
	HeaderEnvironment   = "X-Beamlit-Environment"
)

var (
	// ErrNoCredentials is returned when no API key, JWT or client credentials are configured.
	ErrNoCredentials = fmt.Errorf("%w: no beamlit credentials found, need a JWT, an API key or client_credentials", config.ErrConfiguration)
	// ErrNoUsableCredential is returned by Headers when the configured credential has not produced a token yet.
	ErrNoUsableCredential = errors.New("no usable credential")
)

// Mode identifies where the credential comes from.
type Mode string

const (
	ModeAPIKey      Mode = "api_key"
	ModeJWT         Mode = "jwt"
	ModeCredentials Mode = "credentials"
)

// Settings is the static input of a Context.
type Settings struct {
	Workspace         string
	Environment       string
	BaseURL           string
	RunURL            string
	APIKey            string
	JWT               string
	JWTExpiresIn      int
	ClientCredentials string
}

// SettingsFromConfig extracts auth settings from the runtime configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Workspace:         cfg.Workspace,
		Environment:       cfg.Environment,
		BaseURL:           cfg.BaseURL,
		RunURL:            cfg.RunURL,
		APIKey:            cfg.Auth.APIKey,
		JWT:               cfg.Auth.JWT,
		JWTExpiresIn:      cfg.Auth.JWTExpiresIn,
		ClientCredentials: cfg.Auth.ClientCredentials,
	}
}

// Context is shared read-mostly by every request. The bearer token is the
// only mutable state; it is replaced as a whole snapshot so readers never
// observe a token paired with another token's expiry.
type Context struct {
	settings   Settings
	mode       Mode
	token      atomic.Pointer[oauth2.Token]
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// New validates the credential configuration and builds a Context. A static
// JWT is stored immediately; client credentials need Init before use.
func New(s Settings, httpClient *http.Client, logger *slog.Logger) (*Context, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Context{
		settings:   s,
		httpClient: httpClient,
		logger:     logger.With("component", "auth"),
		now:        time.Now,
	}

	switch {
	case s.JWT != "":
		c.mode = ModeJWT
		tok := &oauth2.Token{AccessToken: s.JWT, TokenType: "Bearer"}
		if s.JWTExpiresIn > 0 {
			tok.Expiry = c.now().Add(time.Duration(s.JWTExpiresIn) * time.Second)
		}
		c.token.Store(tok)
	case s.APIKey != "":
		c.mode = ModeAPIKey
	case s.ClientCredentials != "":
		c.mode = ModeCredentials
	default:
		return nil, ErrNoCredentials
	}

	return c, nil
}

// Mode reports the credential source.
func (c *Context) Mode() Mode { return c.mode }

// Workspace returns the workspace the runtime is deployed in.
func (c *Context) Workspace() string { return c.settings.Workspace }

// Environment returns the deployment environment.
func (c *Context) Environment() string { return c.settings.Environment }

// BaseURL returns the control-plane API base URL.
func (c *Context) BaseURL() string { return c.settings.BaseURL }

// RunURL returns the function/agent run endpoint base URL.
func (c *Context) RunURL() string { return c.settings.RunURL }

// HTTPClient returns the client used for outbound calls.
func (c *Context) HTTPClient() *http.Client { return c.httpClient }

// SetToken replaces the bearer token snapshot. Only the Refresher and
// process startup call this.
func (c *Context) SetToken(tok *oauth2.Token) {
	c.token.Store(tok)
}

// Token implements oauth2.TokenSource over the current snapshot.
func (c *Context) Token() (*oauth2.Token, error) {
	tok := c.token.Load()
	if tok == nil || tok.AccessToken == "" {
		return nil, ErrNoUsableCredential
	}
	cp := *tok
	return &cp, nil
}

// Headers returns the headers for one outbound call. A bearer token wins
// over the API key whenever one is present; the choice is made on every call.
func (c *Context) Headers() (http.Header, error) {
	h := http.Header{}
	if err := c.writeAuth(h); err != nil {
		return nil, err
	}
	if c.settings.Workspace != "" {
		h.Set(HeaderWorkspace, c.settings.Workspace)
	}
	if c.settings.Environment != "" {
		h.Set(HeaderEnvironment, c.settings.Environment)
	}
	return h, nil
}

// Apply writes the current headers onto req.
func (c *Context) Apply(req *http.Request) error {
	h, err := c.Headers()
	if err != nil {
		return err
	}
	for k, vs := range h {
		req.Header[k] = vs
	}
	return nil
}

func (c *Context) writeAuth(h http.Header) error {
	if tok := c.token.Load(); tok != nil && tok.AccessToken != "" {
		req := &http.Request{Header: h}
		tok.SetAuthHeader(req)
		return nil
	}
	if c.settings.APIKey != "" {
		h.Set(HeaderAPIKey, c.settings.APIKey)
		return nil
	}
	return fmt.Errorf("%w: mode %s", ErrNoUsableCredential, c.mode)
}

// expiry returns the current token expiry, zero when unknown.
func (c *Context) expiry() time.Time {
	if tok := c.token.Load(); tok != nil {
		return tok.Expiry
	}
	return time.Time{}
}
