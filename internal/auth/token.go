// ABOUTME: Client-credentials token exchange against the platform OAuth endpoint
// ABOUTME: Derives expiry from expires_in or, failing that, the JWT exp claim

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ErrTokenExchange is returned when the OAuth endpoint rejects or fails the exchange.
var ErrTokenExchange = errors.New("token exchange failed")

// maxTokenResponseSize caps how much of a token response is read.
const maxTokenResponseSize = 1 << 20

type tokenRequest struct {
	GrantType string `json:"grant_type"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Init performs the first exchange when the context uses client credentials.
// Static credentials need no initialization. A failure here must stop startup.
func (c *Context) Init(ctx context.Context) error {
	if c.mode != ModeCredentials {
		return nil
	}
	tok, err := c.exchange(ctx)
	if err != nil {
		return err
	}
	c.SetToken(tok)
	c.logger.Info("authenticated with client credentials", "expires_at", tok.Expiry)
	return nil
}

// exchange posts the client credentials and returns the minted token.
func (c *Context) exchange(ctx context.Context) (*oauth2.Token, error) {
	body, err := json.Marshal(tokenRequest{GrantType: "client_credentials"})
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.BaseURL+"/oauth/token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+c.settings.ClientCredentials)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTokenExchange, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrTokenExchange, resp.StatusCode, data)
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrTokenExchange, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: response has no access_token", ErrTokenExchange)
	}

	tok := &oauth2.Token{AccessToken: tr.AccessToken, TokenType: "Bearer"}
	switch {
	case tr.ExpiresIn > 0:
		tok.Expiry = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	default:
		if exp, ok := jwtExpiry(tr.AccessToken); ok {
			tok.Expiry = exp
		} else {
			c.logger.Warn("token response has no expiry, it will not be refreshed")
		}
	}
	return tok, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// was just issued to us over TLS and is only inspected for scheduling.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
