// ABOUTME: Access tokens for the MCP endpoint, each scoped to a set of tools
// ABOUTME: Built once from configuration and read concurrently by every request

package mcp

import (
	"sync"

	"github.com/beamlit/agent-runtime/internal/config"
)

// TokenStore maps MCP access tokens to the tool names they may use.
// A nil tool list grants every tool.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string][]string
}

// NewTokenStore creates a token store from configured tokens.
func NewTokenStore(entries []config.MCPTokenConfig) *TokenStore {
	s := &TokenStore{tokens: make(map[string][]string, len(entries))}
	for _, e := range entries {
		s.Add(e.Token, e.Tools)
	}
	return s
}

// Add registers token with the given tool allow-list.
func (s *TokenStore) Add(token string, tools []string) {
	var allowed []string
	if len(tools) > 0 {
		allowed = make([]string, len(tools))
		copy(allowed, tools)
	}
	s.mu.Lock()
	s.tokens[token] = allowed
	s.mu.Unlock()
}

// Lookup returns the tool allow-list for token and whether the token exists.
func (s *TokenStore) Lookup(token string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowed, ok := s.tokens[token]
	if !ok || allowed == nil {
		return nil, ok
	}
	result := make([]string, len(allowed))
	copy(result, allowed)
	return result, true
}

// Revoke removes a token.
func (s *TokenStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// Len returns the number of registered tokens.
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
