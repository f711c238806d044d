// ABOUTME: HTTP transport that signs outbound requests with the current credential
// ABOUTME: Used by SDK clients that do not know about platform authentication

package auth

import (
	"net/http"
	"net/url"
)

// Transport injects the current auth headers into every request it carries.
// Placeholder credentials set by SDK clients are stripped first.
type Transport struct {
	Auth *Context
	// Base is the underlying transport; http.DefaultTransport when nil.
	Base http.RoundTripper
	// Query is merged into every request URL.
	Query url.Values
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Del(HeaderAuthorization)
	r.Header.Del("X-Api-Key")
	if err := t.Auth.Apply(r); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	if len(t.Query) > 0 {
		q := r.URL.Query()
		for k, vs := range t.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		r.URL.RawQuery = q.Encode()
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

// SignedClient returns an http.Client whose requests carry the current
// credential, optionally with a default query.
func (c *Context) SignedClient(query url.Values) *http.Client {
	return &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &Transport{
			Auth:  c,
			Base:  c.httpClient.Transport,
			Query: query,
		},
	}
}
