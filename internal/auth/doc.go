// Package auth manages the credential agent-runtime presents to the
// platform on every outbound call.
//
// # Credential Modes
//
//   - api_key: a static key sent as the Api-Key header. Never refreshed.
//   - jwt: a static bearer token sent as Authorization: Bearer. Never refreshed.
//   - credentials: base64 client credentials exchanged at
//     POST {base_url}/oauth/token for a bearer token, kept fresh by Refresher.
//
// A jwt takes precedence over an api_key when both are set.
// Configuring none of them is a fatal configuration error (ErrNoCredentials).
//
// # Header Rule
//
// Context.Headers is evaluated on every call: if a bearer token is present
// it is used, otherwise the API key. Workspace and environment headers are
// always attached. Callers must not cache the result.
//
// # Refresh
//
// Refresher sleeps until ten seconds before expiry and re-runs the exchange.
// The token is stored as an immutable *oauth2.Token snapshot behind an atomic
// pointer; Refresher is the only writer. A failed refresh either ends Run
// with an error (policy "exit", the process supervisor then stops the server)
// or keeps the stale token and retries after retry_interval (policy "keep").
package auth
