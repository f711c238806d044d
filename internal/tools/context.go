// ABOUTME: Request id propagation from the inbound request to outbound tool calls
// ABOUTME: Tools forward it as X-Beamlit-Request-Id

package tools

import "context"

// HeaderRequestID carries the inbound correlation id to called functions and agents.
const HeaderRequestID = "X-Beamlit-Request-Id"

type requestIDKey struct{}

// WithRequestID attaches the correlation id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the correlation id, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
