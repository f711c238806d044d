// ABOUTME: Error types for adapter generation and invocation
// ABOUTME: InvocationError carries the adapter id, HTTP status and response body

package tools

import (
	"errors"
	"fmt"

	"github.com/beamlit/agent-runtime/internal/config"
)

var (
	// ErrGeneration marks a descriptor that cannot become an adapter. It is a configuration error.
	ErrGeneration = fmt.Errorf("%w: invalid tool descriptor", config.ErrConfiguration)
	// ErrValidation marks arguments rejected before any request is made.
	ErrValidation = errors.New("invalid tool arguments")
	// ErrUnknownTool is returned when a tool name has no adapter.
	ErrUnknownTool = errors.New("unknown tool")
)

// InvocationError is a failed outbound call: either a transport error or a
// response with status >= 400.
type InvocationError struct {
	Tool   string
	Status int
	Body   string
	Err    error
}

func (e *InvocationError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("failed to run tool %s, %d::%s", e.Tool, e.Status, e.Body)
	}
	return fmt.Sprintf("failed to run tool %s: %v", e.Tool, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
