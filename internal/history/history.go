// ABOUTME: History and Event records plus the Step union fed by the agent loop
// ABOUTME: JSON field names match what the control plane stores

package history

import (
	"errors"
	"time"
)

// Correlator errors
var (
	ErrUnknownRequest   = errors.New("unknown request")
	ErrAlreadyFinalized = errors.New("history already finalized")
	ErrDuplicateRequest = errors.New("request already in progress")
	ErrCorrelatorClosed = errors.New("correlator closed")
	ErrPublish          = errors.New("publishing history")
	errEmptyCorrelation = errors.New("correlation id is required")
)

// Status of an event or a whole history.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// EventType says whether a call went to a function or another agent.
type EventType string

const (
	EventFunction EventType = "function"
	EventAgent    EventType = "agent"
)

// Event is one tool call observed during a request.
type Event struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        EventType      `json:"type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	SubFunction string         `json:"sub_function,omitempty"`
	Start       time.Time      `json:"start"`
	End         *time.Time     `json:"end,omitempty"`
	Status      Status         `json:"status"`
	Error       string         `json:"error,omitempty"`
}

// History is the ordered record of one request.
type History struct {
	RequestID   string     `json:"request_id"`
	Status      Status     `json:"status"`
	Agent       string     `json:"agent"`
	Workspace   string     `json:"workspace"`
	Environment string     `json:"environment"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
	Events      []Event    `json:"events"`
}

// Step is one observation from the agent loop. The set of implementations is closed.
type Step interface {
	// Kind names the step in debug output.
	Kind() string
	step()
}

// ToolCall is a call the model asked for.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"args,omitempty"`
}

// ToolResult is the outcome of one call.
type ToolResult struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// CallsInitiated reports that one or more tool calls were started.
type CallsInitiated struct {
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
	Calls []ToolCall `json:"calls"`
}

// CallsCompleted reports results for previously initiated calls.
type CallsCompleted struct {
	Start   time.Time    `json:"start"`
	End     time.Time    `json:"end"`
	Results []ToolResult `json:"results"`
}

func (CallsInitiated) Kind() string { return "calls_initiated" }
func (CallsCompleted) Kind() string { return "calls_completed" }

func (CallsInitiated) step() {}
func (CallsCompleted) step() {}
