// ABOUTME: Result of one adapter invocation
// ABOUTME: Holds decoded JSON or raw chain text plus the original bytes

package tools

import "encoding/json"

// Result is the successful outcome of an invocation.
type Result struct {
	// Value is the decoded JSON body, nil for text or empty bodies.
	Value any
	// Raw is the JSON body as received.
	Raw json.RawMessage
	// Text is a non-JSON body returned by a chained agent.
	Text string
}

// String renders the result for a model: chain text verbatim, JSON as sent.
func (r Result) String() string {
	if r.Text != "" {
		return r.Text
	}
	return string(r.Raw)
}

// MarshalJSON emits the JSON value, or the text as a JSON string.
func (r Result) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	if r.Text != "" {
		return json.Marshal(r.Text)
	}
	return []byte("null"), nil
}
