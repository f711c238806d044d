// ABOUTME: Descriptor types for functions, kit operations and chained agents
// ABOUTME: Parses inline or listed JSON and applies allow-list filtering

package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Descriptor errors
var (
	ErrMalformed    = errors.New("malformed descriptor")
	ErrNotInListing = errors.New("not found in control-plane listing")
	ErrDuplicate    = errors.New("duplicate descriptor name")
)

// DefaultParamType is used when a parameter omits its type.
const DefaultParamType = "string"

// ParamSpec describes one named input of a function or kit operation.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// KitOperation is one sub-operation of a kit, invoked on its parent's endpoint.
type KitOperation struct {
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Parameters   []ParamSpec `json:"parameters,omitempty"`
	ReturnDirect bool        `json:"return_direct,omitempty"`
}

// DeclaresParam reports whether the operation has a parameter called name.
func (k KitOperation) DeclaresParam(name string) bool {
	for _, p := range k.Parameters {
		if p.Name == name {
			return true
		}
	}
	return false
}

// FunctionDescriptor is a remotely hosted function, or a kit of operations
// when Kit is non-empty.
type FunctionDescriptor struct {
	Name         string         `json:"function"`
	Description  string         `json:"description,omitempty"`
	Workspace    string         `json:"workspace,omitempty"`
	Parameters   []ParamSpec    `json:"parameters,omitempty"`
	ReturnDirect bool           `json:"return_direct,omitempty"`
	Kit          []KitOperation `json:"kit,omitempty"`
}

// IsKit reports whether the descriptor is a bundle of operations.
func (f FunctionDescriptor) IsKit() bool { return len(f.Kit) > 0 }

// UnmarshalJSON accepts the function name under either "function" or "name".
func (f *FunctionDescriptor) UnmarshalJSON(data []byte) error {
	type plain FunctionDescriptor
	var raw struct {
		plain
		AltName string `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = FunctionDescriptor(raw.plain)
	if f.Name == "" {
		f.Name = raw.AltName
	}
	return nil
}

// AgentDescriptor is another agent reachable as a chain tool. It always
// takes a single string input.
type AgentDescriptor struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
	ReturnDirect bool   `json:"return_direct,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (a AgentDescriptor) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// ParseFunctions decodes a JSON array of function descriptors. Blank input
// yields no descriptors.
func ParseFunctions(data []byte) ([]FunctionDescriptor, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	var fns []FunctionDescriptor
	if err := json.Unmarshal(data, &fns); err != nil {
		return nil, fmt.Errorf("%w: functions: %v", ErrMalformed, err)
	}
	return fns, nil
}

// ParseAgents decodes a JSON array of agent descriptors, dropping disabled ones.
func ParseAgents(data []byte) ([]AgentDescriptor, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	var agents []AgentDescriptor
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, fmt.Errorf("%w: agent chain: %v", ErrMalformed, err)
	}
	return Enabled(agents), nil
}

// Enabled filters out disabled chain entries.
func Enabled(agents []AgentDescriptor) []AgentDescriptor {
	out := make([]AgentDescriptor, 0, len(agents))
	for _, a := range agents {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}

// FillWorkspace sets the workspace of descriptors that omit it.
func FillWorkspace(workspace string, fns []FunctionDescriptor, agents []AgentDescriptor) {
	for i := range fns {
		if fns[i].Workspace == "" {
			fns[i].Workspace = workspace
		}
	}
	for i := range agents {
		if agents[i].Workspace == "" {
			agents[i].Workspace = workspace
		}
	}
}

// OverrideDescriptions replaces chain descriptions by agent name.
func OverrideDescriptions(agents []AgentDescriptor, overrides map[string]string) {
	for i := range agents {
		if d, ok := overrides[agents[i].Name]; ok && d != "" {
			agents[i].Description = d
		}
	}
}

// SelectAllowed resolves every allow-listed name against the function
// listing first, then the agent listing. A name found in neither is an error.
func SelectAllowed(allow []string, fns []FunctionDescriptor, agents []AgentDescriptor) ([]FunctionDescriptor, []AgentDescriptor, error) {
	fnByName := make(map[string]FunctionDescriptor, len(fns))
	for _, f := range fns {
		fnByName[f.Name] = f
	}
	agentByName := make(map[string]AgentDescriptor, len(agents))
	for _, a := range agents {
		agentByName[a.Name] = a
	}

	var (
		selFns    []FunctionDescriptor
		selAgents []AgentDescriptor
		seen      = make(map[string]bool, len(allow))
	)
	for _, name := range allow {
		if seen[name] {
			continue
		}
		seen[name] = true

		if f, ok := fnByName[name]; ok {
			selFns = append(selFns, f)
			continue
		}
		if a, ok := agentByName[name]; ok {
			selAgents = append(selAgents, a)
			continue
		}
		return nil, nil, fmt.Errorf("%w: %q", ErrNotInListing, name)
	}
	return selFns, selAgents, nil
}
