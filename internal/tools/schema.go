// ABOUTME: JSON Schema construction and validation for adapter inputs
// ABOUTME: Builds an object schema from ParamSpecs and compiles it with jsonschema/v5

package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/beamlit/agent-runtime/internal/descriptor"
)

// schemaTypes maps descriptor parameter types to JSON Schema types. Unknown
// types are left unconstrained.
var schemaTypes = map[string]string{
	"string":  "string",
	"str":     "string",
	"number":  "number",
	"float":   "number",
	"integer": "integer",
	"int":     "integer",
	"boolean": "boolean",
	"bool":    "boolean",
	"array":   "array",
	"list":    "array",
	"object":  "object",
	"dict":    "object",
}

// buildSchema returns the schema document for params.
func buildSchema(params []descriptor.ParamSpec) map[string]any {
	props := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		prop := map[string]any{}
		typ := p.Type
		if typ == "" {
			typ = descriptor.DefaultParamType
		}
		if st, ok := schemaTypes[typ]; ok {
			prop["type"] = st
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// compileSchema compiles doc under a resource name derived from the adapter id.
func compileSchema(id string, doc map[string]any) (*jsonschema.Schema, json.RawMessage, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding schema: %w", err)
	}
	compiled, err := jsonschema.CompileString(id+".schema.json", string(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("compiling schema: %w", err)
	}
	return compiled, raw, nil
}

// normalize round-trips args through JSON so the validator sees the same
// shapes a decoded request body would have.
func normalize(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
