package gatekeeper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator compiles and caches tool input schemas and validates
// inputs before execution.
type SchemaValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks input against the tool's JSON schema. A tool without a
// schema passes. Compilation failures are treated as absent schemas: a
// malformed registry schema must not block the run.
func (v *SchemaValidator) Validate(toolName string, schema json.RawMessage, input json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := v.compile(toolName, schema)
	if err != nil || compiled == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("input does not match tool schema: %w", err)
	}
	return nil
}

func (v *SchemaValidator) compile(toolName string, schema json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.compiled[toolName]; ok {
		return c, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + toolName
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		v.compiled[toolName] = nil
		return nil, err
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		v.compiled[toolName] = nil
		return nil, err
	}
	v.compiled[toolName] = compiled
	return compiled, nil
}
