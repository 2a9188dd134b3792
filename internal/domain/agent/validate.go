package agent

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/toolgw/gateway/internal/domain/entity"
)

// catalogIndex supports the Validate step's two checks: that (server,tool)
// exists, and that the call's parameters satisfy the tool's declared input
// schema.
type catalogIndex struct {
	descriptors map[string]entity.ToolDescriptor
	schemas     map[string]*jsonschema.Schema
}

func buildCatalogIndex(tools []entity.ToolDescriptor) *catalogIndex {
	idx := &catalogIndex{
		descriptors: make(map[string]entity.ToolDescriptor, len(tools)),
		schemas:     make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		key := t.ServerName + "." + t.ToolName
		idx.descriptors[key] = t
		if schema, err := compileSchema(t.InputSchema); err == nil {
			idx.schemas[key] = schema
		}
	}
	return idx
}

func compileSchema(raw map[string]interface{}) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	const resourceName = "inline-schema.json"
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(resourceName)
}

// validationOutcome is one tool call's fate after the Validate step.
type validationOutcome struct {
	Call    entity.ToolCall
	Valid   bool
	Dropped string // reason, set only when Valid is false
}

// validateCalls confirms each call's (server,tool) exists in the catalog
// and that its parameters satisfy the tool's declared schema. Invalid
// entries are dropped with a reason rather than failing the whole turn
// (spec.md §4.5 step 2 — execution proceeds with the remainder).
func validateCalls(idx *catalogIndex, calls []entity.ToolCall) []validationOutcome {
	outcomes := make([]validationOutcome, 0, len(calls))
	for _, call := range calls {
		key := call.ServerName + "." + call.ToolName
		desc, known := idx.descriptors[key]
		if !known {
			outcomes = append(outcomes, validationOutcome{
				Call: call, Valid: false,
				Dropped: fmt.Sprintf("no such tool %q on server %q", call.ToolName, call.ServerName),
			})
			continue
		}

		if schema, ok := idx.schemas[key]; ok && schema != nil {
			if err := schema.Validate(toJSONValue(call.Arguments)); err != nil {
				outcomes = append(outcomes, validationOutcome{
					Call: call, Valid: false,
					Dropped: fmt.Sprintf("arguments do not satisfy %s's input schema: %v", desc.Endpoint(), err),
				})
				continue
			}
		}

		outcomes = append(outcomes, validationOutcome{Call: call, Valid: true})
	}
	return outcomes
}

// toJSONValue round-trips v through JSON so jsonschema validates against
// plain interface{} values (float64 numbers, etc.) the way it expects,
// rather than Go's native map/string types directly.
func toJSONValue(v map[string]interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
