// Copyright 2025 The Kestrel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles a JSON schema given as a generic map. Used by
// the dispatcher to validate tool input before execution.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return compiled, nil
}

// ValidateInput checks args against a compiled schema. The returned
// error lists the violations.
func ValidateInput(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	// Round-trip through JSON so nested values use the types the
	// validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}
	return schema.Validate(doc)
}

// SchemaFor derives a JSON schema map from a Go struct type. Built-in
// tools use this so their schemas stay in sync with their argument
// structs.
func SchemaFor[T any]() map[string]any {
	reflector := invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		// Only fields tagged jsonschema:"required" are required. Tool
		// argument structs carry optional nested fields that are
		// defaulted server-side.
		RequiredFromJSONSchemaTags: true,
	}
	var zero T
	s := reflector.Reflect(&zero)

	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	// The $schema marker is noise in function-calling payloads.
	delete(out, "$schema")
	return out
}

// DecodeArgs decodes a validated argument map into a typed struct.
func DecodeArgs[T any](args map[string]any) (*T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &out,
		TagName: "json",
		// JSON numbers arrive as float64; let them land in int fields.
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return nil, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return &out, nil
}
