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

// Package tools defines the tool interface, the registry, and the
// dispatcher that routes LLM tool requests through the hooks pipeline.
package tools

import (
	"context"
)

// Tool is a capability an agent can invoke.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description tells the LLM what the tool does and when to use it.
	Description() string

	// Schema returns the JSON schema for the tool's input.
	// Returns nil if the tool takes no parameters.
	Schema() map[string]any

	// Execute runs the tool with validated arguments.
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Result is the output of a tool execution. Content is a free-form
// structured value.
type Result struct {
	Content  any
	Metadata map[string]any
}

// Definition is a tool definition for LLM function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToDefinition converts a tool to a Definition.
func ToDefinition(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// Call represents an LLM's request to invoke a tool.
type Call struct {
	// ID is the provider-assigned correlation identifier.
	ID string

	// Name is the tool to invoke.
	Name string

	// Args is the parsed arguments object.
	Args map[string]any
}

// funcTool adapts a plain function into a Tool.
type funcTool struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, args map[string]any) (*Result, error)
}

// NewFuncTool builds a tool from a function. The schema may be nil for
// parameterless tools.
func NewFuncTool(
	name, description string,
	schema map[string]any,
	fn func(ctx context.Context, args map[string]any) (*Result, error),
) Tool {
	return &funcTool{name: name, description: description, schema: schema, fn: fn}
}

func (t *funcTool) Name() string           { return t.name }
func (t *funcTool) Description() string    { return t.description }
func (t *funcTool) Schema() map[string]any { return t.schema }

func (t *funcTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	return t.fn(ctx, args)
}
