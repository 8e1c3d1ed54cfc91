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

package agent

import (
	"context"
	"errors"

	"github.com/kestrel-ai/kestrel/pkg/tools"
)

// ClarifyToolName is the special tool the model calls when it needs
// answers from the user before it can proceed. The loop intercepts the
// call and terminates the turn; the tool handler never runs.
const ClarifyToolName = "clarify"

type clarifyArgs struct {
	Questions []string `json:"questions" jsonschema:"required,description=The questions the user must answer before work can continue"`
}

// ClarifyTool returns the clarify tool definition for registration so
// the model sees it in the catalog.
func ClarifyTool() tools.Tool {
	return tools.NewFuncTool(
		ClarifyToolName,
		"Ask the user clarifying questions when the request is ambiguous or missing information. Calling this ends the current turn.",
		tools.SchemaFor[clarifyArgs](),
		func(context.Context, map[string]any) (*tools.Result, error) {
			return nil, errors.New("clarify is handled by the loop")
		},
	)
}

// clarifyQuestions extracts the questions from a clarify call's
// arguments. Malformed input degrades to a single generic question.
func clarifyQuestions(args map[string]any) []string {
	decoded, err := tools.DecodeArgs[clarifyArgs](args)
	if err != nil || len(decoded.Questions) == 0 {
		return []string{"Could you clarify what you need?"}
	}
	return decoded.Questions
}
