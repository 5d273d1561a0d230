// Copyright 2025 Tom Barlow
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

package task

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/tombee/ratchet/pkg/errors"
)

// ConditionalHandler evaluates a condition and merges the matching branch
// into its output.
//
// Field/operator form:
//
//	{
//	  "condition": {"field": "count", "operator": "gt", "value": 3},
//	  "on_true": {"result": "condition_met"},
//	  "on_false": {"result": "condition_not_met"}
//	}
//
// Operators: eq, ne, gt, lt, contains, exists.
//
// Expression form, evaluated against the step input:
//
//	{"expression": "input.count > 3 && input.region == \"eu\"", ...}
//
// Output is {"condition_result": bool} merged with the selected branch.
type ConditionalHandler struct{}

// NewConditionalHandler creates the handler.
func NewConditionalHandler() *ConditionalHandler {
	return &ConditionalHandler{}
}

// TaskType implements Handler.
func (h *ConditionalHandler) TaskType() string { return "conditional" }

// ValidateConfig implements Validator.
func (h *ConditionalHandler) ValidateConfig(config map[string]any) error {
	if expression, ok := config["expression"].(string); ok && expression != "" {
		_, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return &errors.ValidationError{
				Field:      "config.expression",
				Message:    fmt.Sprintf("invalid condition expression: %v", err),
				Suggestion: "the expression must evaluate to a boolean",
			}
		}
		return nil
	}
	if _, ok := config["condition"].(map[string]any); !ok {
		return &errors.ValidationError{
			Field:   "config",
			Message: "conditional steps require a condition or an expression",
		}
	}
	return nil
}

// Execute implements Handler.
func (h *ConditionalHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	var (
		result bool
		err    error
	)

	if expression, ok := config["expression"].(string); ok && expression != "" {
		result, err = h.evaluateExpression(expression, input)
	} else {
		condition, _ := config["condition"].(map[string]any)
		result = evaluateCondition(condition, input)
	}
	if err != nil {
		return nil, err
	}

	branch := "on_false"
	if result {
		branch = "on_true"
	}

	output := map[string]any{"condition_result": result}
	if extra, ok := config[branch].(map[string]any); ok {
		for k, v := range extra {
			output[k] = v
		}
	}
	return output, nil
}

func (h *ConditionalHandler) evaluateExpression(expression string, input map[string]any) (bool, error) {
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("condition compile error: %w", err)
	}
	out, err := expr.Run(program, map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("condition evaluation error: %w", err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition produced %T, want bool", out)
	}
	return result, nil
}

func evaluateCondition(condition, input map[string]any) bool {
	field, _ := condition["field"].(string)
	operator, _ := condition["operator"].(string)
	if operator == "" {
		operator = "eq"
	}
	expected := condition["value"]
	actual := input[field]

	switch operator {
	case "eq":
		return looseEqual(actual, expected)
	case "ne":
		return !looseEqual(actual, expected)
	case "gt":
		a, b, ok := asNumbers(actual, expected)
		return ok && a > b
	case "lt":
		a, b, ok := asNumbers(actual, expected)
		return ok && a < b
	case "contains":
		return contains(actual, expected)
	case "exists":
		_, ok := input[field]
		return ok
	}
	return false
}

// looseEqual compares with numeric coercion so 3 and 3.0 match after a JSON
// round trip. Non-numeric values compare with DeepEqual: decoded JSON can
// hold maps and slices, which == would panic on.
func looseEqual(a, b any) bool {
	if x, y, ok := asNumbers(a, b); ok {
		return x == y
	}
	return reflect.DeepEqual(a, b)
}

func asNumbers(a, b any) (float64, float64, bool) {
	x, okA := toFloat(a)
	y, okB := toFloat(b)
	return x, y, okA && okB
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(actual, expected any) bool {
	switch a := actual.(type) {
	case string:
		s, ok := expected.(string)
		return ok && strings.Contains(a, s)
	case []any:
		for _, item := range a {
			if looseEqual(item, expected) {
				return true
			}
		}
	}
	return false
}
