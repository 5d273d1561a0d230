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
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/ratchet/pkg/errors"
)

// jqTimeout bounds jq query evaluation per step.
const jqTimeout = 1 * time.Second

// DataTransformHandler reshapes step input data.
//
// Two modes are supported. The declarative transform list:
//
//	{
//	  "transforms": [
//	    {"type": "rename", "from": "old_key", "to": "new_key"},
//	    {"type": "extract", "key": "nested.path", "as": "new_key"},
//	    {"type": "set", "key": "key", "value": "static_value"},
//	    {"type": "delete", "keys": ["key1", "key2"]}
//	  ]
//	}
//
// Or a jq query, which must produce an object:
//
//	{"query": "{total: .items | length, first: .items[0].name}"}
//
// When both are present the transform list runs first and the query runs on
// its result.
type DataTransformHandler struct{}

// NewDataTransformHandler creates the handler.
func NewDataTransformHandler() *DataTransformHandler {
	return &DataTransformHandler{}
}

// TaskType implements Handler.
func (h *DataTransformHandler) TaskType() string { return "data_transform" }

// ValidateConfig implements Validator. It compiles any jq query so syntax
// errors surface at definition time rather than mid-execution.
func (h *DataTransformHandler) ValidateConfig(config map[string]any) error {
	query, _ := config["query"].(string)
	if query == "" {
		return nil
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return &errors.ValidationError{
			Field:      "config.query",
			Message:    fmt.Sprintf("invalid jq query: %v", err),
			Suggestion: "check the jq expression syntax",
		}
	}
	if _, err := gojq.Compile(parsed); err != nil {
		return &errors.ValidationError{
			Field:   "config.query",
			Message: fmt.Sprintf("jq query does not compile: %v", err),
		}
	}
	return nil
}

// Execute implements Handler.
func (h *DataTransformHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = v
	}

	if transforms, ok := config["transforms"].([]any); ok {
		for _, raw := range transforms {
			transform, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			applyTransform(result, transform)
		}
	}

	if query, ok := config["query"].(string); ok && query != "" {
		transformed, err := h.runQuery(ctx, query, result)
		if err != nil {
			return nil, err
		}
		result = transformed
	}

	return result, nil
}

func applyTransform(result map[string]any, transform map[string]any) {
	switch transform["type"] {
	case "rename":
		from, _ := transform["from"].(string)
		to, _ := transform["to"].(string)
		if value, ok := result[from]; ok && to != "" {
			delete(result, from)
			result[to] = value
		}
	case "extract":
		path, _ := transform["key"].(string)
		as, _ := transform["as"].(string)
		if as == "" {
			parts := strings.Split(path, ".")
			as = parts[len(parts)-1]
		}
		if value := nestedValue(result, path); value != nil {
			result[as] = value
		}
	case "set":
		if key, ok := transform["key"].(string); ok {
			result[key] = transform["value"]
		}
	case "delete":
		if keys, ok := transform["keys"].([]any); ok {
			for _, k := range keys {
				if key, ok := k.(string); ok {
					delete(result, key)
				}
			}
		}
	}
}

// nestedValue walks a dot-separated path through nested maps.
func nestedValue(data map[string]any, path string) any {
	var value any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value, ok = m[key]
		if !ok {
			return nil
		}
	}
	return value
}

// runQuery evaluates a jq query with a timeout, requiring an object result.
func (h *DataTransformHandler) runQuery(ctx context.Context, query string, input map[string]any) (map[string]any, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("jq parse error: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compile error: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, jqTimeout)
	defer cancel()

	iter := code.RunWithContext(execCtx, map[string]any(input))
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq execution error: %w", err)
		}
		results = append(results, v)
	}

	if len(results) == 0 {
		return map[string]any{}, nil
	}
	obj, ok := results[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("jq query must produce an object, got %T", results[0])
	}
	return obj, nil
}
