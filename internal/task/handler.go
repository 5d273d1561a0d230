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

// Package task defines step handlers and their registry.
//
// A handler owns the execution logic for one task type. The built-in
// catalog covers HTTP calls, data transformation, delays, conditionals,
// and logging; embedders register their own handlers alongside them.
package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tombee/ratchet/pkg/errors"
)

// Handler executes one task type.
type Handler interface {
	// TaskType returns the type string steps reference in their definition.
	TaskType() string

	// Execute runs the task. config comes from the step definition, input
	// from the workflow input merged with prior step outputs. Timeouts are
	// enforced through ctx.
	Execute(ctx context.Context, config, input map[string]any) (map[string]any, error)
}

// Validator is implemented by handlers that can check step configuration at
// definition time, before any execution is enqueued.
type Validator interface {
	ValidateConfig(config map[string]any) error
}

// Registry maps task types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// DefaultRegistry creates a registry with all built-in handlers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewHTTPRequestHandler(nil))
	r.Register(NewDataTransformHandler())
	r.Register(NewDelayHandler())
	r.Register(NewConditionalHandler())
	r.Register(NewLogHandler(nil))
	return r
}

// Register adds a handler, replacing any previous handler for the same type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.TaskType()] = h
}

// Get returns the handler for a task type.
func (r *Registry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "task handler", ID: taskType}
	}
	return h, nil
}

// TaskTypes returns all registered task types, sorted.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateConfig runs the handler's config validation if it offers one.
func (r *Registry) ValidateConfig(taskType string, config map[string]any) error {
	h, err := r.Get(taskType)
	if err != nil {
		return err
	}
	if v, ok := h.(Validator); ok {
		return v.ValidateConfig(config)
	}
	return nil
}

// substitute replaces {key} placeholders with values from data. Used for
// simple templating in URLs and log messages; unknown placeholders are left
// untouched.
func substitute(s string, data map[string]any) string {
	for key, value := range data {
		s = strings.ReplaceAll(s, "{"+key+"}", fmt.Sprint(value))
	}
	return s
}
