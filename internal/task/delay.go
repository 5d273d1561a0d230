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
	"time"
)

// DelayHandler pauses the workflow for a fixed duration.
//
// Config schema: {"seconds": 5}. Cancellation through ctx cuts the delay
// short and fails the step.
type DelayHandler struct{}

// NewDelayHandler creates the handler.
func NewDelayHandler() *DelayHandler {
	return &DelayHandler{}
}

// TaskType implements Handler.
func (h *DelayHandler) TaskType() string { return "delay" }

// Execute implements Handler.
func (h *DelayHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	seconds := 1.0
	switch v := config["seconds"].(type) {
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"delayed_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
