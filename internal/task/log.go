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
	"log/slog"
)

// LogHandler emits a message to the process log.
//
// Config schema: {"message": "processed {order_id}", "level": "info"}.
// {key} placeholders are substituted from the step input. Output is
// {"logged_message": ..., "level": ...}.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates the handler. A nil logger uses slog.Default.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

// TaskType implements Handler.
func (h *LogHandler) TaskType() string { return "log" }

// Execute implements Handler.
func (h *LogHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	message := stringOr(config, "message", "Log step executed")
	level := stringOr(config, "level", "info")

	message = substitute(message, input)

	switch level {
	case "debug":
		h.logger.DebugContext(ctx, message)
	case "warning", "warn":
		h.logger.WarnContext(ctx, message)
	case "error":
		h.logger.ErrorContext(ctx, message)
	default:
		level = "info"
		h.logger.InfoContext(ctx, message)
	}

	return map[string]any{"logged_message": message, "level": level}, nil
}
