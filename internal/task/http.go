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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/ratchet/pkg/errors"
)

// maxResponseBody caps how much of an HTTP response is read into step output.
const maxResponseBody = 10 * 1024 * 1024

// HTTPRequestHandler performs an HTTP call.
//
// Config schema:
//
//	{
//	  "url": "https://api.example.com/items/{item_id}",
//	  "method": "GET",
//	  "headers": {"Authorization": "Bearer ..."},
//	  "body": {...},
//	  "expected_status": [200, 201]
//	}
//
// {key} placeholders in the URL are substituted from the step input. The
// output is {"status_code": N, "response": <decoded body>}; non-JSON bodies
// are wrapped as {"text": "..."}.
type HTTPRequestHandler struct {
	client *http.Client
}

// NewHTTPRequestHandler creates the handler. A nil client gets a default
// with a 30 second timeout; per-step timeouts still apply through ctx.
func NewHTTPRequestHandler(client *http.Client) *HTTPRequestHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRequestHandler{client: client}
}

// TaskType implements Handler.
func (h *HTTPRequestHandler) TaskType() string { return "http_request" }

// ValidateConfig implements Validator.
func (h *HTTPRequestHandler) ValidateConfig(config map[string]any) error {
	url, _ := config["url"].(string)
	if strings.TrimSpace(url) == "" {
		return &errors.ValidationError{
			Field:      "config.url",
			Message:    "http_request steps require a url",
			Suggestion: "set config.url to the request target",
		}
	}
	return nil
}

// Execute implements Handler.
func (h *HTTPRequestHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, &errors.ValidationError{Field: "config.url", Message: "http_request steps require a url"}
	}
	if strings.Contains(url, "{") {
		url = substitute(url, input)
	}

	method := strings.ToUpper(stringOr(config, "method", http.MethodGet))

	var body io.Reader
	if raw, ok := config["body"]; ok && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if !statusExpected(resp.StatusCode, config["expected_status"]) {
		return nil, fmt.Errorf("http request failed with status %d: %s", resp.StatusCode, truncate(string(raw), 512))
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = map[string]any{"text": string(raw)}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"response":    decoded,
	}, nil
}

// statusExpected checks the response code against the configured list,
// defaulting to 200, 201, and 204.
func statusExpected(code int, expected any) bool {
	list, ok := expected.([]any)
	if !ok || len(list) == 0 {
		return code == http.StatusOK || code == http.StatusCreated || code == http.StatusNoContent
	}
	for _, v := range list {
		if n, ok := v.(float64); ok && int(n) == code {
			return true
		}
		if n, ok := v.(int); ok && n == code {
			return true
		}
	}
	return false
}

func stringOr(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
