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

// Package api provides the admin HTTP API for the engine.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/ratchet/internal/execution"
	"github.com/tombee/ratchet/internal/httputil"
	"github.com/tombee/ratchet/internal/log"
	"github.com/tombee/ratchet/internal/queue"
	"github.com/tombee/ratchet/internal/store"
	"github.com/tombee/ratchet/internal/task"
	"github.com/tombee/ratchet/internal/workflow"
	"github.com/tombee/ratchet/pkg/errors"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version string
	Commit  string
}

// Router wraps an http.ServeMux with request logging.
type Router struct {
	mux        *http.ServeMux
	config     RouterConfig
	workflows  *workflow.Service
	executions *execution.Service
	queue      *queue.Queue
	registry   *task.Registry
	store      store.Store
	logger     *slog.Logger
}

// NewRouter creates the admin API router with all endpoints registered.
func NewRouter(cfg RouterConfig, workflows *workflow.Service, executions *execution.Service, q *queue.Queue, registry *task.Registry, s store.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:        http.NewServeMux(),
		config:     cfg,
		workflows:  workflows,
		executions: executions,
		queue:      q,
		registry:   registry,
		store:      s,
		logger:     log.WithComponent(logger, "api"),
	}

	r.mux.HandleFunc("POST /api/v1/workflows", r.handleCreateWorkflow)
	r.mux.HandleFunc("GET /api/v1/workflows", r.handleListWorkflows)
	r.mux.HandleFunc("GET /api/v1/workflows/{id}", r.handleGetWorkflow)
	r.mux.HandleFunc("POST /api/v1/workflows/{id}/steps", r.handleAddStep)
	r.mux.HandleFunc("POST /api/v1/workflows/{id}/activate", r.handleActivateWorkflow)
	r.mux.HandleFunc("POST /api/v1/workflows/{id}/deprecate", r.handleDeprecateWorkflow)
	r.mux.HandleFunc("POST /api/v1/workflows/{id}/archive", r.handleArchiveWorkflow)

	r.mux.HandleFunc("POST /api/v1/executions", r.handleCreateExecution)
	r.mux.HandleFunc("GET /api/v1/executions", r.handleListExecutions)
	r.mux.HandleFunc("GET /api/v1/executions/{id}", r.handleGetExecution)
	r.mux.HandleFunc("POST /api/v1/executions/{id}/retry", r.handleRetryExecution)
	r.mux.HandleFunc("POST /api/v1/executions/{id}/cancel", r.handleCancelExecution)
	r.mux.HandleFunc("GET /api/v1/executions/{id}/logs", r.handleExecutionLogs)

	r.mux.HandleFunc("GET /api/v1/task-types", r.handleTaskTypes)
	r.mux.HandleFunc("GET /api/v1/queue/stats", r.handleQueueStats)

	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// ServeHTTP implements http.Handler with request logging.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	defer func() {
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64(log.DurationKey, time.Since(start).Milliseconds()),
		)
	}()
	r.mux.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "ratchetd",
		"version": r.config.Version,
	})
}

// pathUUID parses the {id} path value, writing a 400 on malformed input.
func pathUUID(w http.ResponseWriter, req *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(req.PathValue("id"))
	if err != nil {
		httputil.WriteDomainError(w, &errors.ValidationError{
			Field:   "id",
			Message: "must be a valid UUID",
		})
		return uuid.Nil, false
	}
	return id, true
}
