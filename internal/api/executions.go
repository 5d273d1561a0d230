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

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/ratchet/internal/httputil"
	"github.com/tombee/ratchet/internal/log"
	"github.com/tombee/ratchet/internal/queue"
	"github.com/tombee/ratchet/internal/state"
	"github.com/tombee/ratchet/internal/store"
	"github.com/tombee/ratchet/pkg/errors"
)

type createExecutionRequest struct {
	WorkflowID     uuid.UUID      `json:"workflow_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	InputData      map[string]any `json:"input_data"`
	MaxRetries     int            `json:"max_retries"`
	ScheduledAt    *time.Time     `json:"scheduled_at"`
}

// handleCreateExecution creates and enqueues an execution. A repeated
// idempotency key returns the existing execution with a 200 instead of
// running the workflow twice.
func (r *Router) handleCreateExecution(w http.ResponseWriter, req *http.Request) {
	var body createExecutionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.WorkflowID == uuid.Nil {
		httputil.WriteDomainError(w, &errors.ValidationError{
			Field:   "workflow_id",
			Message: "workflow_id is required",
		})
		return
	}

	exec, err := r.executions.Create(req.Context(), body.WorkflowID, body.IdempotencyKey,
		body.InputData, body.MaxRetries, body.ScheduledAt)
	if err != nil {
		var dup *errors.DuplicateExecutionError
		if errors.As(err, &dup) {
			if existing, ok := dup.Existing.(*store.Execution); ok {
				httputil.WriteJSON(w, http.StatusOK, existing)
				return
			}
		}
		httputil.WriteDomainError(w, err)
		return
	}

	if err := r.enqueueExecution(req, exec); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, exec)
}

// enqueueExecution puts an execution on the task queue, delayed until its
// scheduled_at when one is set. Enqueue-time deduplication reuses the
// execution's idempotency key.
func (r *Router) enqueueExecution(req *http.Request, exec *store.Execution) error {
	var delay time.Duration
	if exec.ScheduledAt != nil {
		if remaining := time.Until(*exec.ScheduledAt); remaining > 0 {
			delay = remaining
		}
	}

	_, err := r.queue.Enqueue(req.Context(), exec.ID, queue.EnqueueOptions{
		IdempotencyKey: exec.WorkflowID.String() + ":" + exec.IdempotencyKey,
		Delay:          delay,
	})
	if errors.Is(err, queue.ErrDuplicateMessage) {
		// Already queued; the execution record is still the source of truth.
		r.logger.Info("execution already enqueued",
			slog.String(log.ExecutionIDKey, exec.ID.String()))
		return nil
	}
	return err
}

func (r *Router) handleGetExecution(w http.ResponseWriter, req *http.Request) {
	id, ok := pathUUID(w, req)
	if !ok {
		return
	}

	exec, err := r.executions.Get(req.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, exec)
}

func (r *Router) handleListExecutions(w http.ResponseWriter, req *http.Request) {
	filter := store.ExecutionFilter{
		Limit:  queryInt(req, "limit", 100),
		Offset: queryInt(req, "offset", 0),
	}
	if raw := req.URL.Query().Get("workflow_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httputil.WriteDomainError(w, &errors.ValidationError{
				Field:   "workflow_id",
				Message: "must be a valid UUID",
			})
			return
		}
		filter.WorkflowID = &id
	}
	if raw := req.URL.Query().Get("status"); raw != "" {
		status := state.ExecutionStatus(raw)
		if !status.Valid() {
			httputil.WriteDomainError(w, &errors.ValidationError{
				Field:   "status",
				Message: "unknown execution status",
			})
			return
		}
		filter.Status = &status
	}

	executions, err := r.executions.List(req.Context(), filter)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"executions": executions,
		"count":      len(executions),
		"limit":      filter.Limit,
		"offset":     filter.Offset,
	})
}

// handleRetryExecution moves a failed execution into retrying and puts it
// back on the queue.
func (r *Router) handleRetryExecution(w http.ResponseWriter, req *http.Request) {
	id, ok := pathUUID(w, req)
	if !ok {
		return
	}

	exec, err := r.executions.Retry(req.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}

	// Retries bypass enqueue-time dedup: the original key may still be
	// within its TTL.
	if _, err := r.queue.Enqueue(req.Context(), exec.ID, queue.EnqueueOptions{}); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, exec)
}

func (r *Router) handleCancelExecution(w http.ResponseWriter, req *http.Request) {
	id, ok := pathUUID(w, req)
	if !ok {
		return
	}

	exec, err := r.executions.Cancel(req.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, exec)
}

func (r *Router) handleExecutionLogs(w http.ResponseWriter, req *http.Request) {
	id, ok := pathUUID(w, req)
	if !ok {
		return
	}

	filter := store.LogFilter{
		Limit:  queryInt(req, "limit", 100),
		Offset: queryInt(req, "offset", 0),
	}
	if raw := req.URL.Query().Get("level"); raw != "" {
		level := state.LogLevel(raw)
		if !level.Valid() {
			httputil.WriteDomainError(w, &errors.ValidationError{
				Field:   "level",
				Message: "unknown log level",
			})
			return
		}
		filter.Level = &level
	}

	logs, err := r.executions.Logs(req.Context(), id, filter)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
	})
}
