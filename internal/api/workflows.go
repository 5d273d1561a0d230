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
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/tombee/ratchet/internal/httputil"
	"github.com/tombee/ratchet/internal/state"
	"github.com/tombee/ratchet/internal/store"
	"github.com/tombee/ratchet/internal/workflow"
	"github.com/tombee/ratchet/pkg/errors"
)

type createWorkflowRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

func (r *Router) handleCreateWorkflow(w http.ResponseWriter, req *http.Request) {
	var body createWorkflowRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	wf, err := r.workflows.Create(req.Context(), body.Name, body.Description, body.Metadata)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, wf)
}

func (r *Router) handleGetWorkflow(w http.ResponseWriter, req *http.Request) {
	id, ok := pathUUID(w, req)
	if !ok {
		return
	}

	wf, err := r.workflows.Get(req.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wf)
}

func (r *Router) handleListWorkflows(w http.ResponseWriter, req *http.Request) {
	filter := store.WorkflowFilter{
		Limit:  queryInt(req, "limit", 100),
		Offset: queryInt(req, "offset", 0),
	}
	if raw := req.URL.Query().Get("status"); raw != "" {
		status := state.WorkflowStatus(raw)
		if !status.Valid() {
			httputil.WriteDomainError(w, &errors.ValidationError{
				Field:   "status",
				Message: "unknown workflow status",
			})
			return
		}
		filter.Status = &status
	}

	workflows, err := r.workflows.List(req.Context(), filter)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"count":     len(workflows),
		"limit":     filter.Limit,
		"offset":    filter.Offset,
	})
}

type addStepRequest struct {
	Name           string         `json:"name"`
	TaskType       string         `json:"task_type"`
	StepOrder      int            `json:"step_order"`
	Config         map[string]any `json:"config"`
	TimeoutSeconds int            `json:"timeout_seconds"`

	// MaxRetries is a pointer so an explicit zero survives decoding;
	// absent means "use the default".
	MaxRetries *int `json:"max_retries"`
}

func (r *Router) handleAddStep(w http.ResponseWriter, req *http.Request) {
	id, ok := pathUUID(w, req)
	if !ok {
		return
	}

	var body addStepRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	maxRetries := -1
	if body.MaxRetries != nil {
		maxRetries = *body.MaxRetries
	}

	step, err := r.workflows.AddStep(req.Context(), id, workflow.StepParams{
		Name:           body.Name,
		TaskType:       body.TaskType,
		StepOrder:      body.StepOrder,
		Config:         body.Config,
		TimeoutSeconds: body.TimeoutSeconds,
		MaxRetries:     maxRetries,
	})
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, step)
}

func (r *Router) handleActivateWorkflow(w http.ResponseWriter, req *http.Request) {
	r.workflowTransition(w, req, r.workflows.Activate)
}

func (r *Router) handleDeprecateWorkflow(w http.ResponseWriter, req *http.Request) {
	r.workflowTransition(w, req, r.workflows.Deprecate)
}

func (r *Router) handleArchiveWorkflow(w http.ResponseWriter, req *http.Request) {
	r.workflowTransition(w, req, r.workflows.Archive)
}

func (r *Router) workflowTransition(w http.ResponseWriter, req *http.Request, op func(ctx context.Context, id uuid.UUID) (*store.Workflow, error)) {
	id, ok := pathUUID(w, req)
	if !ok {
		return
	}

	wf, err := op(req.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wf)
}

// queryInt parses an integer query parameter with a default.
func queryInt(req *http.Request, key string, def int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
