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

// Package workflow manages workflow definitions and their lifecycle.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/ratchet/internal/log"
	"github.com/tombee/ratchet/internal/state"
	"github.com/tombee/ratchet/internal/store"
	"github.com/tombee/ratchet/internal/task"
	"github.com/tombee/ratchet/pkg/errors"
)

// Defaults for steps that omit them.
const (
	DefaultStepTimeoutSeconds = 300
	DefaultStepMaxRetries     = 3
)

// Service provides business logic for workflow definitions.
type Service struct {
	store    store.WorkflowStore
	registry *task.Registry
	logger   *slog.Logger
}

// NewService creates a workflow service. A nil registry skips task type
// validation on steps.
func NewService(s store.WorkflowStore, registry *task.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		registry: registry,
		logger:   log.WithComponent(logger, "workflow"),
	}
}

// Create creates a new workflow in draft status. Names are unique: creating
// a second workflow with an existing name fails.
func (s *Service) Create(ctx context.Context, name, description string, metadata map[string]any) (*store.Workflow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &errors.ValidationError{
			Field:      "name",
			Message:    "workflow name is required",
			Suggestion: "provide a non-empty name",
		}
	}

	if _, err := s.store.GetWorkflowByName(ctx, name); err == nil {
		return nil, &errors.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("workflow with name %q already exists", name),
		}
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	wf := store.NewWorkflow(name, description, metadata)
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "workflow created",
		slog.String(log.WorkflowIDKey, wf.ID.String()),
		slog.String("name", name))
	return wf, nil
}

// StepParams describes a step to add to a draft workflow.
type StepParams struct {
	Name           string
	TaskType       string
	StepOrder      int
	Config         map[string]any
	TimeoutSeconds int
	MaxRetries     int
}

// AddStep attaches a step to a draft workflow. Step orders must be unique
// within the workflow; contiguity is only enforced at activation.
func (s *Service) AddStep(ctx context.Context, workflowID uuid.UUID, params StepParams) (*store.Step, error) {
	wf, err := s.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if wf.Status != state.WorkflowDraft {
		return nil, &errors.ValidationError{
			Field:      "status",
			Message:    fmt.Sprintf("cannot add steps to workflow in %s status", wf.Status),
			Suggestion: "steps can only be added while the workflow is a draft",
		}
	}

	params.Name = strings.TrimSpace(params.Name)
	params.TaskType = strings.TrimSpace(params.TaskType)
	if params.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "step name is required"}
	}
	if params.TaskType == "" {
		return nil, &errors.ValidationError{Field: "task_type", Message: "task type is required"}
	}
	if params.StepOrder < 0 {
		return nil, &errors.ValidationError{Field: "step_order", Message: "step order must be non-negative"}
	}
	for _, existing := range wf.Steps {
		if existing.StepOrder == params.StepOrder {
			return nil, &errors.ValidationError{
				Field:   "step_order",
				Message: fmt.Sprintf("step order %d already exists", params.StepOrder),
			}
		}
	}

	if s.registry != nil {
		if err := s.registry.ValidateConfig(params.TaskType, params.Config); err != nil {
			if errors.IsNotFound(err) {
				return nil, &errors.ValidationError{
					Field:      "task_type",
					Message:    fmt.Sprintf("no handler registered for task type %q", params.TaskType),
					Suggestion: "list registered task types via the task-types endpoint",
				}
			}
			return nil, err
		}
	}

	if params.TimeoutSeconds <= 0 {
		params.TimeoutSeconds = DefaultStepTimeoutSeconds
	}
	if params.MaxRetries < 0 {
		params.MaxRetries = DefaultStepMaxRetries
	}

	step := store.NewStep(workflowID, params.Name, params.TaskType, params.StepOrder,
		params.Config, params.TimeoutSeconds, params.MaxRetries)
	if err := s.store.AddStep(ctx, step); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "step added",
		slog.String(log.WorkflowIDKey, workflowID.String()),
		slog.String(log.StepKey, step.Name),
		slog.Int(log.StepOrderKey, step.StepOrder))
	return step, nil
}

// Get retrieves a workflow by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*store.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// GetByName retrieves the latest version of a named workflow.
func (s *Service) GetByName(ctx context.Context, name string) (*store.Workflow, error) {
	return s.store.GetWorkflowByName(ctx, name)
}

// Activate transitions a draft workflow to active. The workflow must have at
// least one step and its step orders must form a contiguous run.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*store.Workflow, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if wf.Status != state.WorkflowDraft {
		return nil, &errors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("can only activate draft workflows, current status is %s", wf.Status),
		}
	}
	if len(wf.Steps) == 0 {
		return nil, &errors.ValidationError{
			Field:      "steps",
			Message:    "cannot activate a workflow without steps",
			Suggestion: "add at least one step before activating",
		}
	}

	orders := wf.StepOrders()
	for i := 1; i < len(orders); i++ {
		if orders[i] != orders[i-1]+1 {
			return nil, &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step orders must be sequential, gap between %d and %d", orders[i-1], orders[i]),
			}
		}
	}

	if err := s.store.UpdateWorkflowStatus(ctx, id, state.WorkflowActive); err != nil {
		return nil, err
	}
	wf.Status = state.WorkflowActive

	s.logger.InfoContext(ctx, "workflow activated", slog.String(log.WorkflowIDKey, id.String()))
	return wf, nil
}

// Deprecate marks an active or draft workflow as deprecated. Deprecated
// workflows refuse new executions; running ones finish normally.
func (s *Service) Deprecate(ctx context.Context, id uuid.UUID) (*store.Workflow, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if wf.Status != state.WorkflowActive && wf.Status != state.WorkflowDraft {
		return nil, &errors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("cannot deprecate workflow in %s status", wf.Status),
		}
	}

	if err := s.store.UpdateWorkflowStatus(ctx, id, state.WorkflowDeprecated); err != nil {
		return nil, err
	}
	wf.Status = state.WorkflowDeprecated

	s.logger.InfoContext(ctx, "workflow deprecated", slog.String(log.WorkflowIDKey, id.String()))
	return wf, nil
}

// Archive marks a workflow as archived regardless of its current status.
func (s *Service) Archive(ctx context.Context, id uuid.UUID) (*store.Workflow, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateWorkflowStatus(ctx, id, state.WorkflowArchived); err != nil {
		return nil, err
	}
	wf.Status = state.WorkflowArchived

	s.logger.InfoContext(ctx, "workflow archived", slog.String(log.WorkflowIDKey, id.String()))
	return wf, nil
}

// List returns workflows matching the filter.
func (s *Service) List(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	return s.store.ListWorkflows(ctx, filter)
}
