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

// Package execution manages the lifecycle of workflow executions.
//
// All status changes route through the state machine; callers cannot push
// an execution through an illegal transition. Every change is mirrored into
// the execution's append-only audit log.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/ratchet/internal/log"
	"github.com/tombee/ratchet/internal/state"
	"github.com/tombee/ratchet/internal/store"
	"github.com/tombee/ratchet/pkg/errors"
)

// DefaultMaxRetries is the retry budget for executions that do not set one.
const DefaultMaxRetries = 3

// Service provides business logic for workflow executions.
type Service struct {
	executions store.ExecutionStore
	workflows  store.WorkflowStore
	logs       store.LogStore
	logger     *slog.Logger
}

// NewService creates an execution service.
func NewService(executions store.ExecutionStore, workflows store.WorkflowStore, logs store.LogStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		executions: executions,
		workflows:  workflows,
		logs:       logs,
		logger:     log.WithComponent(logger, "execution"),
	}
}

// Create creates a pending execution for an active workflow. A repeated
// idempotency key yields a DuplicateExecutionError carrying the existing
// execution, so callers can return it instead of running the workflow twice.
func (s *Service) Create(ctx context.Context, workflowID uuid.UUID, idempotencyKey string, inputData map[string]any, maxRetries int, scheduledAt *time.Time) (*store.Execution, error) {
	wf, err := s.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != state.WorkflowActive {
		return nil, &errors.ValidationError{
			Field:      "workflow",
			Message:    fmt.Sprintf("cannot execute workflow in %s status", wf.Status),
			Suggestion: "activate the workflow before creating executions",
		}
	}
	if idempotencyKey == "" {
		return nil, &errors.ValidationError{Field: "idempotency_key", Message: "idempotency key is required"}
	}

	if existing, err := s.executions.GetExecutionByIdempotencyKey(ctx, workflowID, idempotencyKey); err == nil {
		s.logger.InfoContext(ctx, "duplicate execution request",
			slog.String(log.ExecutionIDKey, existing.ID.String()),
			slog.String("idempotency_key", idempotencyKey))
		return nil, &errors.DuplicateExecutionError{IdempotencyKey: idempotencyKey, Existing: existing}
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	exec := store.NewExecution(workflowID, idempotencyKey, inputData, maxRetries, scheduledAt)
	if err := s.executions.CreateExecution(ctx, exec); err != nil {
		// A concurrent request may have claimed the key between the lookup
		// and the insert; surface the winner.
		var dup *errors.DuplicateExecutionError
		if errors.As(err, &dup) {
			if existing, lookupErr := s.executions.GetExecutionByIdempotencyKey(ctx, workflowID, idempotencyKey); lookupErr == nil {
				dup.Existing = existing
			}
			return nil, dup
		}
		return nil, err
	}

	s.appendLog(ctx, exec.ID, nil, state.LogInfo,
		fmt.Sprintf("Execution created for workflow %s", workflowID),
		map[string]any{"idempotency_key": idempotencyKey})

	s.logger.InfoContext(ctx, "execution created",
		slog.String(log.ExecutionIDKey, exec.ID.String()),
		slog.String(log.WorkflowIDKey, workflowID.String()))
	return exec, nil
}

// Get retrieves an execution with its step attempts.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	return s.executions.GetExecution(ctx, id)
}

// TransitionStatus moves an execution to a new status after validating the
// transition, and records the change in the audit log.
func (s *Service) TransitionStatus(ctx context.Context, id uuid.UUID, newStatus state.ExecutionStatus, update store.ExecutionUpdate) (*store.Execution, error) {
	exec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := state.Validate(exec.Status, newStatus); err != nil {
		return nil, err
	}

	if err := s.executions.UpdateExecutionStatus(ctx, id, newStatus, update); err != nil {
		return nil, err
	}

	details := map[string]any{
		"previous_status": string(exec.Status),
		"new_status":      string(newStatus),
	}
	if update.ErrorMessage != nil {
		details["error_message"] = *update.ErrorMessage
	}
	s.appendLog(ctx, id, nil, state.LogInfo,
		fmt.Sprintf("Status changed: %s -> %s", exec.Status, newStatus), details)

	exec.Status = newStatus
	if update.ErrorMessage != nil {
		exec.ErrorMessage = *update.ErrorMessage
	}
	if update.CurrentStepOrder != nil {
		exec.CurrentStepOrder = *update.CurrentStepOrder
	}
	return exec, nil
}

// Start marks an execution as running.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	return s.TransitionStatus(ctx, id, state.ExecutionRunning, store.ExecutionUpdate{})
}

// Complete marks an execution as completed and stores its output.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, outputData map[string]any) (*store.Execution, error) {
	exec, err := s.TransitionStatus(ctx, id, state.ExecutionCompleted, store.ExecutionUpdate{})
	if err != nil {
		return nil, err
	}
	if outputData != nil {
		if err := s.executions.SetOutputData(ctx, id, outputData); err != nil {
			return nil, err
		}
		exec.OutputData = outputData
	}
	return exec, nil
}

// Fail marks an execution as failed with an error message.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, errorMessage string) (*store.Execution, error) {
	return s.TransitionStatus(ctx, id, state.ExecutionFailed, store.ExecutionUpdate{ErrorMessage: &errorMessage})
}

// Checkpoint advances current_step_order on a running execution. This is a
// progress write, not a status transition, so it bypasses the state machine.
func (s *Service) Checkpoint(ctx context.Context, id uuid.UUID, nextStepOrder int) error {
	return s.executions.UpdateExecutionStatus(ctx, id, state.ExecutionRunning, store.ExecutionUpdate{
		CurrentStepOrder: &nextStepOrder,
	})
}

// Retry moves a failed execution into retrying and bumps its retry count.
// Fails when the retry budget is already spent.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	exec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !state.CanRetry(exec.Status) {
		return nil, &errors.InvalidTransitionError{From: string(exec.Status), To: string(state.ExecutionRetrying)}
	}
	if exec.RetryCount >= exec.MaxRetries {
		return nil, &errors.ValidationError{
			Field:   "retry_count",
			Message: fmt.Sprintf("maximum retries (%d) exceeded", exec.MaxRetries),
		}
	}

	newCount, err := s.executions.IncrementRetryCount(ctx, id)
	if err != nil {
		return nil, err
	}

	exec, err = s.TransitionStatus(ctx, id, state.ExecutionRetrying, store.ExecutionUpdate{})
	if err != nil {
		return nil, err
	}
	exec.RetryCount = newCount

	s.appendLog(ctx, id, nil, state.LogInfo,
		fmt.Sprintf("Retry initiated (attempt %d of %d)", newCount, exec.MaxRetries),
		map[string]any{"retry_count": newCount, "max_retries": exec.MaxRetries})
	return exec, nil
}

// Cancel cancels a non-terminal execution.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	exec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.IsTerminal(exec.Status) {
		return nil, &errors.InvalidTransitionError{From: string(exec.Status), To: string(state.ExecutionCancelled)}
	}
	return s.TransitionStatus(ctx, id, state.ExecutionCancelled, store.ExecutionUpdate{})
}

// CreateStepExecution records a new step attempt.
func (s *Service) CreateStepExecution(ctx context.Context, executionID, stepID uuid.UUID, stepOrder, attemptNumber int, inputData map[string]any) (*store.StepExecution, error) {
	stepExec := store.NewStepExecution(executionID, stepID, stepOrder, attemptNumber, inputData)
	if err := s.executions.CreateStepExecution(ctx, stepExec); err != nil {
		return nil, err
	}
	return stepExec, nil
}

// UpdateStepExecution updates a step attempt's status and outcome.
func (s *Service) UpdateStepExecution(ctx context.Context, stepExecID uuid.UUID, status state.StepStatus, update store.StepExecutionUpdate) error {
	return s.executions.UpdateStepExecution(ctx, stepExecID, status, update)
}

// List returns executions matching the filter.
func (s *Service) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return s.executions.ListExecutions(ctx, filter)
}

// Logs returns the audit log for an execution, verifying it exists first.
func (s *Service) Logs(ctx context.Context, executionID uuid.UUID, filter store.LogFilter) ([]*store.ExecutionLog, error) {
	if _, err := s.Get(ctx, executionID); err != nil {
		return nil, err
	}
	return s.logs.ListLogs(ctx, executionID, filter)
}

// AppendLog records an audit entry for an execution.
func (s *Service) AppendLog(ctx context.Context, executionID uuid.UUID, stepExecutionID *uuid.UUID, level state.LogLevel, message string, details map[string]any) {
	s.appendLog(ctx, executionID, stepExecutionID, level, message, details)
}

// appendLog writes audit entries best-effort: a failed audit write is logged
// but never fails the operation it annotates.
func (s *Service) appendLog(ctx context.Context, executionID uuid.UUID, stepExecutionID *uuid.UUID, level state.LogLevel, message string, details map[string]any) {
	entry := store.NewExecutionLog(executionID, stepExecutionID, level, message, details)
	if err := s.logs.AppendLog(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to append execution log",
			slog.String(log.ExecutionIDKey, executionID.String()),
			log.Error(err))
	}
}
