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

// Package store defines the durable persistence model of the engine.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on what
// they use:
//
//   - WorkflowStore: workflow definitions and their steps
//   - ExecutionStore: executions and step attempts
//   - LogStore: the append-only audit trail
//
// The Store interface composes all of these plus Ping and io.Closer for
// full-featured backends (sqlite, postgres).
package store

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/ratchet/internal/state"
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	// CreateWorkflow inserts a workflow and any attached steps in one
	// transaction.
	CreateWorkflow(ctx context.Context, workflow *Workflow) error

	// GetWorkflow retrieves a workflow with its steps ordered by step_order.
	GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)

	// GetWorkflowByName retrieves the latest version of a named workflow.
	GetWorkflowByName(ctx context.Context, name string) (*Workflow, error)

	// ListWorkflows returns workflows matching the filter, newest first.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// UpdateWorkflowStatus sets a workflow's lifecycle status.
	UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status state.WorkflowStatus) error

	// AddStep attaches a step to an existing workflow.
	AddStep(ctx context.Context, step *Step) error

	// ListSteps returns a workflow's steps ordered by step_order.
	ListSteps(ctx context.Context, workflowID uuid.UUID) ([]*Step, error)
}

// ExecutionStore persists executions and their step attempts.
type ExecutionStore interface {
	// CreateExecution inserts a new execution. The (workflow_id,
	// idempotency_key) uniqueness is enforced here, not by callers; a
	// collision yields a DuplicateExecutionError.
	CreateExecution(ctx context.Context, execution *Execution) error

	// GetExecution retrieves an execution with its step attempts ordered by
	// (step_order, attempt_number).
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)

	// GetExecutionByIdempotencyKey retrieves the execution owning the key,
	// if any.
	GetExecutionByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*Execution, error)

	// UpdateExecutionStatus sets status plus any fields present in the
	// update. started_at is stamped on the first transition to running and
	// never overwritten; completed_at is stamped on transitions into
	// completed, failed, or cancelled.
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status state.ExecutionStatus, update ExecutionUpdate) error

	// IncrementRetryCount atomically bumps retry_count and returns the new
	// value.
	IncrementRetryCount(ctx context.Context, id uuid.UUID) (int, error)

	// SetOutputData stores the execution's final output document.
	SetOutputData(ctx context.Context, id uuid.UUID, output map[string]any) error

	// ListExecutions returns executions matching the filter, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// ListPendingReady returns pending executions whose scheduled_at is
	// unset or has passed, oldest first.
	ListPendingReady(ctx context.Context, now time.Time, limit int) ([]*Execution, error)

	// CreateStepExecution inserts a step attempt record.
	CreateStepExecution(ctx context.Context, stepExec *StepExecution) error

	// UpdateStepExecution sets status plus any fields present in the update.
	// started_at is stamped on running; completed_at on completed, failed,
	// or skipped.
	UpdateStepExecution(ctx context.Context, id uuid.UUID, status state.StepStatus, update StepExecutionUpdate) error

	// ListStepExecutions returns an execution's step attempts ordered by
	// (step_order, attempt_number).
	ListStepExecutions(ctx context.Context, executionID uuid.UUID) ([]*StepExecution, error)
}

// LogStore persists the append-only execution audit trail.
type LogStore interface {
	// AppendLog inserts a log entry.
	AppendLog(ctx context.Context, entry *ExecutionLog) error

	// ListLogs returns an execution's log entries ordered by timestamp.
	ListLogs(ctx context.Context, executionID uuid.UUID, filter LogFilter) ([]*ExecutionLog, error)
}

// Store is the full persistence interface backends implement.
type Store interface {
	WorkflowStore
	ExecutionStore
	LogStore

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	io.Closer
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Status *state.WorkflowStatus
	Limit  int
	Offset int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID *uuid.UUID
	Status     *state.ExecutionStatus
	Limit      int
	Offset     int
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	Level  *state.LogLevel
	Limit  int
	Offset int
}

// ExecutionUpdate carries the optional fields of UpdateExecutionStatus.
// Nil pointers leave the stored value untouched.
type ExecutionUpdate struct {
	ErrorMessage     *string
	CurrentStepOrder *int
}

// StepExecutionUpdate carries the optional fields of UpdateStepExecution.
type StepExecutionUpdate struct {
	OutputData   map[string]any
	ErrorMessage *string
	ErrorDetails map[string]any
}
