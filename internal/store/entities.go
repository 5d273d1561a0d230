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

package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/tombee/ratchet/internal/state"
)

// Workflow is a versioned workflow definition: an ordered list of typed steps.
type Workflow struct {
	ID          uuid.UUID            `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Status      state.WorkflowStatus `json:"status"`
	Version     int                  `json:"version"`
	Steps       []*Step              `json:"steps,omitempty"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// NewWorkflow constructs a draft workflow at version 1.
func NewWorkflow(name, description string, metadata map[string]any) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:          uuid.New(),
		Name:        name,
		Description: description,
		Status:      state.WorkflowDraft,
		Version:     1,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// StepOrders returns the set of step orders present on the workflow, sorted.
func (w *Workflow) StepOrders() []int {
	orders := make([]int, 0, len(w.Steps))
	for _, s := range w.Steps {
		orders = append(orders, s.StepOrder)
	}
	for i := 1; i < len(orders); i++ {
		for j := i; j > 0 && orders[j-1] > orders[j]; j-- {
			orders[j-1], orders[j] = orders[j], orders[j-1]
		}
	}
	return orders
}

// Step is a slot in a workflow definition. StepOrder is unique within the
// workflow and contiguous once the workflow is activated.
type Step struct {
	ID             uuid.UUID      `json:"id"`
	WorkflowID     uuid.UUID      `json:"workflow_id"`
	Name           string         `json:"name"`
	TaskType       string         `json:"task_type"`
	StepOrder      int            `json:"step_order"`
	Config         map[string]any `json:"config,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	MaxRetries     int            `json:"max_retries"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewStep constructs a workflow step with generated ID and timestamps.
func NewStep(workflowID uuid.UUID, name, taskType string, stepOrder int, config map[string]any, timeoutSeconds, maxRetries int) *Step {
	now := time.Now().UTC()
	return &Step{
		ID:             uuid.New(),
		WorkflowID:     workflowID,
		Name:           name,
		TaskType:       taskType,
		StepOrder:      stepOrder,
		Config:         config,
		TimeoutSeconds: timeoutSeconds,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Execution is one run of a workflow definition. Exactly one execution
// exists per (WorkflowID, IdempotencyKey) pair; the store enforces it.
type Execution struct {
	ID               uuid.UUID             `json:"id"`
	WorkflowID       uuid.UUID             `json:"workflow_id"`
	IdempotencyKey   string                `json:"idempotency_key"`
	Status           state.ExecutionStatus `json:"status"`
	CurrentStepOrder int                   `json:"current_step_order"`
	RetryCount       int                   `json:"retry_count"`
	MaxRetries       int                   `json:"max_retries"`
	InputData        map[string]any        `json:"input_data,omitempty"`
	OutputData       map[string]any        `json:"output_data,omitempty"`
	ErrorMessage     string                `json:"error_message,omitempty"`
	ScheduledAt      *time.Time            `json:"scheduled_at,omitempty"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`

	// StepExecutions is populated by GetExecution, ordered by
	// (step_order, attempt_number).
	StepExecutions []*StepExecution `json:"step_executions,omitempty"`
}

// NewExecution constructs a pending execution.
func NewExecution(workflowID uuid.UUID, idempotencyKey string, inputData map[string]any, maxRetries int, scheduledAt *time.Time) *Execution {
	now := time.Now().UTC()
	if inputData == nil {
		inputData = map[string]any{}
	}
	return &Execution{
		ID:               uuid.New(),
		WorkflowID:       workflowID,
		IdempotencyKey:   idempotencyKey,
		Status:           state.ExecutionPending,
		CurrentStepOrder: 0,
		RetryCount:       0,
		MaxRetries:       maxRetries,
		InputData:        inputData,
		ScheduledAt:      scheduledAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// StepExecution is one attempt of one step inside one execution.
type StepExecution struct {
	ID            uuid.UUID       `json:"id"`
	ExecutionID   uuid.UUID       `json:"execution_id"`
	StepID        uuid.UUID       `json:"step_id"`
	StepOrder     int             `json:"step_order"`
	Status        state.StepStatus `json:"status"`
	AttemptNumber int             `json:"attempt_number"`
	InputData     map[string]any  `json:"input_data,omitempty"`
	OutputData    map[string]any  `json:"output_data,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorDetails  map[string]any  `json:"error_details,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewStepExecution constructs a pending step attempt.
func NewStepExecution(executionID, stepID uuid.UUID, stepOrder, attemptNumber int, inputData map[string]any) *StepExecution {
	now := time.Now().UTC()
	return &StepExecution{
		ID:            uuid.New(),
		ExecutionID:   executionID,
		StepID:        stepID,
		StepOrder:     stepOrder,
		Status:        state.StepPending,
		AttemptNumber: attemptNumber,
		InputData:     inputData,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ExecutionLog is an append-only audit record for an execution.
// StepExecutionID is nil for workflow-level entries.
type ExecutionLog struct {
	ID              uuid.UUID      `json:"id"`
	ExecutionID     uuid.UUID      `json:"execution_id"`
	StepExecutionID *uuid.UUID     `json:"step_execution_id,omitempty"`
	Level           state.LogLevel `json:"level"`
	Message         string         `json:"message"`
	Details         map[string]any `json:"details,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// NewExecutionLog constructs a log entry stamped now.
func NewExecutionLog(executionID uuid.UUID, stepExecutionID *uuid.UUID, level state.LogLevel, message string, details map[string]any) *ExecutionLog {
	return &ExecutionLog{
		ID:              uuid.New(),
		ExecutionID:     executionID,
		StepExecutionID: stepExecutionID,
		Level:           level,
		Message:         message,
		Details:         details,
		Timestamp:       time.Now().UTC(),
	}
}
