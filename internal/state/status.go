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

// Package state defines the lifecycle vocabularies of the engine and the
// execution state machine that guards transitions between them.
package state

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	// WorkflowDraft means the definition is being designed and may change.
	WorkflowDraft WorkflowStatus = "draft"
	// WorkflowActive means the definition is validated and executable.
	WorkflowActive WorkflowStatus = "active"
	// WorkflowDeprecated means the definition should no longer be used for
	// new executions.
	WorkflowDeprecated WorkflowStatus = "deprecated"
	// WorkflowArchived means the definition is retired.
	WorkflowArchived WorkflowStatus = "archived"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowDraft, WorkflowActive, WorkflowDeprecated, WorkflowArchived:
		return true
	}
	return false
}

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	// ExecutionPending means the execution is queued and has not started.
	ExecutionPending ExecutionStatus = "pending"
	// ExecutionRunning means a worker is driving the execution.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionCompleted means every step finished successfully.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed means a step exhausted its retries.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionRetrying means a failed execution has been scheduled to run again.
	ExecutionRetrying ExecutionStatus = "retrying"
	// ExecutionCancelled means the execution was cancelled by a caller.
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted,
		ExecutionFailed, ExecutionRetrying, ExecutionCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step attempt.
type StepStatus string

const (
	// StepPending means the attempt record exists but the handler has not run.
	StepPending StepStatus = "pending"
	// StepRunning means the handler is executing.
	StepRunning StepStatus = "running"
	// StepCompleted means the handler returned successfully.
	StepCompleted StepStatus = "completed"
	// StepFailed means the handler returned an error.
	StepFailed StepStatus = "failed"
	// StepSkipped means the step was bypassed.
	StepSkipped StepStatus = "skipped"
)

// LogLevel classifies execution log entries.
type LogLevel string

const (
	// LogDebug is detailed diagnostic information.
	LogDebug LogLevel = "debug"
	// LogInfo is routine lifecycle information.
	LogInfo LogLevel = "info"
	// LogWarning is a non-fatal problem.
	LogWarning LogLevel = "warning"
	// LogError is a failure.
	LogError LogLevel = "error"
)

// Valid reports whether l is a known log level.
func (l LogLevel) Valid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarning, LogError:
		return true
	}
	return false
}
