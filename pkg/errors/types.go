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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "execution")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InvalidTransitionError represents an illegal execution state change.
// The state machine rejects the transition; the caller sees it as a 400.
type InvalidTransitionError struct {
	// From is the state the execution is currently in
	From string

	// To is the state that was requested
	To string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// DuplicateExecutionError is returned when an execution already exists for a
// (workflow_id, idempotency_key) pair. It carries the existing record so
// callers can return it instead of treating the collision as a failure.
type DuplicateExecutionError struct {
	// IdempotencyKey is the key that collided
	IdempotencyKey string

	// Existing holds the execution that already owns the key. Declared as any
	// to keep this package free of domain imports; callers type-assert.
	Existing any
}

// Error implements the error interface.
func (e *DuplicateExecutionError) Error() string {
	return fmt.Sprintf("execution already exists for idempotency key: %s", e.IdempotencyKey)
}

// StepFailedError represents a workflow step that failed on every attempt.
// The orchestrator converts it into an execution-level failure; it never
// propagates past the worker.
type StepFailedError struct {
	// Step is the name of the failed step
	Step string

	// Attempts is how many times the handler was invoked
	Attempts int

	// Cause is the error from the final attempt
	Cause error
}

// Error implements the error interface.
func (e *StepFailedError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("step %q failed after %d attempts: %v", e.Step, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepFailedError) Unwrap() error {
	return e.Cause
}

// OrchestratorError represents an unrecoverable orchestrator failure, such as
// a missing workflow definition or an execution in a state that cannot run.
type OrchestratorError struct {
	// ExecutionID identifies the affected execution
	ExecutionID string

	// Message describes what went wrong
	Message string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *OrchestratorError) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("orchestrator error for execution %s: %s", e.ExecutionID, e.Message)
	}
	return fmt.Sprintf("orchestrator error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "redis_url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "step handler", "dequeue")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
