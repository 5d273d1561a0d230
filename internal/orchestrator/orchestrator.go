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

// Package orchestrator drives workflow executions step by step.
//
// The orchestrator is checkpoint-based: after each successful step it
// advances the execution's current_step_order, so a crashed or retried
// execution resumes from the first incomplete step instead of replaying
// finished ones. Step outputs are merged into the data document flowing to
// the next step.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/ratchet/internal/execution"
	"github.com/tombee/ratchet/internal/log"
	"github.com/tombee/ratchet/internal/metrics"
	"github.com/tombee/ratchet/internal/state"
	"github.com/tombee/ratchet/internal/store"
	"github.com/tombee/ratchet/internal/task"
	"github.com/tombee/ratchet/pkg/errors"
)

// Result statuses reported by Execute.
const (
	StatusCompleted        = "completed"
	StatusAlreadyCompleted = "already_completed"
	StatusFailed           = "failed"
)

// Result summarizes one Execute call.
type Result struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
}

// NotDueError is returned when an execution's scheduled_at lies in the
// future. The caller should re-enqueue with the remaining delay rather than
// run early.
type NotDueError struct {
	ExecutionID uuid.UUID
	Remaining   time.Duration
}

func (e *NotDueError) Error() string {
	return fmt.Sprintf("execution %s not due for %s", e.ExecutionID, e.Remaining)
}

// Config contains orchestrator tuning.
type Config struct {
	// RetryBaseDelay seeds the per-step exponential backoff.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the per-step backoff.
	RetryMaxDelay time.Duration
}

// Orchestrator executes workflows.
type Orchestrator struct {
	workflows  store.WorkflowStore
	executions *execution.Service
	registry   *task.Registry
	cfg        Config
	logger     *slog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator.
func New(workflows store.WorkflowStore, executions *execution.Service, registry *task.Registry, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	return &Orchestrator{
		workflows:  workflows,
		executions: executions,
		registry:   registry,
		cfg:        cfg,
		logger:     log.WithComponent(logger, "orchestrator"),
		sleep:      sleepCtx,
	}
}

// Execute runs an execution from its current checkpoint to completion or
// failure. Completed executions return immediately with their stored output;
// cancelled ones refuse to run.
func (o *Orchestrator) Execute(ctx context.Context, executionID uuid.UUID) (*Result, error) {
	exec, err := o.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	wf, err := o.workflows.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}

	switch exec.Status {
	case state.ExecutionCompleted:
		o.logger.InfoContext(ctx, "execution already completed",
			slog.String(log.ExecutionIDKey, executionID.String()))
		return &Result{Status: StatusAlreadyCompleted, Output: exec.OutputData}, nil
	case state.ExecutionCancelled:
		return nil, &errors.OrchestratorError{
			ExecutionID: executionID.String(),
			Message:     "execution was cancelled",
		}
	}

	if exec.ScheduledAt != nil {
		if remaining := time.Until(*exec.ScheduledAt); remaining > 0 {
			return nil, &NotDueError{ExecutionID: executionID, Remaining: remaining}
		}
	}

	if exec.Status == state.ExecutionPending || exec.Status == state.ExecutionRetrying {
		exec, err = o.executions.Start(ctx, executionID)
		if err != nil {
			return nil, err
		}
		metrics.RecordExecutionStarted()
	}

	started := time.Now()
	o.logger.InfoContext(ctx, "starting execution",
		slog.String(log.ExecutionIDKey, executionID.String()),
		slog.Int(log.StepOrderKey, exec.CurrentStepOrder))

	// Resume: only steps at or past the checkpoint run.
	steps := make([]*store.Step, 0, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.StepOrder >= exec.CurrentStepOrder {
			steps = append(steps, s)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })

	stepOutputs := map[string]any{}
	currentData := make(map[string]any, len(exec.InputData))
	for k, v := range exec.InputData {
		currentData[k] = v
	}

	for _, step := range steps {
		output, err := o.executeStep(ctx, executionID, step, currentData)
		if err != nil {
			var stepErr *errors.StepFailedError
			if errors.As(err, &stepErr) {
				if _, failErr := o.executions.Fail(ctx, executionID, stepErr.Error()); failErr != nil {
					o.logger.ErrorContext(ctx, "failed to mark execution failed", log.Error(failErr))
				}
				metrics.RecordExecutionFinished(StatusFailed, time.Since(started))
				return &Result{Status: StatusFailed}, err
			}
			// Infrastructure error: fail the execution and surface it.
			if _, failErr := o.executions.Fail(ctx, executionID, fmt.Sprintf("unexpected error: %v", err)); failErr != nil {
				o.logger.ErrorContext(ctx, "failed to mark execution failed", log.Error(failErr))
			}
			metrics.RecordExecutionFinished(StatusFailed, time.Since(started))
			return nil, &errors.OrchestratorError{
				ExecutionID: executionID.String(),
				Message:     "execution failed",
				Cause:       err,
			}
		}

		stepOutputs[step.Name] = output
		for k, v := range output {
			currentData[k] = v
		}

		// Checkpoint past the completed step.
		next := step.StepOrder + 1
		if err := o.checkpoint(ctx, executionID, next); err != nil {
			return nil, err
		}
	}

	finalOutput := map[string]any{
		"steps":      stepOutputs,
		"final_data": currentData,
	}
	if _, err := o.executions.Complete(ctx, executionID, finalOutput); err != nil {
		return nil, err
	}

	metrics.RecordExecutionFinished(StatusCompleted, time.Since(started))
	o.logger.InfoContext(ctx, "execution completed",
		slog.String(log.ExecutionIDKey, executionID.String()),
		slog.Duration("elapsed", time.Since(started)))
	return &Result{Status: StatusCompleted, Output: finalOutput}, nil
}

// executeStep runs one step with per-step retries and exponential backoff.
// Each attempt gets its own step execution record. Returns StepFailedError
// once the step's retry budget is spent.
func (o *Orchestrator) executeStep(ctx context.Context, executionID uuid.UUID, step *store.Step, inputData map[string]any) (map[string]any, error) {
	handler, err := o.registry.Get(step.TaskType)
	if err != nil {
		msg := fmt.Sprintf("no handler registered for task type: %s", step.TaskType)
		stepExec, createErr := o.executions.CreateStepExecution(ctx, executionID, step.ID, step.StepOrder, 1, inputData)
		if createErr == nil {
			o.failStepExecution(ctx, stepExec.ID, msg, nil)
		}
		return nil, &errors.StepFailedError{Step: step.Name, Attempts: 0, Cause: errors.New(msg)}
	}

	maxAttempts := step.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stepExec, err := o.executions.CreateStepExecution(ctx, executionID, step.ID, step.StepOrder, attempt, inputData)
		if err != nil {
			return nil, err
		}

		if err := o.executions.UpdateStepExecution(ctx, stepExec.ID, state.StepRunning, store.StepExecutionUpdate{}); err != nil {
			return nil, err
		}
		o.executions.AppendLog(ctx, executionID, &stepExec.ID, state.LogInfo,
			fmt.Sprintf("Starting step '%s' (attempt %d/%d)", step.Name, attempt, maxAttempts),
			map[string]any{"attempt": attempt})

		attemptStart := time.Now()
		output, err := o.runHandler(ctx, handler, step, inputData)
		if err == nil {
			if err := o.executions.UpdateStepExecution(ctx, stepExec.ID, state.StepCompleted, store.StepExecutionUpdate{
				OutputData: output,
			}); err != nil {
				return nil, err
			}
			o.executions.AppendLog(ctx, executionID, &stepExec.ID, state.LogInfo,
				fmt.Sprintf("Step '%s' completed successfully", step.Name), nil)
			metrics.RecordStepAttempt(step.TaskType, "completed", time.Since(attemptStart))
			return output, nil
		}

		lastErr = err
		metrics.RecordStepAttempt(step.TaskType, "failed", time.Since(attemptStart))

		details := map[string]any{
			"error_message": err.Error(),
			"attempt":       attempt,
		}
		o.failStepExecution(ctx, stepExec.ID, err.Error(), details)
		o.executions.AppendLog(ctx, executionID, &stepExec.ID, state.LogError,
			fmt.Sprintf("Step '%s' attempt %d failed: %v", step.Name, attempt, err), details)

		if attempt < maxAttempts {
			delay := o.backoff(attempt)
			o.logger.InfoContext(ctx, "retrying step",
				slog.String(log.ExecutionIDKey, executionID.String()),
				slog.String(log.StepKey, step.Name),
				slog.Duration("delay", delay))
			if err := o.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, &errors.StepFailedError{Step: step.Name, Attempts: maxAttempts, Cause: lastErr}
}

// runHandler applies the step timeout and invokes the handler.
func (o *Orchestrator) runHandler(ctx context.Context, handler task.Handler, step *store.Step, inputData map[string]any) (map[string]any, error) {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := handler.Execute(stepCtx, step.Config, inputData)
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{
				Operation: fmt.Sprintf("step %s", step.Name),
				Duration:  timeout,
				Cause:     err,
			}
		}
		return nil, err
	}
	if output == nil {
		output = map[string]any{}
	}
	return output, nil
}

// checkpoint advances current_step_order while keeping status running.
func (o *Orchestrator) checkpoint(ctx context.Context, executionID uuid.UUID, nextStepOrder int) error {
	return o.executions.Checkpoint(ctx, executionID, nextStepOrder)
}

func (o *Orchestrator) failStepExecution(ctx context.Context, stepExecID uuid.UUID, errorMessage string, details map[string]any) {
	if err := o.executions.UpdateStepExecution(ctx, stepExecID, state.StepFailed, store.StepExecutionUpdate{
		ErrorMessage: &errorMessage,
		ErrorDetails: details,
	}); err != nil {
		o.logger.ErrorContext(ctx, "failed to mark step failed", log.Error(err))
	}
}

// backoff returns min(base * 2^attempt, max).
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := float64(o.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt))
	if capped := float64(o.cfg.RetryMaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
