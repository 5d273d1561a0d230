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

// Package sqlite provides a SQLite store implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/ratchet/internal/state"
	"github.com/tombee/ratchet/internal/store"
	"github.com/tombee/ratchet/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.WorkflowStore  = (*Store)(nil)
	_ store.ExecutionStore = (*Store)(nil)
	_ store.LogStore       = (*Store)(nil)
	_ store.Store          = (*Store)(nil)
)

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (name, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			task_type TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			config TEXT,
			timeout_seconds INTEGER NOT NULL,
			max_retries INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (workflow_id, step_order),
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step_order INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			input_data TEXT,
			output_data TEXT,
			error_message TEXT,
			scheduled_at TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (workflow_id, idempotency_key),
			FOREIGN KEY (workflow_id) REFERENCES workflows(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			input_data TEXT,
			output_data TEXT,
			error_message TEXT,
			error_details TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (execution_id) REFERENCES workflow_executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_execution ON step_executions(execution_id, step_order, attempt_number)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			step_execution_id TEXT,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			timestamp TEXT NOT NULL,
			FOREIGN KEY (execution_id) REFERENCES workflow_executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id, timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateWorkflow inserts a workflow and its steps in one transaction.
func (s *Store) CreateWorkflow(ctx context.Context, workflow *store.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, status, version, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		workflow.ID.String(),
		workflow.Name,
		workflow.Description,
		string(workflow.Status),
		workflow.Version,
		marshalJSON(workflow.Metadata),
		formatTime(workflow.CreatedAt),
		formatTime(workflow.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ValidationError{
				Field:      "name",
				Message:    fmt.Sprintf("workflow %q version %d already exists", workflow.Name, workflow.Version),
				Suggestion: "use a unique workflow name",
			}
		}
		return fmt.Errorf("failed to insert workflow: %w", err)
	}

	for _, step := range workflow.Steps {
		if err := insertStep(ctx, tx, step); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertStep(ctx context.Context, tx *sql.Tx, step *store.Step) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_steps (id, workflow_id, name, task_type, step_order, config, timeout_seconds, max_retries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID.String(),
		step.WorkflowID.String(),
		step.Name,
		step.TaskType,
		step.StepOrder,
		marshalJSON(step.Config),
		step.TimeoutSeconds,
		step.MaxRetries,
		formatTime(step.CreatedAt),
		formatTime(step.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ValidationError{
				Field:   "step_order",
				Message: fmt.Sprintf("step order %d already exists in workflow", step.StepOrder),
			}
		}
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID with its steps.
func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*store.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, status, version, metadata, created_at, updated_at
		 FROM workflows WHERE id = ?`, id.String())

	workflow, err := scanWorkflow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "workflow", ID: id.String()}
		}
		return nil, err
	}

	steps, err := s.ListSteps(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}
	workflow.Steps = steps
	return workflow, nil
}

// GetWorkflowByName retrieves the latest version of a named workflow.
func (s *Store) GetWorkflowByName(ctx context.Context, name string) (*store.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, status, version, metadata, created_at, updated_at
		 FROM workflows WHERE name = ? ORDER BY version DESC LIMIT 1`, name)

	workflow, err := scanWorkflow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
		}
		return nil, err
	}

	steps, err := s.ListSteps(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}
	workflow.Steps = steps
	return workflow, nil
}

// ListWorkflows returns workflows matching the filter, newest first.
func (s *Store) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	query := `SELECT id, name, description, status, version, metadata, created_at, updated_at FROM workflows`
	args := []any{}

	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*store.Workflow
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, workflow)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, workflow := range workflows {
		steps, err := s.ListSteps(ctx, workflow.ID)
		if err != nil {
			return nil, err
		}
		workflow.Steps = steps
	}
	return workflows, nil
}

// UpdateWorkflowStatus sets a workflow's lifecycle status.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id uuid.UUID, status state.WorkflowStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now().UTC()), id.String())
	if err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}
	return requireRow(result, "workflow", id.String())
}

// AddStep attaches a step to an existing workflow.
func (s *Store) AddStep(ctx context.Context, step *store.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertStep(ctx, tx, step); err != nil {
		return err
	}
	return tx.Commit()
}

// ListSteps returns a workflow's steps ordered by step_order.
func (s *Store) ListSteps(ctx context.Context, workflowID uuid.UUID) ([]*store.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, name, task_type, step_order, config, timeout_seconds, max_retries, created_at, updated_at
		 FROM workflow_steps WHERE workflow_id = ? ORDER BY step_order`, workflowID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*store.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// CreateExecution inserts a new execution. Uniqueness of
// (workflow_id, idempotency_key) is enforced by the table constraint.
func (s *Store) CreateExecution(ctx context.Context, execution *store.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions
		 (id, workflow_id, idempotency_key, status, current_step_order, retry_count, max_retries,
		  input_data, output_data, error_message, scheduled_at, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		execution.ID.String(),
		execution.WorkflowID.String(),
		execution.IdempotencyKey,
		string(execution.Status),
		execution.CurrentStepOrder,
		execution.RetryCount,
		execution.MaxRetries,
		marshalJSON(execution.InputData),
		marshalJSON(execution.OutputData),
		nullString(execution.ErrorMessage),
		formatNullableTime(execution.ScheduledAt),
		formatNullableTime(execution.StartedAt),
		formatNullableTime(execution.CompletedAt),
		formatTime(execution.CreatedAt),
		formatTime(execution.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.DuplicateExecutionError{IdempotencyKey: execution.IdempotencyKey}
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution with its step attempts.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	row := s.db.QueryRowContext(ctx, selectExecution+` WHERE id = ?`, id.String())

	execution, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "execution", ID: id.String()}
		}
		return nil, err
	}

	stepExecs, err := s.ListStepExecutions(ctx, execution.ID)
	if err != nil {
		return nil, err
	}
	execution.StepExecutions = stepExecs
	return execution, nil
}

// GetExecutionByIdempotencyKey retrieves the execution owning the key.
func (s *Store) GetExecutionByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*store.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		selectExecution+` WHERE workflow_id = ? AND idempotency_key = ?`,
		workflowID.String(), key)

	execution, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "execution", ID: key}
		}
		return nil, err
	}
	return execution, nil
}

// UpdateExecutionStatus sets status plus the optional update fields.
// started_at is stamped on the first transition to running; completed_at on
// transitions into terminal statuses.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status state.ExecutionStatus, update store.ExecutionUpdate) error {
	now := formatTime(time.Now().UTC())

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), now}

	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.CurrentStepOrder != nil {
		sets = append(sets, "current_step_order = ?")
		args = append(args, *update.CurrentStepOrder)
	}

	switch status {
	case state.ExecutionRunning:
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	case state.ExecutionCompleted, state.ExecutionFailed, state.ExecutionCancelled:
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}

	args = append(args, id.String())
	query := fmt.Sprintf(`UPDATE workflow_executions SET %s WHERE id = ?`, strings.Join(sets, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	return requireRow(result, "execution", id.String())
}

// IncrementRetryCount atomically bumps retry_count and returns the new value.
func (s *Store) IncrementRetryCount(ctx context.Context, id uuid.UUID) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE workflow_executions SET retry_count = retry_count + 1, updated_at = ?
		 WHERE id = ? RETURNING retry_count`,
		formatTime(time.Now().UTC()), id.String())

	var count int
	if err := row.Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, &errors.NotFoundError{Resource: "execution", ID: id.String()}
		}
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	return count, nil
}

// SetOutputData stores the execution's final output document.
func (s *Store) SetOutputData(ctx context.Context, id uuid.UUID, output map[string]any) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_executions SET output_data = ?, updated_at = ? WHERE id = ?`,
		marshalJSON(output), formatTime(time.Now().UTC()), id.String())
	if err != nil {
		return fmt.Errorf("failed to set output data: %w", err)
	}
	return requireRow(result, "execution", id.String())
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	query := selectExecution
	conditions := []string{}
	args := []any{}

	if filter.WorkflowID != nil {
		conditions = append(conditions, "workflow_id = ?")
		args = append(args, filter.WorkflowID.String())
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)

	return s.queryExecutions(ctx, query, args...)
}

// ListPendingReady returns pending executions whose scheduled_at is unset or
// has passed, oldest first.
func (s *Store) ListPendingReady(ctx context.Context, now time.Time, limit int) ([]*store.Execution, error) {
	query := selectExecution + ` WHERE status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY created_at LIMIT ?`
	return s.queryExecutions(ctx, query,
		string(state.ExecutionPending), formatTime(now.UTC()), normalizeLimit(limit))
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]*store.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var executions []*store.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	return executions, rows.Err()
}

// CreateStepExecution inserts a step attempt record.
func (s *Store) CreateStepExecution(ctx context.Context, stepExec *store.StepExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions
		 (id, execution_id, step_id, step_order, status, attempt_number,
		  input_data, output_data, error_message, error_details, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stepExec.ID.String(),
		stepExec.ExecutionID.String(),
		stepExec.StepID.String(),
		stepExec.StepOrder,
		string(stepExec.Status),
		stepExec.AttemptNumber,
		marshalJSON(stepExec.InputData),
		marshalJSON(stepExec.OutputData),
		nullString(stepExec.ErrorMessage),
		marshalJSON(stepExec.ErrorDetails),
		formatNullableTime(stepExec.StartedAt),
		formatNullableTime(stepExec.CompletedAt),
		formatTime(stepExec.CreatedAt),
		formatTime(stepExec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step execution: %w", err)
	}
	return nil
}

// UpdateStepExecution sets status plus the optional update fields.
func (s *Store) UpdateStepExecution(ctx context.Context, id uuid.UUID, status state.StepStatus, update store.StepExecutionUpdate) error {
	now := formatTime(time.Now().UTC())

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), now}

	if update.OutputData != nil {
		sets = append(sets, "output_data = ?")
		args = append(args, marshalJSON(update.OutputData))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.ErrorDetails != nil {
		sets = append(sets, "error_details = ?")
		args = append(args, marshalJSON(update.ErrorDetails))
	}

	switch status {
	case state.StepRunning:
		sets = append(sets, "started_at = ?")
		args = append(args, now)
	case state.StepCompleted, state.StepFailed, state.StepSkipped:
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}

	args = append(args, id.String())
	query := fmt.Sprintf(`UPDATE step_executions SET %s WHERE id = ?`, strings.Join(sets, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update step execution: %w", err)
	}
	return requireRow(result, "step execution", id.String())
}

// ListStepExecutions returns step attempts ordered by (step_order, attempt_number).
func (s *Store) ListStepExecutions(ctx context.Context, executionID uuid.UUID) ([]*store.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, step_order, status, attempt_number,
		        input_data, output_data, error_message, error_details, started_at, completed_at, created_at, updated_at
		 FROM step_executions WHERE execution_id = ? ORDER BY step_order, attempt_number`,
		executionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list step executions: %w", err)
	}
	defer rows.Close()

	var stepExecs []*store.StepExecution
	for rows.Next() {
		stepExec, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		stepExecs = append(stepExecs, stepExec)
	}
	return stepExecs, rows.Err()
}

// AppendLog inserts a log entry.
func (s *Store) AppendLog(ctx context.Context, entry *store.ExecutionLog) error {
	var stepExecID any
	if entry.StepExecutionID != nil {
		stepExecID = entry.StepExecutionID.String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (id, execution_id, step_execution_id, level, message, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(),
		entry.ExecutionID.String(),
		stepExecID,
		string(entry.Level),
		entry.Message,
		marshalJSON(entry.Details),
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	return nil
}

// ListLogs returns an execution's log entries ordered by timestamp.
func (s *Store) ListLogs(ctx context.Context, executionID uuid.UUID, filter store.LogFilter) ([]*store.ExecutionLog, error) {
	query := `SELECT id, execution_id, step_execution_id, level, message, details, timestamp
		 FROM execution_logs WHERE execution_id = ?`
	args := []any{executionID.String()}

	if filter.Level != nil {
		query += ` AND level = ?`
		args = append(args, string(*filter.Level))
	}
	query += ` ORDER BY timestamp LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var entries []*store.ExecutionLog
	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const selectExecution = `SELECT id, workflow_id, idempotency_key, status, current_step_order, retry_count, max_retries,
	input_data, output_data, error_message, scheduled_at, started_at, completed_at, created_at, updated_at
	FROM workflow_executions`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(sc scanner) (*store.Workflow, error) {
	var (
		w                    store.Workflow
		id, status           string
		metadata             sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&id, &w.Name, &w.Description, &status, &w.Version, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow id %q: %w", id, err)
	}
	w.ID = parsed
	w.Status = state.WorkflowStatus(status)
	w.Metadata = unmarshalJSON(metadata)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func scanStep(sc scanner) (*store.Step, error) {
	var (
		step                 store.Step
		id, workflowID       string
		config               sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&id, &workflowID, &step.Name, &step.TaskType, &step.StepOrder,
		&config, &step.TimeoutSeconds, &step.MaxRetries, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	step.ID = uuid.MustParse(id)
	step.WorkflowID = uuid.MustParse(workflowID)
	step.Config = unmarshalJSON(config)
	step.CreatedAt = parseTime(createdAt)
	step.UpdatedAt = parseTime(updatedAt)
	return &step, nil
}

func scanExecution(sc scanner) (*store.Execution, error) {
	var (
		e                                   store.Execution
		id, workflowID, status              string
		inputData, outputData               sql.NullString
		errorMessage                        sql.NullString
		scheduledAt, startedAt, completedAt sql.NullString
		createdAt, updatedAt                string
	)
	if err := sc.Scan(&id, &workflowID, &e.IdempotencyKey, &status, &e.CurrentStepOrder,
		&e.RetryCount, &e.MaxRetries, &inputData, &outputData, &errorMessage,
		&scheduledAt, &startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	e.ID = uuid.MustParse(id)
	e.WorkflowID = uuid.MustParse(workflowID)
	e.Status = state.ExecutionStatus(status)
	e.InputData = unmarshalJSON(inputData)
	e.OutputData = unmarshalJSON(outputData)
	e.ErrorMessage = errorMessage.String
	e.ScheduledAt = parseNullableTime(scheduledAt)
	e.StartedAt = parseNullableTime(startedAt)
	e.CompletedAt = parseNullableTime(completedAt)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func scanStepExecution(sc scanner) (*store.StepExecution, error) {
	var (
		se                         store.StepExecution
		id, executionID, stepID    string
		status                     string
		inputData, outputData      sql.NullString
		errorMessage, errorDetails sql.NullString
		startedAt, completedAt     sql.NullString
		createdAt, updatedAt       string
	)
	if err := sc.Scan(&id, &executionID, &stepID, &se.StepOrder, &status, &se.AttemptNumber,
		&inputData, &outputData, &errorMessage, &errorDetails,
		&startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	se.ID = uuid.MustParse(id)
	se.ExecutionID = uuid.MustParse(executionID)
	se.StepID = uuid.MustParse(stepID)
	se.Status = state.StepStatus(status)
	se.InputData = unmarshalJSON(inputData)
	se.OutputData = unmarshalJSON(outputData)
	se.ErrorMessage = errorMessage.String
	se.ErrorDetails = unmarshalJSON(errorDetails)
	se.StartedAt = parseNullableTime(startedAt)
	se.CompletedAt = parseNullableTime(completedAt)
	se.CreatedAt = parseTime(createdAt)
	se.UpdatedAt = parseTime(updatedAt)
	return &se, nil
}

func scanLog(sc scanner) (*store.ExecutionLog, error) {
	var (
		entry           store.ExecutionLog
		id, executionID string
		stepExecutionID sql.NullString
		level           string
		details         sql.NullString
		timestamp       string
	)
	if err := sc.Scan(&id, &executionID, &stepExecutionID, &level, &entry.Message, &details, &timestamp); err != nil {
		return nil, err
	}

	entry.ID = uuid.MustParse(id)
	entry.ExecutionID = uuid.MustParse(executionID)
	if stepExecutionID.Valid {
		parsed := uuid.MustParse(stepExecutionID.String)
		entry.StepExecutionID = &parsed
	}
	entry.Level = state.LogLevel(level)
	entry.Details = unmarshalJSON(details)
	entry.Timestamp = parseTime(timestamp)
	return &entry, nil
}

func marshalJSON(m map[string]any) any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalJSON(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func requireRow(result sql.Result, resource, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
