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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/ratchet/internal/state"
	"github.com/tombee/ratchet/internal/store"
	"github.com/tombee/ratchet/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestWorkflow(t *testing.T, s *Store) *store.Workflow {
	t.Helper()
	wf := store.NewWorkflow("deploy", "deploy pipeline", map[string]any{"team": "platform"})
	wf.Steps = []*store.Step{
		store.NewStep(wf.ID, "fetch", "http_request", 0, map[string]any{"url": "http://example.com"}, 30, 3),
		store.NewStep(wf.ID, "notify", "log", 1, map[string]any{"message": "done"}, 10, 1),
	}
	if err := s.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}
	return wf
}

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := newTestWorkflow(t, s)

	got, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if got.Name != "deploy" {
		t.Errorf("Name = %q, want deploy", got.Name)
	}
	if got.Status != state.WorkflowDraft {
		t.Errorf("Status = %s, want draft", got.Status)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("Steps = %d, want 2", len(got.Steps))
	}
	if got.Steps[0].TaskType != "http_request" || got.Steps[1].TaskType != "log" {
		t.Errorf("steps out of order: %s, %s", got.Steps[0].TaskType, got.Steps[1].TaskType)
	}
	if got.Metadata["team"] != "platform" {
		t.Errorf("Metadata = %v, want team=platform", got.Metadata)
	}
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetWorkflow(context.Background(), store.NewWorkflow("x", "", nil).ID)
	if !errors.IsNotFound(err) {
		t.Errorf("error = %v, want NotFoundError", err)
	}
}

func TestCreateWorkflow_DuplicateNameVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := store.NewWorkflow("dup", "", nil)
	if err := s.CreateWorkflow(ctx, first); err != nil {
		t.Fatalf("first create: %v", err)
	}

	second := store.NewWorkflow("dup", "", nil)
	err := s.CreateWorkflow(ctx, second)
	if !errors.IsValidation(err) {
		t.Errorf("error = %v, want ValidationError", err)
	}
}

func TestGetWorkflowByName_LatestVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := store.NewWorkflow("versioned", "", nil)
	if err := s.CreateWorkflow(ctx, v1); err != nil {
		t.Fatal(err)
	}

	v2 := store.NewWorkflow("versioned", "", nil)
	v2.Version = 2
	if err := s.CreateWorkflow(ctx, v2); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWorkflowByName(ctx, "versioned")
	if err != nil {
		t.Fatalf("GetWorkflowByName() error = %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestUpdateWorkflowStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := newTestWorkflow(t, s)

	if err := s.UpdateWorkflowStatus(ctx, wf.ID, state.WorkflowActive); err != nil {
		t.Fatalf("UpdateWorkflowStatus() error = %v", err)
	}

	got, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != state.WorkflowActive {
		t.Errorf("Status = %s, want active", got.Status)
	}
}

func TestAddStep_DuplicateOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := newTestWorkflow(t, s)

	err := s.AddStep(ctx, store.NewStep(wf.ID, "clash", "delay", 0, nil, 10, 0))
	if !errors.IsValidation(err) {
		t.Errorf("error = %v, want ValidationError", err)
	}
}

func TestListWorkflows_StatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := store.NewWorkflow("a", "", nil)
	b := store.NewWorkflow("b", "", nil)
	if err := s.CreateWorkflow(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateWorkflow(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateWorkflowStatus(ctx, a.ID, state.WorkflowActive); err != nil {
		t.Fatal(err)
	}

	active := state.WorkflowActive
	got, err := s.ListWorkflows(ctx, store.WorkflowFilter{Status: &active})
	if err != nil {
		t.Fatalf("ListWorkflows() error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "a" {
		t.Errorf("got %d workflows, want just a", len(got))
	}
}

func TestCreateExecution_IdempotencyConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := newTestWorkflow(t, s)

	first := store.NewExecution(wf.ID, "order-42", map[string]any{"n": 1.0}, 3, nil)
	if err := s.CreateExecution(ctx, first); err != nil {
		t.Fatalf("first create: %v", err)
	}

	second := store.NewExecution(wf.ID, "order-42", nil, 3, nil)
	err := s.CreateExecution(ctx, second)

	var dup *errors.DuplicateExecutionError
	if !errors.As(err, &dup) {
		t.Fatalf("error = %v, want DuplicateExecutionError", err)
	}
	if dup.IdempotencyKey != "order-42" {
		t.Errorf("IdempotencyKey = %q, want order-42", dup.IdempotencyKey)
	}
}

func TestUpdateExecutionStatus_Stamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := newTestWorkflow(t, s)

	exec := store.NewExecution(wf.ID, "k1", nil, 3, nil)
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateExecutionStatus(ctx, exec.ID, state.ExecutionRunning, store.ExecutionUpdate{}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StartedAt == nil {
		t.Fatal("StartedAt not stamped on running")
	}
	firstStart := *got.StartedAt

	// A later running transition (retry) must not move started_at.
	if err := s.UpdateExecutionStatus(ctx, exec.ID, state.ExecutionRunning, store.ExecutionUpdate{}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetExecution(ctx, exec.ID)
	if !got.StartedAt.Equal(firstStart) {
		t.Errorf("StartedAt moved: %v -> %v", firstStart, *got.StartedAt)
	}

	msg := "boom"
	if err := s.UpdateExecutionStatus(ctx, exec.ID, state.ExecutionFailed, store.ExecutionUpdate{ErrorMessage: &msg}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetExecution(ctx, exec.ID)
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped on failed")
	}
	if got.ErrorMessage != "boom" {
		t.Errorf("ErrorMessage = %q, want boom", got.ErrorMessage)
	}
}

func TestIncrementRetryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := newTestWorkflow(t, s)

	exec := store.NewExecution(wf.ID, "k2", nil, 3, nil)
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementRetryCount(ctx, exec.ID)
		if err != nil {
			t.Fatalf("IncrementRetryCount() error = %v", err)
		}
		if got != want {
			t.Errorf("retry count = %d, want %d", got, want)
		}
	}
}

func TestListPendingReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := newTestWorkflow(t, s)
	now := time.Now().UTC()

	ready := store.NewExecution(wf.ID, "ready", nil, 3, nil)
	past := now.Add(-time.Hour)
	due := store.NewExecution(wf.ID, "due", nil, 3, &past)
	future := now.Add(time.Hour)
	notYet := store.NewExecution(wf.ID, "later", nil, 3, &future)

	for _, e := range []*store.Execution{ready, due, notYet} {
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListPendingReady(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListPendingReady() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d executions, want 2", len(got))
	}
	for _, e := range got {
		if e.IdempotencyKey == "later" {
			t.Error("future-scheduled execution returned as ready")
		}
	}
}

func TestStepExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := newTestWorkflow(t, s)

	exec := store.NewExecution(wf.ID, "k3", nil, 3, nil)
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	se := store.NewStepExecution(exec.ID, wf.Steps[0].ID, 0, 1, map[string]any{"in": "x"})
	if err := s.CreateStepExecution(ctx, se); err != nil {
		t.Fatalf("CreateStepExecution() error = %v", err)
	}

	if err := s.UpdateStepExecution(ctx, se.ID, state.StepRunning, store.StepExecutionUpdate{}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStepExecution(ctx, se.ID, state.StepCompleted, store.StepExecutionUpdate{
		OutputData: map[string]any{"status_code": 200.0},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.StepExecutions) != 1 {
		t.Fatalf("StepExecutions = %d, want 1", len(got.StepExecutions))
	}
	attempt := got.StepExecutions[0]
	if attempt.Status != state.StepCompleted {
		t.Errorf("Status = %s, want completed", attempt.Status)
	}
	if attempt.OutputData["status_code"] != 200.0 {
		t.Errorf("OutputData = %v", attempt.OutputData)
	}
	if attempt.StartedAt == nil || attempt.CompletedAt == nil {
		t.Error("timestamps not stamped")
	}
}

func TestLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := newTestWorkflow(t, s)

	exec := store.NewExecution(wf.ID, "k4", nil, 3, nil)
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	entries := []*store.ExecutionLog{
		store.NewExecutionLog(exec.ID, nil, state.LogInfo, "execution started", nil),
		store.NewExecutionLog(exec.ID, nil, state.LogError, "step failed", map[string]any{"step": "fetch"}),
	}
	for _, e := range entries {
		if err := s.AppendLog(ctx, e); err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
	}

	got, err := s.ListLogs(ctx, exec.ID, store.LogFilter{})
	if err != nil {
		t.Fatalf("ListLogs() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d logs, want 2", len(got))
	}

	errLevel := state.LogError
	onlyErrors, err := s.ListLogs(ctx, exec.ID, store.LogFilter{Level: &errLevel})
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyErrors) != 1 || onlyErrors[0].Message != "step failed" {
		t.Errorf("level filter returned %d entries", len(onlyErrors))
	}
}
