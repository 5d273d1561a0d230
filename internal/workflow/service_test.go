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

package workflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/tombee/ratchet/internal/state"
	"github.com/tombee/ratchet/internal/store/sqlite"
	"github.com/tombee/ratchet/internal/task"
	"github.com/tombee/ratchet/pkg/errors"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewService(s, task.DefaultRegistry(), nil)
}

func TestCreate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, "etl-pipeline", "nightly ETL", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if wf.Status != state.WorkflowDraft {
		t.Errorf("Status = %s, want draft", wf.Status)
	}
	if wf.Version != 1 {
		t.Errorf("Version = %d, want 1", wf.Version)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "   ", "", nil); !errors.IsValidation(err) {
		t.Errorf("empty name error = %v, want ValidationError", err)
	}

	if _, err := svc.Create(ctx, "taken", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, "taken", "", nil); !errors.IsValidation(err) {
		t.Errorf("duplicate name error = %v, want ValidationError", err)
	}
}

func TestAddStep(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, "wf", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	step, err := svc.AddStep(ctx, wf.ID, StepParams{
		Name:      "wait",
		TaskType:  "delay",
		StepOrder: 0,
		Config:    map[string]any{"seconds": 1},
	})
	if err != nil {
		t.Fatalf("AddStep() error = %v", err)
	}
	if step.TimeoutSeconds != DefaultStepTimeoutSeconds {
		t.Errorf("TimeoutSeconds = %d, want default %d", step.TimeoutSeconds, DefaultStepTimeoutSeconds)
	}
}

func TestAddStep_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, "wf", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddStep(ctx, wf.ID, StepParams{Name: "a", TaskType: "delay", StepOrder: 0}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		params StepParams
	}{
		{"empty name", StepParams{TaskType: "delay", StepOrder: 1}},
		{"empty task type", StepParams{Name: "b", StepOrder: 1}},
		{"negative order", StepParams{Name: "b", TaskType: "delay", StepOrder: -1}},
		{"duplicate order", StepParams{Name: "b", TaskType: "delay", StepOrder: 0}},
		{"unknown task type", StepParams{Name: "b", TaskType: "teleport", StepOrder: 1}},
		{"broken config", StepParams{Name: "b", TaskType: "http_request", StepOrder: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.AddStep(ctx, wf.ID, tt.params); !errors.IsValidation(err) {
				t.Errorf("error = %v, want ValidationError", err)
			}
		})
	}
}

func TestAddStep_NonDraft(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	wf, _ := svc.Create(ctx, "wf", "", nil)
	if _, err := svc.AddStep(ctx, wf.ID, StepParams{Name: "a", TaskType: "delay", StepOrder: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Activate(ctx, wf.ID); err != nil {
		t.Fatal(err)
	}

	_, err := svc.AddStep(ctx, wf.ID, StepParams{Name: "b", TaskType: "delay", StepOrder: 1})
	if !errors.IsValidation(err) {
		t.Errorf("AddStep on active workflow error = %v, want ValidationError", err)
	}
}

func TestActivate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	wf, _ := svc.Create(ctx, "wf", "", nil)

	// No steps yet.
	if _, err := svc.Activate(ctx, wf.ID); !errors.IsValidation(err) {
		t.Errorf("Activate without steps error = %v, want ValidationError", err)
	}

	// Non-contiguous orders: 0 and 2.
	if _, err := svc.AddStep(ctx, wf.ID, StepParams{Name: "a", TaskType: "delay", StepOrder: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddStep(ctx, wf.ID, StepParams{Name: "c", TaskType: "delay", StepOrder: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Activate(ctx, wf.ID); !errors.IsValidation(err) {
		t.Errorf("Activate with gap error = %v, want ValidationError", err)
	}

	// Fill the gap; activation succeeds.
	if _, err := svc.AddStep(ctx, wf.ID, StepParams{Name: "b", TaskType: "delay", StepOrder: 1}); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Activate(ctx, wf.ID)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if got.Status != state.WorkflowActive {
		t.Errorf("Status = %s, want active", got.Status)
	}

	// Re-activation is rejected.
	if _, err := svc.Activate(ctx, wf.ID); !errors.IsValidation(err) {
		t.Errorf("double Activate error = %v, want ValidationError", err)
	}
}

func TestDeprecateAndArchive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	wf, _ := svc.Create(ctx, "wf", "", nil)

	got, err := svc.Deprecate(ctx, wf.ID)
	if err != nil {
		t.Fatalf("Deprecate() error = %v", err)
	}
	if got.Status != state.WorkflowDeprecated {
		t.Errorf("Status = %s, want deprecated", got.Status)
	}

	// Deprecating twice fails; archiving always succeeds.
	if _, err := svc.Deprecate(ctx, wf.ID); !errors.IsValidation(err) {
		t.Errorf("double Deprecate error = %v, want ValidationError", err)
	}

	got, err = svc.Archive(ctx, wf.ID)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if got.Status != state.WorkflowArchived {
		t.Errorf("Status = %s, want archived", got.Status)
	}
}

func TestGet_NotFound(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Get(context.Background(), uuid.New()); !errors.IsNotFound(err) {
		t.Errorf("Get(random) error = %v, want NotFoundError", err)
	}
}
