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

package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tombee/ratchet/internal/execution"
	"github.com/tombee/ratchet/internal/orchestrator"
	"github.com/tombee/ratchet/internal/queue"
	"github.com/tombee/ratchet/internal/state"
	"github.com/tombee/ratchet/internal/store"
	"github.com/tombee/ratchet/internal/store/sqlite"
	"github.com/tombee/ratchet/internal/task"
	"github.com/tombee/ratchet/pkg/errors"
)

type fixture struct {
	worker   *Worker
	queue    *queue.Queue
	store    *sqlite.Store
	execs    *execution.Service
	registry *task.Registry
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(client, queue.Config{Name: "ratchet:tasks", VisibilityTimeout: 30 * time.Second}, nil)

	registry := task.DefaultRegistry()
	execs := execution.NewService(s, s, s, nil)
	orch := orchestrator.New(s, execs, registry, orchestrator.Config{
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}, nil)

	w := New(q, orch, s, Config{
		Concurrency:    1,
		DequeueTimeout: 50 * time.Millisecond,
		MaxAttempts:    3,
	}, nil)

	return &fixture{worker: w, queue: q, store: s, execs: execs, registry: registry, mr: mr}
}

// makeExecution creates an active single-step workflow and a pending
// execution for it.
func (f *fixture) makeExecution(t *testing.T, taskType string, scheduledAt *time.Time) *store.Execution {
	t.Helper()
	ctx := context.Background()

	wf := store.NewWorkflow("wf-"+taskType, "", nil)
	wf.Status = state.WorkflowActive
	step := store.NewStep(wf.ID, "only-step", taskType, 0, nil, 30, 1)
	wf.Steps = []*store.Step{step}
	if err := f.store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatal(err)
	}

	exec, err := f.execs.Create(ctx, wf.ID, "key-"+wf.ID.String(), nil, 3, scheduledAt)
	if err != nil {
		t.Fatal(err)
	}
	return exec
}

func (f *fixture) enqueue(t *testing.T, exec *store.Execution) {
	t.Helper()
	if _, err := f.queue.Enqueue(context.Background(), exec.ID, queue.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) stats(t *testing.T) queue.Stats {
	t.Helper()
	stats, err := f.queue.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return stats
}

func TestProcessOne_CompletesAndAcknowledges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exec := f.makeExecution(t, "log", nil)
	f.enqueue(t, exec)

	if err := f.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}

	reloaded, err := f.execs.Get(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != state.ExecutionCompleted {
		t.Errorf("status = %s, want completed", reloaded.Status)
	}

	stats := f.stats(t)
	if stats.Main != 0 || stats.Processing != 0 || stats.DeadLetter != 0 {
		t.Errorf("queue not drained after acknowledge: %+v", stats)
	}
}

func TestProcessOne_EmptyQueue(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	if err := f.worker.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne() on empty queue error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ProcessOne() blocked %v, want under dequeue timeout", elapsed)
	}
}

func TestProcessOne_StepFailureAcknowledges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No handler registered for this task type, so the execution fails
	// without burning the clock on retries.
	exec := f.makeExecution(t, "no_such_task", nil)
	f.enqueue(t, exec)

	if err := f.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}

	reloaded, err := f.execs.Get(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != state.ExecutionFailed {
		t.Errorf("status = %s, want failed", reloaded.Status)
	}

	// The failure is recorded in the store, so the message is acknowledged,
	// not requeued or dead-lettered.
	stats := f.stats(t)
	if stats.Main != 0 || stats.Processing != 0 || stats.DeadLetter != 0 {
		t.Errorf("queue not drained after recorded failure: %+v", stats)
	}

	// A second pass must not re-run the failed step.
	if err := f.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne() on drained queue error = %v", err)
	}
	reloaded, err = f.execs.Get(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.StepExecutions) != 1 {
		t.Errorf("step executions = %d, want 1 (no replay of the failed step)", len(reloaded.StepExecutions))
	}
}

func TestProcessOne_DeadLettersAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A message for an execution the store has never seen stays live on
	// every delivery, so it exercises the reject path until the budget
	// is spent.
	if _, err := f.queue.Enqueue(ctx, uuid.New(), queue.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	// Attempts 1 and 2 requeue, attempt 3 hits the budget.
	for i := 0; i < 3; i++ {
		if err := f.worker.ProcessOne(ctx); err != nil {
			t.Fatalf("ProcessOne() #%d error = %v", i+1, err)
		}
	}

	stats := f.stats(t)
	if stats.DeadLetter != 1 {
		t.Fatalf("dead letter depth = %d, want 1", stats.DeadLetter)
	}
	if stats.Main != 0 || stats.Processing != 0 {
		t.Errorf("message still live after dead-lettering: %+v", stats)
	}

	dead, err := f.queue.DeadLetterMessages(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letter messages = %d, want 1", len(dead))
	}
	if dead[0].Payload["dlq_reason"] != queue.ReasonRejected {
		t.Errorf("dlq_reason = %v, want %s", dead[0].Payload["dlq_reason"], queue.ReasonRejected)
	}
}

// cancellingHandler cancels its own execution while the step is running,
// then reports the interruption.
type cancellingHandler struct {
	execs  *execution.Service
	execID uuid.UUID
}

func (h *cancellingHandler) TaskType() string { return "cancel_mid_run" }

func (h *cancellingHandler) Execute(ctx context.Context, config, input map[string]any) (map[string]any, error) {
	if _, err := h.execs.Cancel(ctx, h.execID); err != nil {
		return nil, err
	}
	return nil, errors.New("interrupted by cancellation")
}

func TestProcessOne_CancelDuringRunAcknowledges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exec := f.makeExecution(t, "cancel_mid_run", nil)
	f.registry.Register(&cancellingHandler{execs: f.execs, execID: exec.ID})
	f.enqueue(t, exec)

	if err := f.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}

	reloaded, err := f.execs.Get(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != state.ExecutionCancelled {
		t.Errorf("status = %s, want cancelled", reloaded.Status)
	}

	// A cancellation that lands mid-run must end with the message
	// acknowledged, not requeued or dead-lettered.
	stats := f.stats(t)
	if stats.Main != 0 || stats.Processing != 0 || stats.DeadLetter != 0 {
		t.Errorf("queue not drained after mid-run cancel: %+v", stats)
	}
}

func TestProcessOne_CancelledBeforeRunAcknowledges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exec := f.makeExecution(t, "log", nil)
	if _, err := f.execs.Cancel(ctx, exec.ID); err != nil {
		t.Fatal(err)
	}
	f.enqueue(t, exec)

	if err := f.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}

	reloaded, err := f.execs.Get(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != state.ExecutionCancelled {
		t.Errorf("status = %s, want cancelled", reloaded.Status)
	}
	if len(reloaded.StepExecutions) != 0 {
		t.Errorf("step executions = %d, want 0 (cancelled execution must not run)", len(reloaded.StepExecutions))
	}

	stats := f.stats(t)
	if stats.Main != 0 || stats.Processing != 0 || stats.DeadLetter != 0 {
		t.Errorf("queue not drained after cancelled execution: %+v", stats)
	}
}

func TestProcessOne_NotDueGoesBackDelayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	exec := f.makeExecution(t, "log", &future)
	f.enqueue(t, exec)

	if err := f.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}

	stats := f.stats(t)
	if stats.Delayed != 1 {
		t.Errorf("delayed depth = %d, want 1 (re-enqueued with residual delay)", stats.Delayed)
	}
	if stats.Main != 0 || stats.Processing != 0 || stats.DeadLetter != 0 {
		t.Errorf("unexpected queue state: %+v", stats)
	}

	reloaded, _ := f.execs.Get(ctx, exec.ID)
	if reloaded.Status != state.ExecutionPending {
		t.Errorf("status = %s, want pending until due", reloaded.Status)
	}
}

func TestRun_GracefulShutdown(t *testing.T) {
	f := newFixture(t)

	exec := f.makeExecution(t, "log", nil)
	f.enqueue(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	// Let the worker drain the message, then stop it.
	deadline := time.After(3 * time.Second)
	for {
		reloaded, err := f.execs.Get(context.Background(), exec.ID)
		if err == nil && reloaded.Status == state.ExecutionCompleted {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("execution not processed before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestHealthy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if !f.worker.Healthy(ctx) {
		t.Error("Healthy() = false with live store and queue")
	}

	f.mr.Close()
	if f.worker.Healthy(ctx) {
		t.Error("Healthy() = true with redis down")
	}
}
