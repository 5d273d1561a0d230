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

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tombee/ratchet/pkg/errors"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := New(client, Config{
		Name:              "workflow_tasks",
		VisibilityTimeout: 30 * time.Second,
	}, nil)
	return q, mr
}

func TestEnqueueDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	execID := uuid.New()

	sent, err := q.Enqueue(ctx, execID, EnqueueOptions{Payload: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if sent.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", sent.Attempt)
	}
	if sent.TaskType != TaskExecuteWorkflow {
		t.Errorf("TaskType = %q, want execute_workflow", sent.TaskType)
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got == nil {
		t.Fatal("Dequeue() returned nil message")
	}
	if got.ID != sent.ID {
		t.Errorf("ID = %q, want %q", got.ID, sent.ID)
	}
	if got.ExecutionID != execID {
		t.Errorf("ExecutionID = %s, want %s", got.ExecutionID, execID)
	}
	if got.Payload["k"] != "v" {
		t.Errorf("Payload = %v", got.Payload)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Main != 0 || stats.Processing != 1 {
		t.Errorf("stats = %+v, want main=0 processing=1", stats)
	}
}

func TestDequeue_EmptyTimesOut(t *testing.T) {
	q, _ := newTestQueue(t)

	got, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got != nil {
		t.Errorf("Dequeue() = %+v, want nil on empty queue", got)
	}
}

func TestEnqueue_IdempotencyKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, uuid.New(), EnqueueOptions{IdempotencyKey: "once"}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}

	_, err := q.Enqueue(ctx, uuid.New(), EnqueueOptions{IdempotencyKey: "once"})
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("second Enqueue() error = %v, want ErrDuplicateMessage", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Main != 1 {
		t.Errorf("main length = %d, want 1", stats.Main)
	}
}

func TestEnqueue_Delayed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, uuid.New(), EnqueueOptions{Delay: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Not yet ready.
	got, err := q.Dequeue(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("delayed message delivered early")
	}

	time.Sleep(60 * time.Millisecond)

	got, err = q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("delayed message never delivered")
	}
}

func TestAcknowledge(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, uuid.New(), EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	msg, err := q.Dequeue(ctx, time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Dequeue() = %v, %v", msg, err)
	}

	if err := q.Acknowledge(ctx, msg); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Processing != 0 || stats.Main != 0 {
		t.Errorf("stats after ack = %+v, want all empty", stats)
	}
}

func TestReject_Requeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, uuid.New(), EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	msg, _ := q.Dequeue(ctx, time.Second)

	if err := q.Reject(ctx, msg, true); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	again, err := q.Dequeue(ctx, time.Second)
	if err != nil || again == nil {
		t.Fatalf("Dequeue() after requeue = %v, %v", again, err)
	}
	if again.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2 after requeue", again.Attempt)
	}
}

func TestDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, uuid.New(), EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	msg, _ := q.Dequeue(ctx, time.Second)

	if err := q.DeadLetter(ctx, msg, ReasonRejected); err != nil {
		t.Fatalf("DeadLetter() error = %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.DeadLetter != 1 || stats.Processing != 0 {
		t.Errorf("stats = %+v, want dlq=1 processing=0", stats)
	}

	dead, err := q.DeadLetterMessages(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("dlq messages = %d, want 1", len(dead))
	}
	if dead[0].Payload["dlq_reason"] != ReasonRejected {
		t.Errorf("dlq_reason = %v, want rejected", dead[0].Payload["dlq_reason"])
	}
}

func TestRecoverStale_Requeues(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, uuid.New(), EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	msg, _ := q.Dequeue(ctx, time.Second)
	if msg == nil {
		t.Fatal("no message dequeued")
	}

	// While the visibility marker lives, nothing is stale.
	n, err := q.RecoverStale(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("recovered %d messages with live marker, want 0", n)
	}

	// Expire the visibility marker; the message becomes stale.
	mr.FastForward(31 * time.Second)

	n, err = q.RecoverStale(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	again, _ := q.Dequeue(ctx, time.Second)
	if again == nil {
		t.Fatal("stale message not requeued")
	}
	if again.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", again.Attempt)
	}
}

func TestRecoverStale_DeadLettersAfterMaxAttempts(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, uuid.New(), EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	// Crash-loop the message past its attempt budget.
	for i := 0; i < 3; i++ {
		msg, err := q.Dequeue(ctx, time.Second)
		if err != nil || msg == nil {
			t.Fatalf("dequeue round %d: %v, %v", i, msg, err)
		}
		mr.FastForward(31 * time.Second)
		if _, err := q.RecoverStale(ctx, 3); err != nil {
			t.Fatal(err)
		}
	}

	stats, _ := q.Stats(ctx)
	if stats.DeadLetter != 1 {
		t.Fatalf("dlq = %d, want 1 after attempt budget spent", stats.DeadLetter)
	}
	dead, _ := q.DeadLetterMessages(ctx, 1)
	if dead[0].Payload["dlq_reason"] != ReasonMaxAttemptsExceeded {
		t.Errorf("dlq_reason = %v, want max_attempts_exceeded", dead[0].Payload["dlq_reason"])
	}
}

func TestHealthCheck(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if err := q.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	mr.Close()
	if err := q.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() should fail after Redis goes away")
	}
}
