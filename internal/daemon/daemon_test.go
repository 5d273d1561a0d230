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

package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tombee/ratchet/internal/config"
	"github.com/tombee/ratchet/internal/state"
	"github.com/tombee/ratchet/internal/workflow"
)

func newDaemon(t *testing.T) *Daemon {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Database.URL = filepath.Join(t.TempDir(), "test.db")
	cfg.Redis.URL = "redis://" + mr.Addr()

	d, err := New(cfg, Options{Version: "test"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNew_WiresComponents(t *testing.T) {
	d := newDaemon(t)

	if !d.Healthy(context.Background()) {
		t.Error("Healthy() = false on fresh daemon")
	}
	if d.Registry().TaskTypes() == nil {
		t.Error("registry has no task types")
	}
}

func TestNew_BadDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "oracle"
	cfg.Database.URL = "whatever"

	// Validate catches it before New would.
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted unknown driver")
	}
	if _, err := openStore(cfg); err == nil {
		t.Error("openStore() accepted unknown driver")
	}
}

func TestSweepPending(t *testing.T) {
	d := newDaemon(t)
	ctx := context.Background()

	// An active workflow with a pending execution that never made it onto
	// the queue.
	wf, err := d.workflows.Create(ctx, "sweep-wf", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.workflows.AddStep(ctx, wf.ID, workflow.StepParams{
		Name:     "greet",
		TaskType: "log",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.workflows.Activate(ctx, wf.ID); err != nil {
		t.Fatal(err)
	}
	exec, err := d.executions.Create(ctx, wf.ID, "k1", nil, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != state.ExecutionPending {
		t.Fatalf("status = %s, want pending", exec.Status)
	}

	if err := d.sweepPending(ctx); err != nil {
		t.Fatalf("sweepPending() error = %v", err)
	}

	stats, err := d.queue.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Main != 1 {
		t.Errorf("queue depth = %d, want 1", stats.Main)
	}

	// A second sweep is deduplicated by the idempotency key.
	if err := d.sweepPending(ctx); err != nil {
		t.Fatal(err)
	}
	stats, _ = d.queue.Stats(ctx)
	if stats.Main != 1 {
		t.Errorf("queue depth after second sweep = %d, want 1", stats.Main)
	}
}

func TestRunServer_Shutdown(t *testing.T) {
	d := newDaemon(t)
	d.cfg.Server.ListenAddr = "127.0.0.1:0"
	d.cfg.Server.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.RunServer(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunServer() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RunServer() did not stop after cancel")
	}
}
