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

// Package daemon wires the engine's components together into runnable
// processes: the admin API server and the queue worker.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/ratchet/internal/api"
	"github.com/tombee/ratchet/internal/config"
	"github.com/tombee/ratchet/internal/execution"
	"github.com/tombee/ratchet/internal/log"
	"github.com/tombee/ratchet/internal/orchestrator"
	"github.com/tombee/ratchet/internal/queue"
	"github.com/tombee/ratchet/internal/store"
	"github.com/tombee/ratchet/internal/store/postgres"
	"github.com/tombee/ratchet/internal/store/sqlite"
	"github.com/tombee/ratchet/internal/task"
	"github.com/tombee/ratchet/internal/worker"
	"github.com/tombee/ratchet/internal/workflow"
	"github.com/tombee/ratchet/pkg/errors"
)

// pendingSweepInterval is how often the server re-enqueues pending
// executions whose scheduled time has arrived.
const pendingSweepInterval = 15 * time.Second

// pendingSweepBatch bounds one sweep's enqueue batch.
const pendingSweepBatch = 100

// Options carries build metadata into the daemon.
type Options struct {
	Version string
	Commit  string
}

// Daemon holds the wired components of a ratchet process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store      store.Store
	queue      *queue.Queue
	registry   *task.Registry
	workflows  *workflow.Service
	executions *execution.Service
	orch       *orchestrator.Orchestrator
	worker     *worker.Worker
	router     *api.Router
}

// New builds a daemon from configuration. The caller owns Close.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}

	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	q, err := queue.NewFromURL(cfg.Redis.URL, queue.Config{
		Name:              cfg.Queue.Name,
		VisibilityTimeout: cfg.Queue.ProcessingTimeout,
	}, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	registry := task.DefaultRegistry()
	workflows := workflow.NewService(s, registry, logger)
	executions := execution.NewService(s, s, s, logger)
	orch := orchestrator.New(s, executions, registry, orchestrator.Config{
		RetryBaseDelay: cfg.Worker.RetryBaseDelay,
		RetryMaxDelay:  cfg.Worker.RetryMaxDelay,
	}, logger)
	w := worker.New(q, orch, s, worker.Config{
		Concurrency:      cfg.Worker.Concurrency,
		DequeueTimeout:   cfg.Worker.DequeueTimeout,
		RecoveryInterval: cfg.Worker.RecoveryInterval,
		MaxAttempts:      cfg.Queue.MaxAttempts,
	}, logger)
	router := api.NewRouter(api.RouterConfig{
		Version: opts.Version,
		Commit:  opts.Commit,
	}, workflows, executions, q, registry, s, logger)

	return &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     log.WithComponent(logger, "daemon"),
		store:      s,
		queue:      q,
		registry:   registry,
		workflows:  workflows,
		executions: executions,
		orch:       orch,
		worker:     w,
		router:     router,
	}, nil
}

// openStore opens the configured persistence backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Database.URL, WAL: true})
	case "postgres":
		return postgres.New(postgres.Config{
			ConnectionString: cfg.Database.URL,
			MaxOpenConns:     cfg.Database.MaxOpenConns,
		})
	default:
		return nil, &errors.ConfigError{
			Key:    "database.driver",
			Reason: fmt.Sprintf("unsupported driver %q", cfg.Database.Driver),
		}
	}
}

// Registry exposes the task handler registry so embedders can register
// custom handlers before starting the daemon.
func (d *Daemon) Registry() *task.Registry {
	return d.registry
}

// RunServer runs the admin API server and the pending-execution sweep
// until ctx is cancelled, then shuts down gracefully.
func (d *Daemon) RunServer(ctx context.Context) error {
	server := &http.Server{
		Addr:         d.cfg.Server.ListenAddr,
		Handler:      d.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("ratchetd starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", d.cfg.Server.ListenAddr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		d.pendingSweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	d.logger.Info("ratchetd stopped")
	return err
}

// RunWorker runs the queue worker until ctx is cancelled.
func (d *Daemon) RunWorker(ctx context.Context) error {
	return d.worker.Run(ctx)
}

// pendingSweepLoop periodically re-enqueues pending executions whose
// scheduled time has arrived. It backstops lost enqueues: a crash between
// execution creation and queue push leaves a pending row that this sweep
// picks up. Enqueue-time dedup keeps the sweep from double-queueing.
func (d *Daemon) pendingSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(pendingSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sweepPending(ctx); err != nil {
				d.logger.ErrorContext(ctx, "pending sweep failed", log.Error(err))
			}
		}
	}
}

func (d *Daemon) sweepPending(ctx context.Context) error {
	ready, err := d.store.ListPendingReady(ctx, time.Now().UTC(), pendingSweepBatch)
	if err != nil {
		return err
	}

	for _, exec := range ready {
		_, err := d.queue.Enqueue(ctx, exec.ID, queue.EnqueueOptions{
			IdempotencyKey: exec.WorkflowID.String() + ":" + exec.IdempotencyKey,
		})
		if errors.Is(err, queue.ErrDuplicateMessage) {
			continue
		}
		if err != nil {
			return err
		}
		d.logger.InfoContext(ctx, "re-enqueued pending execution",
			slog.String(log.ExecutionIDKey, exec.ID.String()))
	}
	return nil
}

// Healthy reports whether the store and queue are both reachable.
func (d *Daemon) Healthy(ctx context.Context) bool {
	return d.worker.Healthy(ctx)
}

// Close releases the daemon's resources.
func (d *Daemon) Close() error {
	if err := d.queue.Close(); err != nil {
		d.logger.Error("failed to close queue", log.Error(err))
	}
	return d.store.Close()
}
