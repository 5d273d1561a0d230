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

// Package worker consumes the task queue and runs executions through the
// orchestrator.
//
// A worker runs a pool of processing loops plus one recovery loop. The
// recovery loop periodically reclaims messages whose visibility timeout
// expired, so executions survive worker crashes: the reclaimed message is
// re-delivered and the orchestrator resumes from its checkpoint.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/ratchet/internal/log"
	"github.com/tombee/ratchet/internal/metrics"
	"github.com/tombee/ratchet/internal/orchestrator"
	"github.com/tombee/ratchet/internal/queue"
	"github.com/tombee/ratchet/internal/state"
	"github.com/tombee/ratchet/internal/store"
	"github.com/tombee/ratchet/pkg/errors"
)

// Config contains worker tuning.
type Config struct {
	// Concurrency is the number of parallel processing loops.
	Concurrency int

	// DequeueTimeout bounds each blocking dequeue.
	DequeueTimeout time.Duration

	// RecoveryInterval is how often stale messages are reclaimed.
	RecoveryInterval time.Duration

	// MaxAttempts is the delivery budget before a message is dead-lettered.
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 5 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Worker processes queue messages.
type Worker struct {
	queue *queue.Queue
	orch  *orchestrator.Orchestrator
	store store.Store
	cfg   Config
	log   *slog.Logger
}

// New creates a worker.
func New(q *queue.Queue, orch *orchestrator.Orchestrator, s store.Store, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Worker{
		queue: q,
		orch:  orch,
		store: s,
		cfg:   cfg,
		log:   log.WithComponent(logger, "worker"),
	}
}

// Run starts the processing pool and recovery loop, blocking until ctx is
// cancelled. In-flight messages finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.log.InfoContext(ctx, "worker started",
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("recovery_interval", w.cfg.RecoveryInterval))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.processLoop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		w.recoveryLoop(ctx)
		return nil
	})

	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

// processLoop dequeues and processes until ctx is cancelled. Loop-level
// errors pause briefly instead of crashing the loop.
func (w *Worker) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.ErrorContext(ctx, "error in worker loop", log.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

// ProcessOne handles at most one message. Returns nil when the queue was
// empty. Exported for tests and for drain-style tooling.
func (w *Worker) ProcessOne(ctx context.Context) error {
	msg, err := w.queue.Dequeue(ctx, w.cfg.DequeueTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if msg == nil {
		return nil
	}

	w.log.InfoContext(ctx, "processing message",
		slog.String(log.MessageIDKey, msg.ID),
		slog.String(log.ExecutionIDKey, msg.ExecutionID.String()),
		slog.Int(log.AttemptKey, msg.Attempt))

	_, err = w.orch.Execute(ctx, msg.ExecutionID)
	if err == nil {
		return w.queue.Acknowledge(ctx, msg)
	}

	// Scheduled executions delivered early go back with the residual delay.
	var notDue *orchestrator.NotDueError
	if errors.As(err, &notDue) {
		if ackErr := w.queue.Acknowledge(ctx, msg); ackErr != nil {
			return ackErr
		}
		_, enqErr := w.queue.Enqueue(ctx, msg.ExecutionID, queue.EnqueueOptions{Delay: notDue.Remaining})
		return enqErr
	}

	// Step failures and cancellations are recorded in the store by the
	// orchestrator; the execution is already settled and re-delivering the
	// message would only re-run finished work. Reject and dead-letter are
	// reserved for executions still live in the store.
	if w.executionSettled(ctx, msg.ExecutionID) {
		w.log.WarnContext(ctx, "execution settled, acknowledging message",
			slog.String(log.MessageIDKey, msg.ID),
			slog.String(log.ExecutionIDKey, msg.ExecutionID.String()),
			log.Error(err))
		return w.queue.Acknowledge(ctx, msg)
	}

	w.log.ErrorContext(ctx, "failed to process message",
		slog.String(log.MessageIDKey, msg.ID),
		log.Error(err))

	if msg.Attempt >= w.cfg.MaxAttempts {
		return w.queue.DeadLetter(ctx, msg, queue.ReasonRejected)
	}
	return w.queue.Reject(ctx, msg, true)
}

// executionSettled reports whether the execution already has a durable
// outcome (completed, failed, or cancelled) in the store.
func (w *Worker) executionSettled(ctx context.Context, id uuid.UUID) bool {
	exec, err := w.store.GetExecution(ctx, id)
	if err != nil {
		return false
	}
	return state.IsFinished(exec.Status)
}

// recoveryLoop reclaims stale messages on a fixed interval and refreshes
// queue depth gauges.
func (w *Worker) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := w.queue.RecoverStale(ctx, w.cfg.MaxAttempts)
			if err != nil {
				w.log.ErrorContext(ctx, "error in recovery loop", log.Error(err))
				continue
			}
			if recovered > 0 {
				metrics.RecordStaleRecovered(recovered)
				w.log.InfoContext(ctx, "recovered stale messages", slog.Int("count", recovered))
			}
			w.refreshQueueDepth(ctx)
		}
	}
}

func (w *Worker) refreshQueueDepth(ctx context.Context) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth("main", stats.Main)
	metrics.SetQueueDepth("processing", stats.Processing)
	metrics.SetQueueDepth("delayed", stats.Delayed)
	metrics.SetQueueDepth("dead_letter", stats.DeadLetter)
}

// Healthy reports whether both the store and the queue are reachable.
func (w *Worker) Healthy(ctx context.Context) bool {
	if err := w.store.Ping(ctx); err != nil {
		return false
	}
	return w.queue.HealthCheck(ctx) == nil
}

// Stats returns current queue depths.
func (w *Worker) Stats(ctx context.Context) (queue.Stats, error) {
	return w.queue.Stats(ctx)
}
