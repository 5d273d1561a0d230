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

// Package queue implements a Redis-backed task queue with visibility
// timeouts, delayed delivery, idempotent enqueue, and a dead letter queue.
//
// # Key Layout
//
// For a queue named Q the following Redis keys are used:
//
//	Q                  main queue (list, LPUSH/BRPOPLPUSH)
//	Q:processing       in-flight messages (list)
//	Q:processing:<id>  per-message visibility timeout marker (string with TTL)
//	Q:delayed          delayed messages (sorted set scored by ready time)
//	Q:dlq              dead letter queue (list)
//	Q:idempotency:<k>  enqueue dedup markers (string, 24h TTL)
//
// A message whose visibility marker has expired while it still sits in
// Q:processing is considered stale; RecoverStale returns it to the main
// queue or dead-letters it once its attempt budget is spent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tombee/ratchet/internal/log"
	"github.com/tombee/ratchet/internal/metrics"
	"github.com/tombee/ratchet/pkg/errors"
)

// ErrDuplicateMessage is returned by Enqueue when the idempotency key has
// already been used within its TTL window.
var ErrDuplicateMessage = errors.New("queue: duplicate message rejected by idempotency key")

// DLQ reason codes recorded in the message payload.
const (
	ReasonRejected            = "rejected"
	ReasonMaxAttemptsExceeded = "max_attempts_exceeded"
)

// idempotencyTTL bounds how long an idempotency key blocks re-enqueue.
const idempotencyTTL = 24 * time.Hour

// TaskExecuteWorkflow is the default task type carried by queue messages.
const TaskExecuteWorkflow = "execute_workflow"

// Message is one unit of work on the queue.
type Message struct {
	ID                string         `json:"id"`
	ExecutionID       uuid.UUID      `json:"execution_id"`
	TaskType          string         `json:"task_type"`
	Payload           map[string]any `json:"payload"`
	CreatedAt         time.Time      `json:"created_at"`
	Attempt           int            `json:"attempt"`
	VisibilityTimeout int            `json:"visibility_timeout"`

	// raw is the exact JSON this message was dequeued as. LREM matches on
	// bytes, so removal from the processing list must reuse it verbatim.
	raw string
}

// NewMessage constructs a first-attempt message for an execution.
func NewMessage(executionID uuid.UUID, taskType string, payload map[string]any, visibilityTimeout time.Duration) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		ID:                uuid.NewString(),
		ExecutionID:       executionID,
		TaskType:          taskType,
		Payload:           payload,
		CreatedAt:         time.Now().UTC(),
		Attempt:           1,
		VisibilityTimeout: int(visibilityTimeout.Seconds()),
	}
}

func (m *Message) encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return string(data), nil
}

func decodeMessage(raw string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	m.raw = raw
	return &m, nil
}

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Main       int64 `json:"main"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	DeadLetter int64 `json:"dead_letter"`
}

// Config contains queue configuration.
type Config struct {
	// Name is the base queue name; derived keys are prefixed with it.
	Name string

	// VisibilityTimeout is how long a dequeued message stays invisible
	// before RecoverStale may reclaim it.
	VisibilityTimeout time.Duration
}

// Queue is a Redis-backed task queue.
type Queue struct {
	client     redis.UniversalClient
	name       string
	processing string
	delayed    string
	dlq        string
	idemPrefix string
	visibility time.Duration
	logger     *slog.Logger
}

// New creates a queue on an existing Redis client.
func New(client redis.UniversalClient, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		client:     client,
		name:       cfg.Name,
		processing: cfg.Name + ":processing",
		delayed:    cfg.Name + ":delayed",
		dlq:        cfg.Name + ":dlq",
		idemPrefix: cfg.Name + ":idempotency",
		visibility: cfg.VisibilityTimeout,
		logger:     log.WithComponent(logger, "queue"),
	}
}

// NewFromURL creates a queue with its own Redis client parsed from a URL.
func NewFromURL(redisURL string, cfg Config, logger *slog.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, &errors.ConfigError{Key: "redis.url", Reason: "invalid Redis URL", Cause: err}
	}
	return New(redis.NewClient(opts), cfg, logger), nil
}

// Close closes the underlying Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}

// EnqueueOptions tunes a single Enqueue call.
type EnqueueOptions struct {
	// TaskType overrides the default execute_workflow task type.
	TaskType string

	// Payload is carried opaquely to the consumer.
	Payload map[string]any

	// IdempotencyKey suppresses duplicate enqueues for 24 hours.
	IdempotencyKey string

	// Delay holds the message in the delayed set until it elapses.
	Delay time.Duration
}

// Enqueue adds a message to the queue. Returns ErrDuplicateMessage when the
// idempotency key was already claimed.
func (q *Queue) Enqueue(ctx context.Context, executionID uuid.UUID, opts EnqueueOptions) (*Message, error) {
	if opts.IdempotencyKey != "" {
		key := q.idemPrefix + ":" + opts.IdempotencyKey
		claimed, err := q.client.SetNX(ctx, key, "1", idempotencyTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if !claimed {
			q.logger.InfoContext(ctx, "duplicate message rejected",
				slog.String("idempotency_key", opts.IdempotencyKey))
			return nil, ErrDuplicateMessage
		}
	}

	taskType := opts.TaskType
	if taskType == "" {
		taskType = TaskExecuteWorkflow
	}

	msg := NewMessage(executionID, taskType, opts.Payload, q.visibility)
	encoded, err := msg.encode()
	if err != nil {
		return nil, err
	}

	if opts.Delay > 0 {
		score := float64(time.Now().Add(opts.Delay).UnixMilli()) / 1000
		if err := q.client.ZAdd(ctx, q.delayed, redis.Z{Score: score, Member: encoded}).Err(); err != nil {
			return nil, fmt.Errorf("failed to enqueue delayed message: %w", err)
		}
		metrics.RecordMessageEnqueued()
		q.logger.InfoContext(ctx, "enqueued delayed message",
			slog.String(log.MessageIDKey, msg.ID),
			slog.String(log.ExecutionIDKey, executionID.String()),
			slog.Duration("delay", opts.Delay))
		return msg, nil
	}

	if err := q.client.LPush(ctx, q.name, encoded).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}
	metrics.RecordMessageEnqueued()
	q.logger.InfoContext(ctx, "enqueued message",
		slog.String(log.MessageIDKey, msg.ID),
		slog.String(log.ExecutionIDKey, executionID.String()))
	return msg, nil
}

// Dequeue atomically moves one message to the processing queue and stamps
// its visibility marker. Returns (nil, nil) when no message arrives within
// the timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	if _, err := q.PromoteDelayed(ctx); err != nil {
		return nil, err
	}

	raw, err := q.client.BRPopLPush(ctx, q.name, q.processing, timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	msg, err := decodeMessage(raw)
	if err != nil {
		return nil, err
	}

	visibility := time.Duration(msg.VisibilityTimeout) * time.Second
	if visibility <= 0 {
		visibility = q.visibility
	}
	if err := q.client.Set(ctx, q.visibilityKey(msg.ID), raw, visibility).Err(); err != nil {
		return nil, fmt.Errorf("failed to set visibility marker: %w", err)
	}

	metrics.RecordMessageDequeued()
	q.logger.DebugContext(ctx, "dequeued message",
		slog.String(log.MessageIDKey, msg.ID),
		slog.Int(log.AttemptKey, msg.Attempt))
	return msg, nil
}

// Acknowledge removes a successfully processed message from the processing
// queue and clears its visibility marker.
func (q *Queue) Acknowledge(ctx context.Context, msg *Message) error {
	if err := q.removeFromProcessing(ctx, msg); err != nil {
		return err
	}
	metrics.RecordMessageAcknowledged()
	q.logger.DebugContext(ctx, "acknowledged message", slog.String(log.MessageIDKey, msg.ID))
	return nil
}

// Reject removes a message from the processing queue. With requeue it goes
// back onto the main queue with an incremented attempt counter; otherwise it
// is discarded.
func (q *Queue) Reject(ctx context.Context, msg *Message, requeue bool) error {
	if err := q.removeFromProcessing(ctx, msg); err != nil {
		return err
	}
	metrics.RecordMessageRejected()

	if !requeue {
		return nil
	}

	msg.Attempt++
	encoded, err := msg.encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.name, encoded).Err(); err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	q.logger.InfoContext(ctx, "requeued message",
		slog.String(log.MessageIDKey, msg.ID),
		slog.Int(log.AttemptKey, msg.Attempt))
	return nil
}

// DeadLetter removes a message from the processing queue and pushes it onto
// the dead letter queue annotated with a reason and timestamp.
func (q *Queue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	if err := q.removeFromProcessing(ctx, msg); err != nil {
		return err
	}

	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	msg.Payload["dlq_reason"] = reason
	msg.Payload["dlq_timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	encoded, err := msg.encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.dlq, encoded).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}
	metrics.RecordMessageDeadLettered()
	q.logger.WarnContext(ctx, "message sent to dead letter queue",
		slog.String(log.MessageIDKey, msg.ID),
		slog.String("reason", reason))
	return nil
}

// RecoverStale scans the processing queue for messages whose visibility
// marker has expired. Each is requeued with an incremented attempt, or
// dead-lettered once the attempt exceeds maxAttempts. Returns the number of
// stale messages handled.
func (q *Queue) RecoverStale(ctx context.Context, maxAttempts int) (int, error) {
	raws, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan processing queue: %w", err)
	}

	recovered := 0
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			q.logger.ErrorContext(ctx, "skipping undecodable processing entry", log.Error(err))
			continue
		}

		exists, err := q.client.Exists(ctx, q.visibilityKey(msg.ID)).Result()
		if err != nil {
			return recovered, fmt.Errorf("failed to check visibility marker: %w", err)
		}
		if exists > 0 {
			continue
		}

		if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
			return recovered, fmt.Errorf("failed to remove stale message: %w", err)
		}

		msg.Attempt++
		if msg.Attempt <= maxAttempts {
			encoded, err := msg.encode()
			if err != nil {
				return recovered, err
			}
			if err := q.client.LPush(ctx, q.name, encoded).Err(); err != nil {
				return recovered, fmt.Errorf("failed to requeue stale message: %w", err)
			}
			q.logger.WarnContext(ctx, "recovered stale message",
				slog.String(log.MessageIDKey, msg.ID),
				slog.Int(log.AttemptKey, msg.Attempt))
		} else {
			if msg.Payload == nil {
				msg.Payload = map[string]any{}
			}
			msg.Payload["dlq_reason"] = ReasonMaxAttemptsExceeded
			msg.Payload["dlq_timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
			encoded, err := msg.encode()
			if err != nil {
				return recovered, err
			}
			if err := q.client.LPush(ctx, q.dlq, encoded).Err(); err != nil {
				return recovered, fmt.Errorf("failed to dead-letter stale message: %w", err)
			}
			metrics.RecordMessageDeadLettered()
			q.logger.WarnContext(ctx, "stale message sent to dead letter queue",
				slog.String(log.MessageIDKey, msg.ID))
		}
		recovered++
	}
	return recovered, nil
}

// PromoteDelayed moves delayed messages whose ready time has passed onto the
// main queue. Returns the number promoted.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixMilli()) / 1000
	raws, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatFloat(now, 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed messages: %w", err)
	}
	if len(raws) == 0 {
		return 0, nil
	}

	pipe := q.client.Pipeline()
	for _, raw := range raws {
		pipe.LPush(ctx, q.name, raw)
		pipe.ZRem(ctx, q.delayed, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to promote delayed messages: %w", err)
	}
	return len(raws), nil
}

// Stats returns current queue depths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	main := pipe.LLen(ctx, q.name)
	processing := pipe.LLen(ctx, q.processing)
	delayed := pipe.ZCard(ctx, q.delayed)
	dlq := pipe.LLen(ctx, q.dlq)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Stats{
		Main:       main.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		DeadLetter: dlq.Val(),
	}, nil
}

// DeadLetterMessages returns up to limit messages from the dead letter queue
// without removing them.
func (q *Queue) DeadLetterMessages(ctx context.Context, limit int64) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, q.dlq, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter queue: %w", err)
	}
	msgs := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// HealthCheck verifies Redis connectivity.
func (q *Queue) HealthCheck(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Clear deletes all queue keys. Intended for tests.
func (q *Queue) Clear(ctx context.Context) error {
	return q.client.Del(ctx, q.name, q.processing, q.delayed, q.dlq).Err()
}

func (q *Queue) visibilityKey(messageID string) string {
	return q.processing + ":" + messageID
}

func (q *Queue) removeFromProcessing(ctx context.Context, msg *Message) error {
	raw := msg.raw
	if raw == "" {
		encoded, err := msg.encode()
		if err != nil {
			return err
		}
		raw = encoded
	}
	if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
		return fmt.Errorf("failed to remove message from processing: %w", err)
	}
	if err := q.client.Del(ctx, q.visibilityKey(msg.ID)).Err(); err != nil {
		return fmt.Errorf("failed to clear visibility marker: %w", err)
	}
	return nil
}
