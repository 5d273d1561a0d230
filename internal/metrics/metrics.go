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

// Package metrics exposes Prometheus instruments for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchet_executions_started_total",
			Help: "Total workflow executions started",
		},
	)

	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratchet_executions_finished_total",
			Help: "Total workflow executions finished by outcome",
		},
		[]string{"outcome"},
	)

	executionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ratchet_execution_duration_seconds",
			Help:    "Wall-clock duration of workflow executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
	)

	stepAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratchet_step_attempts_total",
			Help: "Total step attempts by task type and outcome",
		},
		[]string{"task_type", "outcome"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratchet_step_duration_seconds",
			Help:    "Duration of step attempts by task type",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"task_type"},
	)

	messagesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchet_queue_messages_enqueued_total",
			Help: "Total messages pushed onto the queue",
		},
	)

	messagesDequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchet_queue_messages_dequeued_total",
			Help: "Total messages dequeued by workers",
		},
	)

	messagesAcknowledged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchet_queue_messages_acknowledged_total",
			Help: "Total messages acknowledged after processing",
		},
	)

	messagesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchet_queue_messages_rejected_total",
			Help: "Total messages rejected by workers",
		},
	)

	messagesDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchet_queue_messages_dead_lettered_total",
			Help: "Total messages sent to the dead letter queue",
		},
	)

	staleRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratchet_queue_stale_recovered_total",
			Help: "Total stale messages reclaimed by the recovery sweep",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratchet_queue_depth",
			Help: "Current queue depth by queue segment",
		},
		[]string{"segment"},
	)
)

// RecordExecutionStarted increments the started counter.
func RecordExecutionStarted() {
	executionsStarted.Inc()
}

// RecordExecutionFinished records an execution outcome and its duration.
// outcome should be one of: completed, failed, cancelled.
func RecordExecutionFinished(outcome string, duration time.Duration) {
	executionsFinished.WithLabelValues(outcome).Inc()
	executionDuration.Observe(duration.Seconds())
}

// RecordStepAttempt records a step attempt outcome and its duration.
// outcome should be one of: completed, failed.
func RecordStepAttempt(taskType, outcome string, duration time.Duration) {
	stepAttempts.WithLabelValues(taskType, outcome).Inc()
	stepDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordMessageEnqueued increments the enqueue counter.
func RecordMessageEnqueued() {
	messagesEnqueued.Inc()
}

// RecordMessageDequeued increments the dequeue counter.
func RecordMessageDequeued() {
	messagesDequeued.Inc()
}

// RecordMessageAcknowledged increments the acknowledge counter.
func RecordMessageAcknowledged() {
	messagesAcknowledged.Inc()
}

// RecordMessageRejected increments the reject counter.
func RecordMessageRejected() {
	messagesRejected.Inc()
}

// RecordMessageDeadLettered increments the dead letter counter.
func RecordMessageDeadLettered() {
	messagesDeadLettered.Inc()
}

// RecordStaleRecovered adds reclaimed messages to the recovery counter.
func RecordStaleRecovered(n int) {
	staleRecovered.Add(float64(n))
}

// SetQueueDepth sets the depth gauge for one queue segment.
// segment should be one of: main, processing, delayed, dead_letter.
func SetQueueDepth(segment string, depth int64) {
	queueDepth.WithLabelValues(segment).Set(float64(depth))
}
