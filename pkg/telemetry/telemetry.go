// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry translates lifecycle events into Prometheus metrics.
// The Metrics type is an event-bus subscriber; it never blocks the
// publishing goroutine beyond a counter increment.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/windlass-dev/windlass/pkg/events"
	"github.com/windlass-dev/windlass/pkg/storage"
)

// Metrics holds the orchestrator's Prometheus collectors and feeds them from
// the event bus.
type Metrics struct {
	tasksSubmitted prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksCancelled prometheus.Counter

	stepsCompleted prometheus.Counter
	stepsFailed    *prometheus.CounterVec
	stepRetries    prometheus.Counter

	stepDuration prometheus.Histogram
	stepBackoff  prometheus.Histogram

	reenqueues *prometheus.CounterVec
}

// NewMetrics registers the orchestrator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		tasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "windlass", Name: "tasks_submitted_total",
			Help: "Tasks materialized from submissions.",
		}),
		tasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "windlass", Name: "tasks_completed_total",
			Help: "Tasks finalized complete.",
		}),
		tasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "windlass", Name: "tasks_failed_total",
			Help: "Tasks finalized in error.",
		}),
		tasksCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "windlass", Name: "tasks_cancelled_total",
			Help: "Tasks cancelled before finishing.",
		}),
		stepsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "windlass", Name: "steps_completed_total",
			Help: "Step executions that completed successfully.",
		}),
		stepsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "windlass", Name: "steps_failed_total",
			Help: "Step executions that failed, by failure kind and finality.",
		}, []string{"kind", "final"}),
		stepRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "windlass", Name: "step_retries_total",
			Help: "Retry resets of failed steps.",
		}),
		stepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "windlass", Name: "step_duration_seconds",
			Help:    "Handler wall time per step execution.",
			Buckets: prometheus.DefBuckets,
		}),
		stepBackoff: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "windlass", Name: "step_backoff_seconds",
			Help:    "Backoff delays scheduled after retryable failures.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
		reenqueues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "windlass", Name: "task_reenqueues_total",
			Help: "Pass reenqueues, by reason.",
		}, []string{"reason"}),
	}
}

// OnEvent implements events.Subscriber.
func (m *Metrics) OnEvent(_ context.Context, e events.Event) {
	switch e.Topic {
	case events.TopicTaskInitializeRequested:
		m.tasksSubmitted.Inc()
	case events.TopicTaskCompleted:
		m.tasksCompleted.Inc()
	case events.TopicTaskFailed:
		m.tasksFailed.Inc()
	case events.TopicTaskCancelled:
		m.tasksCancelled.Inc()
	case events.TopicStepCompleted:
		m.stepsCompleted.Inc()
		if p, ok := e.Payload.(events.StepPayload); ok {
			m.stepDuration.Observe(float64(p.DurationMs) / 1000)
		}
	case events.TopicStepFailed:
		if p, ok := e.Payload.(events.StepPayload); ok {
			m.stepsFailed.WithLabelValues(string(p.Kind), boolLabel(p.Final)).Inc()
			m.stepDuration.Observe(float64(p.DurationMs) / 1000)
		}
	case events.TopicStepRetryRequested:
		m.stepRetries.Inc()
	case events.TopicStepBackoff:
		if p, ok := e.Payload.(events.StepPayload); ok {
			m.stepBackoff.Observe(p.BackoffSeconds)
		}
	case events.TopicTaskReenqueueRequested:
		if p, ok := e.Payload.(events.ReenqueuePayload); ok {
			m.reenqueues.WithLabelValues(p.Reason).Inc()
		}
	}
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// NewQueueDepthCollector returns a gauge reporting the work queue depth at
// scrape time.
func NewQueueDepthCollector(queue storage.QueueStore) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "windlass", Name: "work_queue_depth",
		Help: "Entries in the durable work queue, visible or not.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		depth, err := queue.Depth(ctx)
		if err != nil {
			return -1
		}
		return float64(depth)
	})
}
