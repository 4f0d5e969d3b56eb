// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-dev/windlass/pkg/events"
	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/storage/sqlite"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

func TestMetrics_CountsLifecycleEvents(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	bus := events.NewBus()
	bus.Subscribe(metrics)
	ctx := context.Background()

	bus.Publish(ctx, events.New(events.TopicTaskInitializeRequested, events.TaskPayload{TaskID: 1}))
	bus.Publish(ctx, events.New(events.TopicTaskCompleted, events.TaskPayload{TaskID: 1}))
	bus.Publish(ctx, events.New(events.TopicStepCompleted, events.StepPayload{StepID: 1, DurationMs: 120}))
	bus.Publish(ctx, events.New(events.TopicStepFailed, events.StepPayload{
		StepID: 2, Kind: workflow.FailureRetryable, Final: false, DurationMs: 40,
	}))
	bus.Publish(ctx, events.New(events.TopicStepFailed, events.StepPayload{
		StepID: 2, Kind: workflow.FailurePermanent, Final: true, DurationMs: 10,
	}))
	bus.Publish(ctx, events.New(events.TopicStepRetryRequested, events.StepPayload{StepID: 2}))
	bus.Publish(ctx, events.New(events.TopicStepBackoff, events.StepPayload{StepID: 2, BackoffSeconds: 1.5}))
	bus.Publish(ctx, events.New(events.TopicTaskReenqueueRequested, events.ReenqueuePayload{
		TaskID: 1, Reason: "retry_backoff",
	}))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.tasksSubmitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.tasksCompleted))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.stepsCompleted))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.stepsFailed.WithLabelValues("retryable", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.stepsFailed.WithLabelValues("permanent", "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.stepRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reenqueues.WithLabelValues("retry_backoff")))
}

func TestQueueDepthCollector(t *testing.T) {
	t.Parallel()

	store, err := sqlite.NewInMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	collector := NewQueueDepthCollector(store.Queue())
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(collector))

	assert.Equal(t, float64(0), testutil.ToFloat64(collector))

	// Depth counts entries regardless of visibility.
	ctx := context.Background()
	task := seedTask(t, store)
	_, err = store.Queue().Enqueue(ctx, task, "waiting", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector))
}

func seedTask(t *testing.T, store *sqlite.Store) int64 {
	t.Helper()
	task, _, err := store.Tasks().CreateTask(context.Background(), storage.NewTask{
		Namespace: "telemetry", Name: "probe", Version: "1.0.0",
		IdentityHash: "telemetry-probe",
		Steps: []storage.NewStep{
			{Name: "work", DependentSystem: "test", Retryable: true, RetryLimit: 3},
		},
	})
	require.NoError(t, err)
	return task.ID
}
