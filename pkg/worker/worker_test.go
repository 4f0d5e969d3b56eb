// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-dev/windlass/pkg/coordinator"
	"github.com/windlass-dev/windlass/pkg/events"
	"github.com/windlass-dev/windlass/pkg/executor"
	"github.com/windlass-dev/windlass/pkg/readiness"
	"github.com/windlass-dev/windlass/pkg/registry"
	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/storage/sqlite"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

type harness struct {
	store       *sqlite.Store
	bus         *events.Bus
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.NewInMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus()
	reg := registry.New(events.NewCatalog())
	policy := readiness.DefaultPolicy()
	evaluator := readiness.NewEvaluator(store.Readiness(), policy)
	exec := executor.New(store, bus, policy)

	coord := coordinator.New(store, reg, bus, evaluator, exec,
		coordinator.WithWorkerID("worker-test"))

	return &harness{store: store, bus: bus, registry: reg, coordinator: coord}
}

func (h *harness) registerSingleStep(t *testing.T, name string) *workflow.TaskDefinition {
	t.Helper()
	handler := workflow.StepHandlerFunc(func(context.Context, *workflow.Task, *workflow.StepSequence, *workflow.WorkflowStep) (workflow.Result, error) {
		return workflow.Result{}, nil
	})
	def := &workflow.TaskDefinition{
		Namespace: "worker", Name: name, Version: "1.0.0",
		Steps: []workflow.StepTemplate{
			{Name: "work", DependentSystem: "test", Handler: handler, DefaultRetryable: true},
		},
	}
	require.NoError(t, h.registry.Register(def))
	return def
}

func (h *harness) taskState(t *testing.T, taskID int64) workflow.TaskState {
	t.Helper()
	task, err := h.store.Tasks().GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task.CurrentState
}

func TestPool_ProcessesSubmittedTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	def := h.registerSingleStep(t, "submitted")
	task, err := h.coordinator.SubmitTask(ctx, workflow.TaskRequest{
		Namespace: def.Namespace, Name: def.Name, Version: def.Version,
	})
	require.NoError(t, err)
	require.Equal(t, workflow.TaskStatePending, h.taskState(t, task.ID))

	pool := New(h.store, h.coordinator, h.bus,
		WithWorkers(2),
		WithPollInterval(5*time.Millisecond),
		WithJanitorInterval(0))

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.taskState(t, task.ID) == workflow.TaskStateComplete
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)

	depth, err := h.store.Queue().Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestPool_JanitorRecoversExpiredClaim(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	def := h.registerSingleStep(t, "abandoned")
	task, _, err := h.store.Tasks().CreateTask(ctx, storage.NewTask{
		Namespace: def.Namespace, Name: def.Name, Version: def.Version,
		IdentityHash: "abandoned-1",
		Steps: []storage.NewStep{
			{Name: "work", DependentSystem: "test", Retryable: true, RetryLimit: 3},
		},
	})
	require.NoError(t, err)

	// A worker claimed the task and died; the lease is already expired.
	claimed, err := h.store.Tasks().ClaimTask(ctx, task.ID, "dead-worker", -time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	pool := New(h.store, h.coordinator, h.bus,
		WithWorkers(1),
		WithPollInterval(5*time.Millisecond),
		WithJanitorInterval(10*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.taskState(t, task.ID) == workflow.TaskStateComplete
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestPool_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := New(h.store, h.coordinator, h.bus, WithWorkers(1))
	assert.NoError(t, pool.Run(ctx))
}
