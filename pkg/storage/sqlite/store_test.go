// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewInMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// twoStepTask is a fetch -> transform pipeline used across tests.
func twoStepTask(identityHash string) storage.NewTask {
	return storage.NewTask{
		Namespace:    "etl",
		Name:         "import",
		Version:      "1.0.0",
		Context:      map[string]any{"source": "s3://bucket/file.csv"},
		IdentityHash: identityHash,
		Initiator:    "tester",
		SourceSystem: "unit-tests",
		Steps: []storage.NewStep{
			{Name: "fetch", DependentSystem: "s3", Retryable: true, RetryLimit: 3},
			{Name: "transform", DependentSystem: "internal", DependsOn: []string{"fetch"}, Retryable: true, RetryLimit: 3},
		},
	}
}

func boolPtr(b bool) *bool { return &b }

func TestCreateTask_MaterializesGraph(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	task, steps, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-1"))
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStatePending, task.CurrentState)
	assert.Equal(t, "etl", task.Namespace)
	require.Len(t, steps, 2)

	got, err := store.Tasks().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.IdentityHash, got.IdentityHash)
	assert.Equal(t, "import", got.Name)
	assert.Equal(t, "1.0.0", got.Version)
	assert.Equal(t, "s3://bucket/file.csv", got.Context["source"])

	listed, err := store.Steps().ListSteps(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "fetch", listed[0].Name)
	assert.Equal(t, workflow.StepStatePending, listed[0].CurrentState)

	edges, err := store.Steps().ListEdges(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, listed[0].ID, edges[0].FromStepID)
	assert.Equal(t, listed[1].ID, edges[0].ToStepID)

	// Materialization writes the initial pending transition for the task
	// and each step.
	taskLog, err := store.Transitions().ListTaskTransitions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, taskLog, 1)
	assert.Equal(t, string(workflow.TaskStatePending), taskLog[0].ToState)
	assert.True(t, taskLog[0].MostRecent)
	assert.Empty(t, taskLog[0].FromState)

	stepLog, err := store.Transitions().ListStepTransitions(ctx, listed[0].ID)
	require.NoError(t, err)
	require.Len(t, stepLog, 1)
}

func TestCreateTask_DuplicateIdentityRejected(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-dup"))
	require.NoError(t, err)

	_, _, err = store.Tasks().CreateTask(ctx, twoStepTask("hash-dup"))
	assert.ErrorIs(t, err, storage.ErrDuplicateIdentity)
}

func TestCreateTask_CompletedIdentityResubmittable(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	task, _, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-redo"))
	require.NoError(t, err)

	require.NoError(t, store.Transitions().AppendTaskTransition(
		ctx, task.ID, workflow.TaskStatePending, workflow.TaskStateInProgress))
	require.NoError(t, store.Transitions().AppendTaskTransition(
		ctx, task.ID, workflow.TaskStateInProgress, workflow.TaskStateComplete,
		storage.WithTaskMutation(storage.TaskMutation{SetComplete: boolPtr(true)})))

	_, _, err = store.Tasks().CreateTask(ctx, twoStepTask("hash-redo"))
	require.NoError(t, err)
}

func TestAppendTaskTransition_AuditInvariants(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	task, _, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-audit"))
	require.NoError(t, err)

	require.NoError(t, store.Transitions().AppendTaskTransition(
		ctx, task.ID, workflow.TaskStatePending, workflow.TaskStateInProgress,
		storage.WithMetadata(map[string]any{"claimant": "worker-1"})))
	require.NoError(t, store.Transitions().AppendTaskTransition(
		ctx, task.ID, workflow.TaskStateInProgress, workflow.TaskStateComplete,
		storage.WithTaskMutation(storage.TaskMutation{SetComplete: boolPtr(true)})))

	log, err := store.Transitions().ListTaskTransitions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)

	// Sort keys strictly increase and exactly the newest row is most_recent.
	recent := 0
	for i, tr := range log {
		assert.Equal(t, int64(i+1), tr.SortKey)
		if tr.MostRecent {
			recent++
		}
	}
	assert.Equal(t, 1, recent)
	assert.True(t, log[2].MostRecent)
	assert.Equal(t, "worker-1", log[1].Metadata["claimant"])

	got, err := store.Tasks().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStateComplete, got.CurrentState)
	assert.True(t, got.Complete)
}

func TestAppendTaskTransition_StaleAndIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	task, _, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-stale"))
	require.NoError(t, err)

	require.NoError(t, store.Transitions().AppendTaskTransition(
		ctx, task.ID, workflow.TaskStatePending, workflow.TaskStateInProgress))

	// A second claimant racing on the same from-state loses.
	err = store.Transitions().AppendTaskTransition(
		ctx, task.ID, workflow.TaskStatePending, workflow.TaskStateInProgress)
	assert.ErrorIs(t, err, storage.ErrStaleTransition)

	// With the idempotent option the same race is a no-op success.
	err = store.Transitions().AppendTaskTransition(
		ctx, task.ID, workflow.TaskStatePending, workflow.TaskStateInProgress,
		storage.WithIdempotent())
	assert.NoError(t, err)

	log, err := store.Transitions().ListTaskTransitions(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, log, 2)

	err = store.Transitions().AppendTaskTransition(
		ctx, 99999, workflow.TaskStatePending, workflow.TaskStateInProgress)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAppendStepTransition_ClaimMutationIsAtomic(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	task, steps, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-claim"))
	require.NoError(t, err)
	fetch := steps[0]

	now := time.Now().UTC()
	require.NoError(t, store.Transitions().AppendStepTransition(
		ctx, fetch.ID, workflow.StepStatePending, workflow.StepStateInProgress,
		storage.WithStepMutation(storage.StepMutation{
			SetInProcess:       boolPtr(true),
			IncrementAttempts:  true,
			SetLastAttemptedAt: &now,
		}),
		storage.WithGuardTaskNotCancelled(task.ID)))

	got, err := store.Steps().GetStep(ctx, fetch.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StepStateInProgress, got.CurrentState)
	assert.True(t, got.InProcess)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastAttemptedAt)

	// The losing claimant observes the CAS failure.
	err = store.Transitions().AppendStepTransition(
		ctx, fetch.ID, workflow.StepStatePending, workflow.StepStateInProgress)
	assert.ErrorIs(t, err, storage.ErrStaleTransition)

	processedAt := now.Add(time.Second)
	require.NoError(t, store.Transitions().AppendStepTransition(
		ctx, fetch.ID, workflow.StepStateInProgress, workflow.StepStateComplete,
		storage.WithStepMutation(storage.StepMutation{
			SetInProcess:   boolPtr(false),
			SetProcessed:   boolPtr(true),
			SetProcessedAt: &processedAt,
			SetResults:     map[string]any{"rows": float64(42)},
		})))

	got, err = store.Steps().GetStep(ctx, fetch.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.False(t, got.InProcess)
	assert.Equal(t, float64(42), got.Results["rows"])
}

func TestAppendStepTransition_GuardRejectsCancelledTask(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	task, steps, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-guard"))
	require.NoError(t, err)
	fetch := steps[0]

	require.NoError(t, store.Transitions().AppendStepTransition(
		ctx, fetch.ID, workflow.StepStatePending, workflow.StepStateInProgress,
		storage.WithStepMutation(storage.StepMutation{SetInProcess: boolPtr(true), IncrementAttempts: true})))

	require.NoError(t, store.Transitions().AppendTaskTransition(
		ctx, task.ID, workflow.TaskStatePending, workflow.TaskStateCancelled))

	// The in-flight handler result arrives after cancellation and is
	// rejected, preserving the cancelled graph untouched.
	err = store.Transitions().AppendStepTransition(
		ctx, fetch.ID, workflow.StepStateInProgress, workflow.StepStateComplete,
		storage.WithStepMutation(storage.StepMutation{SetProcessed: boolPtr(true)}),
		storage.WithGuardTaskNotCancelled(task.ID))
	assert.ErrorIs(t, err, storage.ErrGuardFailed)

	got, err := store.Steps().GetStep(ctx, fetch.ID)
	require.NoError(t, err)
	assert.False(t, got.Processed)
	assert.Equal(t, workflow.StepStateInProgress, got.CurrentState)
}

func TestClaimTask_Lease(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	task, _, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-lease"))
	require.NoError(t, err)

	ok, err := store.Tasks().ClaimTask(ctx, task.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Tasks().ClaimTask(ctx, task.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Holder re-claims to extend the lease.
	ok, err = store.Tasks().ClaimTask(ctx, task.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	err = store.Tasks().ReleaseTask(ctx, task.ID, "worker-b")
	assert.ErrorIs(t, err, storage.ErrNotClaimed)
	require.NoError(t, store.Tasks().ReleaseTask(ctx, task.ID, "worker-a"))

	ok, err = store.Tasks().ClaimTask(ctx, task.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Tasks().ClaimTask(ctx, 99999, "worker-a", time.Minute)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimTask_ExpiredLeaseIsReclaimable(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	task, _, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-expiry"))
	require.NoError(t, err)

	// A negative TTL produces an already-expired lease, standing in for a
	// coordinator that died mid-pass.
	ok, err := store.Tasks().ClaimTask(ctx, task.ID, "worker-dead", -time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	expired, err := store.Tasks().ExpiredClaims(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Contains(t, expired, task.ID)

	ok, err = store.Tasks().ClaimTask(ctx, task.ID, "worker-live", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueue_DebounceAndOrdering(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	taskA, _, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-qa"))
	require.NoError(t, err)
	taskB, _, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-qb"))
	require.NoError(t, err)

	now := time.Now().UTC()

	inserted, err := store.Queue().Enqueue(ctx, taskA.ID, "steps_ready", now.Add(10*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same (task, reason) while queued is absorbed.
	inserted, err = store.Queue().Enqueue(ctx, taskA.ID, "steps_ready", now)
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = store.Queue().Enqueue(ctx, taskB.ID, "steps_ready", now)
	require.NoError(t, err)
	assert.True(t, inserted)

	depth, err := store.Queue().Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	// Nothing visible before the earliest visibility timestamp.
	_, err = store.Queue().Dequeue(ctx, now.Add(-time.Hour))
	assert.ErrorIs(t, err, storage.ErrQueueEmpty)

	// FIFO by visibility: B (visible now) before A (visible 10ms later).
	entry, err := store.Queue().Dequeue(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, taskB.ID, entry.TaskID)

	entry, err = store.Queue().Dequeue(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, taskA.ID, entry.TaskID)

	_, err = store.Queue().Dequeue(ctx, now.Add(time.Second))
	assert.ErrorIs(t, err, storage.ErrQueueEmpty)

	// Once dequeued, the pair can be enqueued again.
	inserted, err = store.Queue().Enqueue(ctx, taskA.ID, "steps_ready", now)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestStepReadiness_DependencyCounts(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, steps, err := store.Tasks().CreateTask(ctx, twoStepTask("hash-ready"))
	require.NoError(t, err)
	fetch, transform := steps[0], steps[1]

	rows, err := store.Readiness().StepReadiness(ctx, fetch.TaskID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 0, rows[0].DependenciesTotal)
	assert.Equal(t, 1, rows[1].DependenciesTotal)
	assert.Equal(t, 0, rows[1].DependenciesSatisfied)
	assert.Nil(t, rows[1].LastFailureAt)

	// Fail fetch once, then complete it; the snapshot reflects both the
	// failure timestamp and the satisfied dependency.
	require.NoError(t, store.Transitions().AppendStepTransition(
		ctx, fetch.ID, workflow.StepStatePending, workflow.StepStateInProgress,
		storage.WithStepMutation(storage.StepMutation{IncrementAttempts: true})))
	require.NoError(t, store.Transitions().AppendStepTransition(
		ctx, fetch.ID, workflow.StepStateInProgress, workflow.StepStateError))
	require.NoError(t, store.Transitions().AppendStepTransition(
		ctx, fetch.ID, workflow.StepStateError, workflow.StepStatePending))
	require.NoError(t, store.Transitions().AppendStepTransition(
		ctx, fetch.ID, workflow.StepStatePending, workflow.StepStateInProgress,
		storage.WithStepMutation(storage.StepMutation{IncrementAttempts: true})))
	require.NoError(t, store.Transitions().AppendStepTransition(
		ctx, fetch.ID, workflow.StepStateInProgress, workflow.StepStateComplete,
		storage.WithStepMutation(storage.StepMutation{SetProcessed: boolPtr(true)})))

	rows, err = store.Readiness().StepReadiness(ctx, fetch.TaskID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, workflow.StepStateComplete, rows[0].State)
	assert.Equal(t, 2, rows[0].Attempts)
	assert.NotNil(t, rows[0].LastFailureAt)
	assert.Equal(t, transform.ID, rows[1].StepID)
	assert.Equal(t, 1, rows[1].DependenciesSatisfied)
}

func TestMigrations_CreateScanIndexes(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	rows, err := store.wrapper.DB().Query(
		`SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_%'`)
	require.NoError(t, err)
	defer rows.Close()

	names := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names[name] = true
	}
	require.NoError(t, rows.Err())

	for _, want := range []string{
		"idx_tasks_identity_live",
		"idx_workflow_steps_task_processed",
		"idx_workflow_step_edges_to_from",
		"idx_work_queue_visibility",
	} {
		assert.True(t, names[want], "missing index %s", want)
	}
}
