// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contracts of the orchestration
// core. Implementations must provide transactional writes: a transition row
// and its entity mutation commit or roll back together.
package storage

import (
	"context"
	"time"

	"github.com/windlass-dev/windlass/pkg/workflow"
)

// NewStep describes one step to materialize for a new task.
type NewStep struct {
	Name            string
	DependentSystem string
	DependsOn       []string
	Retryable       bool
	RetryLimit      int
	Skippable       bool
	Inputs          map[string]any
}

// NewTask is the materialization request: the resolved definition identity
// plus the submitted context. Steps carry their template defaults already
// resolved.
type NewTask struct {
	Namespace     string
	Name          string
	Version       string
	Configuration map[string]any

	Context      map[string]any
	IdentityHash string
	Initiator    string
	Reason       string
	SourceSystem string
	Tags         []string
	RequestedAt  time.Time

	Steps []NewStep
}

// ListTasksFilter narrows ListTasks. Zero value lists everything.
type ListTasksFilter struct {
	Namespace string
	Name      string
	States    []workflow.TaskState
	Limit     int
}

// TaskStore persists tasks and the named-entity catalog behind them.
type TaskStore interface {
	// CreateTask materializes a task, its steps, their edges, and the
	// initial pending transitions in a single transaction. Named entities
	// (namespace, named task, named steps) are created on first use.
	// Returns ErrDuplicateIdentity when an incomplete task with the same
	// identity hash exists.
	CreateTask(ctx context.Context, req NewTask) (*workflow.Task, []*workflow.WorkflowStep, error)

	GetTask(ctx context.Context, taskID int64) (*workflow.Task, error)
	ListTasks(ctx context.Context, filter ListTasksFilter) ([]*workflow.Task, error)

	// ClaimTask acquires the advisory per-task lease for claimant with the
	// given TTL. Returns false when another live claim holds the task.
	// A claimant re-acquiring its own claim extends the lease.
	ClaimTask(ctx context.Context, taskID int64, claimant string, ttl time.Duration) (bool, error)

	// ReleaseTask drops the lease. Returns ErrNotClaimed when claimant does
	// not hold it.
	ReleaseTask(ctx context.Context, taskID int64, claimant string) error

	// ExpiredClaims lists tasks whose lease expired before now and whose
	// state is non-terminal, for janitor re-enqueueing.
	ExpiredClaims(ctx context.Context, now time.Time) ([]int64, error)
}

// StepStore reads the steps and edges owned by a task.
type StepStore interface {
	GetStep(ctx context.Context, stepID int64) (*workflow.WorkflowStep, error)
	ListSteps(ctx context.Context, taskID int64) ([]*workflow.WorkflowStep, error)
	ListEdges(ctx context.Context, taskID int64) ([]workflow.StepEdge, error)
}

// StepMutation describes entity-row changes committed atomically with a step
// transition. Nil pointer fields are left untouched.
type StepMutation struct {
	SetInProcess       *bool
	IncrementAttempts  bool
	ResetAttempts      bool
	SetLastAttemptedAt *time.Time
	SetProcessed       *bool
	SetProcessedAt     *time.Time
	SetResults         map[string]any

	SetBackoffRequestSeconds *int
	ClearBackoffRequest      bool
}

// TaskMutation describes task-row changes committed atomically with a task
// transition.
type TaskMutation struct {
	SetComplete *bool
}

// TransitionOption configures an append.
type TransitionOption func(*TransitionOptions)

// TransitionOptions is the resolved option set. Implementations read it;
// callers use the With* constructors.
type TransitionOptions struct {
	StepMutation *StepMutation
	TaskMutation *TaskMutation

	// GuardTaskNotCancelled rejects the transition with ErrGuardFailed when
	// the given task is in the cancelled state at commit time.
	GuardTaskNotCancelled int64

	// Idempotent makes appending a transition to the current state a no-op
	// success instead of ErrStaleTransition.
	Idempotent bool

	Metadata map[string]any
}

// WithStepMutation attaches entity-row changes to a step transition.
func WithStepMutation(m StepMutation) TransitionOption {
	return func(o *TransitionOptions) { o.StepMutation = &m }
}

// WithTaskMutation attaches entity-row changes to a task transition.
func WithTaskMutation(m TaskMutation) TransitionOption {
	return func(o *TransitionOptions) { o.TaskMutation = &m }
}

// WithGuardTaskNotCancelled rejects the transition when taskID is cancelled.
func WithGuardTaskNotCancelled(taskID int64) TransitionOption {
	return func(o *TransitionOptions) { o.GuardTaskNotCancelled = taskID }
}

// WithIdempotent turns an already-in-target-state append into a no-op.
func WithIdempotent() TransitionOption {
	return func(o *TransitionOptions) { o.Idempotent = true }
}

// WithMetadata attaches structured metadata to the transition row.
func WithMetadata(metadata map[string]any) TransitionOption {
	return func(o *TransitionOptions) { o.Metadata = metadata }
}

// ResolveTransitionOptions applies opts to a zero options value.
func ResolveTransitionOptions(opts []TransitionOption) TransitionOptions {
	var o TransitionOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// TransitionStore appends to and reads the immutable audit logs. Appends
// compare-and-swap on from-state: when the entity's current state differs
// from from, the append fails with ErrStaleTransition (or succeeds as a
// no-op under WithIdempotent when current == to). Each successful append
// assigns sort_key = max(sort_key)+1 for the entity, flips the most_recent
// flag, and updates the denormalized current state in the same transaction.
type TransitionStore interface {
	AppendTaskTransition(ctx context.Context, taskID int64, from, to workflow.TaskState, opts ...TransitionOption) error
	AppendStepTransition(ctx context.Context, stepID int64, from, to workflow.StepState, opts ...TransitionOption) error

	ListTaskTransitions(ctx context.Context, taskID int64) ([]workflow.Transition, error)
	ListStepTransitions(ctx context.Context, stepID int64) ([]workflow.Transition, error)
}

// QueueStore is the durable work queue scheduling coordinator passes.
type QueueStore interface {
	// Enqueue inserts an entry visible at visibleAt. Returns false when an
	// entry for (taskID, reason) is already queued (debounce), true when a
	// new entry was inserted.
	Enqueue(ctx context.Context, taskID int64, reason string, visibleAt time.Time) (bool, error)

	// Dequeue atomically removes and returns the oldest visible entry.
	// Returns ErrQueueEmpty when nothing is visible at now.
	Dequeue(ctx context.Context, now time.Time) (*workflow.QueueEntry, error)

	// Depth counts queued entries, visible or not.
	Depth(ctx context.Context) (int, error)
}

// StepReadinessRow is one row of the aggregate readiness query: everything
// the readiness evaluator needs about one step, fetched for a whole task in
// a single query.
type StepReadinessRow struct {
	StepID    int64
	TaskID    int64
	Name      string
	State     workflow.StepState
	Skippable bool

	DependenciesTotal     int
	DependenciesSatisfied int

	Retryable  bool
	RetryLimit int
	Attempts   int
	InProcess  bool
	Processed  bool

	LastAttemptedAt       *time.Time
	LastFailureAt         *time.Time
	BackoffRequestSeconds *int
}

// ReadinessStore fetches the readiness snapshot for a task.
type ReadinessStore interface {
	StepReadiness(ctx context.Context, taskID int64) ([]StepReadinessRow, error)
}

// Store aggregates the persistence contracts over one database.
type Store interface {
	Tasks() TaskStore
	Steps() StepStore
	Transitions() TransitionStore
	Queue() QueueStore
	Readiness() ReadinessStore

	Close() error
}
