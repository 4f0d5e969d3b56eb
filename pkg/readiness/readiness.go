// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package readiness computes, per step of a task, whether the step may
// execute now, and aggregates those statuses into a task-level execution
// context. The evaluator is pure: it mutates nothing and tolerates stale
// snapshots, which the state-machine guards catch at commit time.
package readiness

import (
	"context"
	"time"

	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

// ExecutionStatus classifies what a task's steps are collectively doing.
type ExecutionStatus string

// Execution statuses, in precedence order.
const (
	StatusAllComplete            ExecutionStatus = "all_complete"
	StatusBlockedByFailures      ExecutionStatus = "blocked_by_failures"
	StatusHasReadySteps          ExecutionStatus = "has_ready_steps"
	StatusProcessing             ExecutionStatus = "processing"
	StatusWaitingForDependencies ExecutionStatus = "waiting_for_dependencies"
)

// HealthStatus classifies whether the task is progressing.
type HealthStatus string

// Health statuses.
const (
	HealthHealthy    HealthStatus = "healthy"
	HealthRecovering HealthStatus = "recovering"
	HealthBlocked    HealthStatus = "blocked"
)

// RecommendedAction tells the coordinator what to do next.
type RecommendedAction string

// Recommended actions.
const (
	ActionExecuteReadySteps RecommendedAction = "execute_ready_steps"
	ActionWaitForCompletion RecommendedAction = "wait_for_completion"
	ActionHandleFailures    RecommendedAction = "handle_failures"
	ActionFinalizeTask      RecommendedAction = "finalize_task"
)

// StepReadinessStatus is the readiness verdict for one step.
type StepReadinessStatus struct {
	StepID int64
	Name   string

	CurrentState workflow.StepState
	Skippable    bool

	TotalParents          int
	CompletedParents      int
	DependenciesSatisfied bool

	Attempts      int
	RetryLimit    int
	Retryable     bool
	RetryEligible bool

	LastFailureAt  *time.Time
	NextRetryAt    *time.Time
	BackoffExpired bool

	InProcess bool
	Processed bool

	// ReadyForExecution: pending, dependencies satisfied, retry eligible,
	// backoff expired, not claimed, not processed.
	ReadyForExecution bool

	// RetryResetEligible marks a failed step whose backoff expired and whose
	// retry budget remains: the coordinator resets it error -> pending
	// before the next batch.
	RetryResetEligible bool
}

// TaskExecutionContext aggregates a task's step statuses.
type TaskExecutionContext struct {
	TaskID int64

	TotalSteps      int
	PendingSteps    int
	InProgressSteps int
	CompletedSteps  int
	FailedSteps     int
	ReadySteps      int

	ExecutionStatus   ExecutionStatus
	HealthStatus      HealthStatus
	RecommendedAction RecommendedAction

	// EarliestNextRetry is the soonest future next_retry_at across failed
	// retry-eligible steps, feeding the reenqueue delay.
	EarliestNextRetry *time.Time

	Steps []StepReadinessStatus
}

// Evaluator computes readiness over the store's aggregate snapshot.
type Evaluator struct {
	store  storage.ReadinessStore
	policy Policy
	now    func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an Evaluator over store with the given backoff policy.
func NewEvaluator(store storage.ReadinessStore, policy Policy, opts ...Option) *Evaluator {
	e := &Evaluator{store: store, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepStatuses returns the readiness verdict for every step of the task.
func (e *Evaluator) StepStatuses(ctx context.Context, taskID int64) ([]StepReadinessStatus, error) {
	rows, err := e.store.StepReadiness(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	statuses := make([]StepReadinessStatus, 0, len(rows))
	for _, row := range rows {
		statuses = append(statuses, e.evaluate(row, now))
	}
	return statuses, nil
}

func (e *Evaluator) evaluate(row storage.StepReadinessRow, now time.Time) StepReadinessStatus {
	st := StepReadinessStatus{
		StepID:           row.StepID,
		Name:             row.Name,
		CurrentState:     row.State,
		Skippable:        row.Skippable,
		TotalParents:     row.DependenciesTotal,
		CompletedParents: row.DependenciesSatisfied,
		Attempts:         row.Attempts,
		RetryLimit:       row.RetryLimit,
		Retryable:        row.Retryable,
		LastFailureAt:    row.LastFailureAt,
		InProcess:        row.InProcess,
		Processed:        row.Processed,
	}

	st.DependenciesSatisfied = row.DependenciesTotal == row.DependenciesSatisfied

	// The first attempt is always in budget; further attempts only for
	// retryable steps under their limit.
	st.RetryEligible = row.Attempts < row.RetryLimit &&
		(row.Attempts == 0 || row.Retryable) &&
		(row.State == workflow.StepStatePending || row.State == workflow.StepStateError)

	st.NextRetryAt = e.policy.NextRetryAt(row)
	st.BackoffExpired = st.NextRetryAt == nil || !now.Before(*st.NextRetryAt)

	st.ReadyForExecution = row.State == workflow.StepStatePending &&
		st.DependenciesSatisfied &&
		st.RetryEligible &&
		st.BackoffExpired &&
		!row.InProcess &&
		!row.Processed

	st.RetryResetEligible = row.State == workflow.StepStateError &&
		st.RetryEligible &&
		st.BackoffExpired

	return st
}

// TaskContext aggregates the step statuses into the task execution context.
func (e *Evaluator) TaskContext(ctx context.Context, taskID int64) (*TaskExecutionContext, error) {
	statuses, err := e.StepStatuses(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	tec := &TaskExecutionContext{
		TaskID:     taskID,
		TotalSteps: len(statuses),
		Steps:      statuses,
	}

	requiredIncomplete := 0
	retryWaiting := 0
	terminalFailures := 0
	recovering := 0

	for _, st := range statuses {
		switch st.CurrentState {
		case workflow.StepStatePending:
			tec.PendingSteps++
		case workflow.StepStateInProgress:
			tec.InProgressSteps++
		case workflow.StepStateComplete, workflow.StepStateResolvedManually:
			tec.CompletedSteps++
		case workflow.StepStateError:
			tec.FailedSteps++
			if st.RetryEligible {
				recovering++
				if st.NextRetryAt != nil && st.NextRetryAt.After(now) {
					retryWaiting++
					if tec.EarliestNextRetry == nil || st.NextRetryAt.Before(*tec.EarliestNextRetry) {
						tec.EarliestNextRetry = st.NextRetryAt
					}
				}
			} else {
				terminalFailures++
			}
		}

		if st.ReadyForExecution || st.RetryResetEligible {
			tec.ReadySteps++
		}
		if !st.CurrentState.Completion() && !st.Skippable &&
			st.CurrentState != workflow.StepStateCancelled {
			requiredIncomplete++
		}
	}

	switch {
	case requiredIncomplete == 0:
		tec.ExecutionStatus = StatusAllComplete
	case terminalFailures > 0:
		tec.ExecutionStatus = StatusBlockedByFailures
	case tec.ReadySteps > 0:
		tec.ExecutionStatus = StatusHasReadySteps
	case tec.InProgressSteps > 0:
		tec.ExecutionStatus = StatusProcessing
	default:
		tec.ExecutionStatus = StatusWaitingForDependencies
	}

	switch {
	case terminalFailures > 0:
		tec.HealthStatus = HealthBlocked
	case recovering > 0:
		tec.HealthStatus = HealthRecovering
	default:
		tec.HealthStatus = HealthHealthy
	}

	switch tec.ExecutionStatus {
	case StatusAllComplete:
		tec.RecommendedAction = ActionFinalizeTask
	case StatusBlockedByFailures:
		tec.RecommendedAction = ActionHandleFailures
	case StatusHasReadySteps:
		tec.RecommendedAction = ActionExecuteReadySteps
	default:
		tec.RecommendedAction = ActionWaitForCompletion
	}

	return tec, nil
}
