// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	// TaskStatePending indicates the task has been materialized but not started.
	TaskStatePending TaskState = "pending"

	// TaskStateInProgress indicates the task is being driven by a coordinator.
	TaskStateInProgress TaskState = "in_progress"

	// TaskStateComplete indicates every required step finished successfully.
	TaskStateComplete TaskState = "complete"

	// TaskStateError indicates at least one step exhausted its retries or
	// failed permanently. A task in error may re-enter in_progress via
	// reenqueue after operator intervention.
	TaskStateError TaskState = "error"

	// TaskStateCancelled indicates the task was cancelled by an external actor.
	TaskStateCancelled TaskState = "cancelled"

	// TaskStateResolvedManually indicates an operator resolved the task by hand.
	TaskStateResolvedManually TaskState = "resolved_manually"
)

// Terminal reports whether no further automatic transitions occur from s.
// Error is not terminal at the task level: a reenqueue may re-enter
// in_progress.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateComplete, TaskStateCancelled, TaskStateResolvedManually:
		return true
	default:
		return false
	}
}

// StepState represents the lifecycle state of a workflow step.
type StepState string

const (
	// StepStatePending indicates the step has not been claimed for execution.
	StepStatePending StepState = "pending"

	// StepStateInProgress indicates an executor holds the step.
	StepStateInProgress StepState = "in_progress"

	// StepStateComplete indicates the handler finished successfully.
	StepStateComplete StepState = "complete"

	// StepStateError indicates the most recent attempt failed.
	StepStateError StepState = "error"

	// StepStateCancelled indicates the step was cancelled with its task.
	StepStateCancelled StepState = "cancelled"

	// StepStateResolvedManually indicates the step was skipped or resolved by hand.
	StepStateResolvedManually StepState = "resolved_manually"
)

// Completion reports whether s counts as a completion state for dependency
// and task-completion purposes.
func (s StepState) Completion() bool {
	return s == StepStateComplete || s == StepStateResolvedManually
}

// Terminal reports whether no further automatic transitions occur from s.
// Error is not terminal for a step until retries are exhausted; that
// determination needs the attempt counters and lives in the readiness
// evaluator.
func (s StepState) Terminal() bool {
	switch s {
	case StepStateComplete, StepStateCancelled, StepStateResolvedManually:
		return true
	default:
		return false
	}
}
