// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package statemachine enforces the legal lifecycle transitions of tasks and
// workflow steps. Legality is checked here; atomicity (CAS on current state,
// audit append, entity mutation) is delegated to the transition store.
package statemachine

import (
	"context"
	"errors"
	"fmt"

	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

// ErrIllegalTransition is returned when a transition is not in the legal set.
var ErrIllegalTransition = errors.New("illegal transition")

// State is the constraint shared by task and step state alphabets.
type State interface{ ~string }

// Machine is a legality table over one state alphabet.
type Machine[S State] struct {
	legal map[S]map[S]bool
}

// New builds a machine from a from-state to legal-targets table.
func New[S State](legal map[S][]S) *Machine[S] {
	table := make(map[S]map[S]bool, len(legal))
	for from, targets := range legal {
		set := make(map[S]bool, len(targets))
		for _, to := range targets {
			set[to] = true
		}
		table[from] = set
	}
	return &Machine[S]{legal: table}
}

// CanTransition reports whether from -> to is legal.
func (m *Machine[S]) CanTransition(from, to S) bool {
	return m.legal[from][to]
}

// Targets returns the legal targets from a state.
func (m *Machine[S]) Targets(from S) []S {
	targets := make([]S, 0, len(m.legal[from]))
	for to := range m.legal[from] {
		targets = append(targets, to)
	}
	return targets
}

// taskTransitions is the legal task lifecycle. Error is re-enterable: a
// re-enqueued task in error moves back to in_progress for another pass.
// complete -> pending supports operator-driven re-execution of a finished
// task after its steps were reset.
func taskTransitions() map[workflow.TaskState][]workflow.TaskState {
	return map[workflow.TaskState][]workflow.TaskState{
		workflow.TaskStatePending: {
			workflow.TaskStateInProgress,
			workflow.TaskStateCancelled,
		},
		workflow.TaskStateInProgress: {
			workflow.TaskStateComplete,
			workflow.TaskStateError,
			workflow.TaskStateCancelled,
			workflow.TaskStateResolvedManually,
		},
		workflow.TaskStateError: {
			workflow.TaskStateInProgress,
			workflow.TaskStateResolvedManually,
			workflow.TaskStateCancelled,
		},
		workflow.TaskStateComplete: {
			workflow.TaskStatePending,
		},
	}
}

// stepTransitions is the legal step lifecycle. error -> pending is the retry
// reset; pending -> resolved_manually is the skip path for skippable steps;
// complete -> pending supports task re-execution.
func stepTransitions() map[workflow.StepState][]workflow.StepState {
	return map[workflow.StepState][]workflow.StepState{
		workflow.StepStatePending: {
			workflow.StepStateInProgress,
			workflow.StepStateCancelled,
			workflow.StepStateResolvedManually,
		},
		workflow.StepStateInProgress: {
			workflow.StepStateComplete,
			workflow.StepStateError,
			workflow.StepStateCancelled,
		},
		workflow.StepStateError: {
			workflow.StepStatePending,
			workflow.StepStateCancelled,
			workflow.StepStateResolvedManually,
		},
		workflow.StepStateComplete: {
			workflow.StepStatePending,
		},
	}
}

// TaskMachine applies legal task transitions through the transition store.
type TaskMachine struct {
	machine *Machine[workflow.TaskState]
	store   storage.TransitionStore
}

// NewTaskMachine creates a TaskMachine over store.
func NewTaskMachine(store storage.TransitionStore) *TaskMachine {
	return &TaskMachine{machine: New(taskTransitions()), store: store}
}

// CanTransition reports whether from -> to is legal for tasks.
func (m *TaskMachine) CanTransition(from, to workflow.TaskState) bool {
	return m.machine.CanTransition(from, to)
}

// Transition appends a legal task transition.
func (m *TaskMachine) Transition(
	ctx context.Context, taskID int64, from, to workflow.TaskState, opts ...storage.TransitionOption,
) error {
	if !m.machine.CanTransition(from, to) {
		return fmt.Errorf("%w: task %d %s -> %s", ErrIllegalTransition, taskID, from, to)
	}
	return m.store.AppendTaskTransition(ctx, taskID, from, to, opts...)
}

// TransitionIdempotent is Transition, but already-in-target-state is a no-op
// success. Queue consumers use it to absorb redelivered work.
func (m *TaskMachine) TransitionIdempotent(
	ctx context.Context, taskID int64, from, to workflow.TaskState, opts ...storage.TransitionOption,
) error {
	if from == to {
		return nil
	}
	if !m.machine.CanTransition(from, to) {
		return fmt.Errorf("%w: task %d %s -> %s", ErrIllegalTransition, taskID, from, to)
	}
	opts = append(opts, storage.WithIdempotent())
	return m.store.AppendTaskTransition(ctx, taskID, from, to, opts...)
}

// StepMachine applies legal step transitions through the transition store.
type StepMachine struct {
	machine *Machine[workflow.StepState]
	store   storage.TransitionStore
}

// NewStepMachine creates a StepMachine over store.
func NewStepMachine(store storage.TransitionStore) *StepMachine {
	return &StepMachine{machine: New(stepTransitions()), store: store}
}

// CanTransition reports whether from -> to is legal for steps.
func (m *StepMachine) CanTransition(from, to workflow.StepState) bool {
	return m.machine.CanTransition(from, to)
}

// Transition appends a legal step transition.
func (m *StepMachine) Transition(
	ctx context.Context, stepID int64, from, to workflow.StepState, opts ...storage.TransitionOption,
) error {
	if !m.machine.CanTransition(from, to) {
		return fmt.Errorf("%w: step %d %s -> %s", ErrIllegalTransition, stepID, from, to)
	}
	return m.store.AppendStepTransition(ctx, stepID, from, to, opts...)
}

// TransitionIdempotent is Transition with already-in-target-state treated as
// success.
func (m *StepMachine) TransitionIdempotent(
	ctx context.Context, stepID int64, from, to workflow.StepState, opts ...storage.TransitionOption,
) error {
	if from == to {
		return nil
	}
	if !m.machine.CanTransition(from, to) {
		return fmt.Errorf("%w: step %d %s -> %s", ErrIllegalTransition, stepID, from, to)
	}
	opts = append(opts, storage.WithIdempotent())
	return m.store.AppendStepTransition(ctx, stepID, from, to, opts...)
}
