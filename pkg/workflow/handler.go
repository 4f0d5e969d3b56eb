// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import "context"

// Result is the structured output of a step handler, persisted into the
// step's results field. Result payloads must be JSON-serializable.
type Result map[string]any

// StepHandler is the extension point for user code. Process receives the
// task, an ordered view of the task's steps (for cross-step data lookup),
// and the step being executed.
//
// Handlers signal transient failures with NewRetryableError (optionally with
// a backoff hint) and unrecoverable failures with NewPermanentError. Any
// other error is treated as retryable.
type StepHandler interface {
	Process(ctx context.Context, task *Task, seq *StepSequence, step *WorkflowStep) (Result, error)
}

// StepHandlerFunc adapts a function to the StepHandler interface.
type StepHandlerFunc func(ctx context.Context, task *Task, seq *StepSequence, step *WorkflowStep) (Result, error)

// Process implements StepHandler.
func (f StepHandlerFunc) Process(ctx context.Context, task *Task, seq *StepSequence, step *WorkflowStep) (Result, error) {
	return f(ctx, task, seq, step)
}

// EventSpec declares a custom event published by a handler, registered into
// the event catalog at task-handler registration time.
type EventSpec struct {
	Name        string
	Description string
}

// CustomEventDeclarer is an optional capability: handlers that publish their
// own events declare them so the catalog can surface them.
type CustomEventDeclarer interface {
	CustomEvents() []EventSpec
}

// Configurable is an optional capability: handlers that accept per-task
// configuration implement it. Configure is called once at registration with
// the named task's opaque configuration.
type Configurable interface {
	Configure(config map[string]any) error
}

// StepSequence is an ordered, read-only view of a task's steps, allowing a
// handler to read prior steps' results.
type StepSequence struct {
	steps  []*WorkflowStep
	byName map[string]*WorkflowStep
}

// NewStepSequence builds a sequence over steps. Order is preserved.
func NewStepSequence(steps []*WorkflowStep) *StepSequence {
	byName := make(map[string]*WorkflowStep, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}
	return &StepSequence{steps: steps, byName: byName}
}

// All returns the steps in sequence order.
func (s *StepSequence) All() []*WorkflowStep {
	return s.steps
}

// Step returns the step with the given name.
func (s *StepSequence) Step(name string) (*WorkflowStep, bool) {
	st, ok := s.byName[name]
	return st, ok
}

// ResultsFor returns the persisted results of a named step, or false when
// the step does not exist or has not produced results.
func (s *StepSequence) ResultsFor(name string) (Result, bool) {
	st, ok := s.byName[name]
	if !ok || st.Results == nil {
		return nil, false
	}
	return Result(st.Results), true
}

// Len returns the number of steps in the sequence.
func (s *StepSequence) Len() int {
	return len(s.steps)
}
