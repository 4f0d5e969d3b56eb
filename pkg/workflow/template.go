// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"errors"
	"fmt"
)

// ErrInvalidDefinition is returned when a task definition fails validation.
var ErrInvalidDefinition = errors.New("invalid task definition")

// StepTemplate describes one named step of a task definition: its handler,
// dependencies, and per-template defaults applied when a concrete
// WorkflowStep is materialized.
type StepTemplate struct {
	// Name is the step name, unique within the task definition.
	Name string

	// DependentSystem identifies the external system the step touches.
	// Steps with the same (dependent system, name) share a NamedStep
	// identity across task versions.
	DependentSystem string

	// DependsOn lists step names that must complete before this step.
	DependsOn []string

	// Handler implements the step's business logic.
	Handler StepHandler

	// DefaultRetryable controls whether failed attempts are retried.
	DefaultRetryable bool

	// DefaultRetryLimit caps attempts; zero means DefaultRetryLimit (3).
	DefaultRetryLimit int

	// Skippable steps do not count against task completion; they are
	// resolved manually (pending -> resolved_manually) rather than executed
	// when skipped.
	Skippable bool
}

// RetryLimit resolves the effective retry limit for steps built from this
// template.
func (t StepTemplate) RetryLimit() int {
	if t.DefaultRetryLimit > 0 {
		return t.DefaultRetryLimit
	}
	return DefaultRetryLimit
}

// TaskDefinition is the task-handler contract: a versioned collection of
// step templates plus an optional JSON Schema for the task context.
type TaskDefinition struct {
	Namespace string
	Name      string
	Version   string

	// ContextSchema optionally constrains submitted task contexts
	// (JSON Schema). Nil means any context is accepted.
	ContextSchema map[string]any

	// Configuration is opaque per-definition configuration recorded on the
	// named task row and handed to Configurable handlers.
	Configuration map[string]any

	Steps []StepTemplate
}

// Validate checks structural validity: non-empty identity, at least one
// step, unique step names, resolvable dependencies, an acyclic DAG, and a
// handler on every step.
func (d *TaskDefinition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: definition is nil", ErrInvalidDefinition)
	}
	if d.Namespace == "" || d.Name == "" || d.Version == "" {
		return fmt.Errorf("%w: namespace, name and version are required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: task %s must have at least one step", ErrInvalidDefinition, d.Name)
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: step name is required", ErrInvalidDefinition)
		}
		if seen[step.Name] {
			return fmt.Errorf("%w: duplicate step name %q", ErrInvalidDefinition, step.Name)
		}
		seen[step.Name] = true
		if step.Handler == nil {
			return fmt.Errorf("%w: step %q has no handler", ErrInvalidDefinition, step.Name)
		}
	}

	return ValidateTemplateDAG(d.Steps)
}

// HandlerFor returns the handler registered for a step name.
func (d *TaskDefinition) HandlerFor(stepName string) (StepHandler, bool) {
	for _, step := range d.Steps {
		if step.Name == stepName {
			return step.Handler, true
		}
	}
	return nil, false
}

// Handlers returns the step-name to handler mapping for the definition.
func (d *TaskDefinition) Handlers() map[string]StepHandler {
	handlers := make(map[string]StepHandler, len(d.Steps))
	for _, step := range d.Steps {
		handlers[step.Name] = step.Handler
	}
	return handlers
}

// CustomEvents collects the custom event declarations of every handler that
// implements CustomEventDeclarer.
func (d *TaskDefinition) CustomEvents() []EventSpec {
	var specs []EventSpec
	for _, step := range d.Steps {
		if declarer, ok := step.Handler.(CustomEventDeclarer); ok {
			specs = append(specs, declarer.CustomEvents()...)
		}
	}
	return specs
}
