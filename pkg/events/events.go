// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package events provides the in-process lifecycle event bus for the
// orchestration core. Publishing is synchronous: subscribers execute in the
// publishing caller's goroutine and must not block. Expensive work belongs
// on the subscriber's own queue.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/windlass-dev/windlass/pkg/workflow"
)

// Topic identifies a lifecycle event. The set of orchestrator topics is
// sealed; handler-specific events are declared through the Catalog.
type Topic string

// Task lifecycle topics.
const (
	TopicTaskInitializeRequested Topic = "task.initialize_requested"
	TopicTaskStartRequested      Topic = "task.start_requested"
	TopicTaskStarted             Topic = "task.started"
	TopicTaskCompleted           Topic = "task.completed"
	TopicTaskFailed              Topic = "task.failed"
	TopicTaskCancelled           Topic = "task.cancelled"
	TopicTaskFinalizationStarted Topic = "task.finalization_started"
	TopicTaskFinalizationDone    Topic = "task.finalization_completed"
	TopicTaskReenqueueRequested  Topic = "task.reenqueue_requested"
	TopicTaskReenqueueDelayed    Topic = "task.reenqueue_delayed"
	TopicTaskReenqueueStarted    Topic = "task.reenqueue_started"
	TopicTaskReenqueueFailed     Topic = "task.reenqueue_failed"
)

// Step lifecycle topics.
const (
	TopicStepBeforeHandle   Topic = "step.before_handle"
	TopicStepStarted        Topic = "step.started"
	TopicStepCompleted      Topic = "step.completed"
	TopicStepFailed         Topic = "step.failed"
	TopicStepRetryRequested Topic = "step.retry_requested"
	TopicStepBackoff        Topic = "step.backoff"
	TopicStepCancelled      Topic = "step.cancelled"
)

// Workflow-level diagnostic topics.
const (
	TopicWorkflowStateUnclear Topic = "workflow.state_unclear"
	TopicWorkflowError        Topic = "workflow.error"
)

// Event is a published lifecycle event. Payload is one of the typed payload
// structs below; subscribers pattern-match on Topic or on the payload type.
//
// Payload schemas are versioned and stable: fields are only ever added.
type Event struct {
	ID      string
	Topic   Topic
	Time    time.Time
	Payload any
}

// New builds an event with a fresh ID and the current time.
func New(topic Topic, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Topic:   topic,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
}

// TaskPayload accompanies task lifecycle topics.
type TaskPayload struct {
	TaskID    int64
	Namespace string
	Name      string
	Version   string
	State     workflow.TaskState
	Metadata  map[string]any
}

// StepPayload accompanies step lifecycle topics.
type StepPayload struct {
	TaskID   int64
	StepID   int64
	StepName string
	Attempts int

	// Error and Kind are set on step.failed.
	Error string
	Kind  workflow.FailureKind

	// Final marks a step.failed that exhausted retries or was permanent.
	Final bool

	// BackoffSeconds is set on step.backoff with the computed delay.
	BackoffSeconds float64

	// DurationMs is set on step.completed and step.failed.
	DurationMs int64
}

// ReenqueuePayload accompanies reenqueue topics.
type ReenqueuePayload struct {
	TaskID int64
	Reason string
	Delay  time.Duration
	Error  string
}

// DiagnosticPayload accompanies workflow.* topics.
type DiagnosticPayload struct {
	TaskID  int64
	Message string
	Detail  map[string]any
}
