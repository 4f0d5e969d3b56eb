// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow defines the domain model for the windlass orchestration
// core: tasks, workflow steps, the step DAG, handler contracts, and the
// distinguished failure kinds handlers may raise.
//
// A Task is a concrete run of a NamedTask. Each Task exclusively owns its
// WorkflowSteps, the edges between them, and its transition audit log.
package workflow

import "time"

// TaskNamespace groups NamedTasks so multiple teams can share step names.
type TaskNamespace struct {
	ID          int64
	Name        string
	Description string
}

// NamedTask identifies a versioned task definition within a namespace.
// Uniqueness: (namespace, name, version).
type NamedTask struct {
	ID            int64
	NamespaceID   int64
	Name          string
	Version       string
	Configuration map[string]any
}

// NamedStep is a logical step identity shared across task versions.
type NamedStep struct {
	ID              int64
	DependentSystem string
	Name            string
}

// StepDefaults are the per-template defaults recorded on the join between
// a NamedTask and its NamedSteps.
type StepDefaults struct {
	Skippable         bool
	DefaultRetryable  bool
	DefaultRetryLimit int
}

// Task is a concrete run of a NamedTask.
type Task struct {
	ID           int64
	NamedTaskID  int64
	Context      map[string]any
	IdentityHash string
	RequestedAt  time.Time
	Initiator    string
	Reason       string
	SourceSystem string
	Tags         []string
	Complete     bool
	CreatedAt    time.Time

	// CurrentState is denormalized from the most recent transition and
	// committed in the same transaction as the transition row.
	CurrentState TaskState

	// ClaimedBy and ClaimExpiresAt implement the advisory per-task lease:
	// at most one coordinator pass advances a task at a time.
	ClaimedBy      string
	ClaimExpiresAt *time.Time

	// Namespace, Name and Version are resolved from the named task on read.
	Namespace string
	Name      string
	Version   string
}

// WorkflowStep is a concrete step instance owned by one Task.
type WorkflowStep struct {
	ID          int64
	TaskID      int64
	NamedStepID int64
	Name        string

	Retryable  bool
	RetryLimit int
	Skippable  bool

	InProcess   bool
	Processed   bool
	ProcessedAt *time.Time

	Attempts        int
	LastAttemptedAt *time.Time

	// BackoffRequestSeconds carries a server-suggested backoff from the
	// step's most recent retryable failure, if any.
	BackoffRequestSeconds *int

	Inputs  map[string]any
	Results map[string]any

	CurrentState StepState
}

// StepEdge is a dependency edge in a task's DAG: FromStepID must reach a
// completion state before ToStepID becomes ready.
type StepEdge struct {
	FromStepID int64
	ToStepID   int64
	Name       string
}

// Transition is one immutable entry in an entity's audit log. Exactly one
// transition per entity carries MostRecent at any instant, and SortKey is
// strictly increasing per entity.
type Transition struct {
	ID         int64
	EntityID   int64
	FromState  string
	ToState    string
	Metadata   map[string]any
	SortKey    int64
	MostRecent bool
	CreatedAt  time.Time
}

// TaskRequest is the submission contract consumed by the coordinator.
type TaskRequest struct {
	Namespace    string
	Name         string
	Version      string
	Context      map[string]any
	Initiator    string
	Reason       string
	SourceSystem string
	Tags         []string
	RequestedAt  time.Time
}

// QueueEntry is a persisted work-queue item scheduling a coordinator pass.
type QueueEntry struct {
	ID         int64
	TaskID     int64
	Reason     string
	VisibleAt  time.Time
	EnqueuedAt time.Time
}

// DefaultRetryLimit is applied to steps whose template does not override it.
const DefaultRetryLimit = 3
