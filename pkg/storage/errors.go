// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a unique constraint rejects an insert.
	ErrAlreadyExists = errors.New("already exists")

	// ErrDuplicateIdentity is returned when a task submission matches the
	// identity hash of an existing incomplete task.
	ErrDuplicateIdentity = errors.New("duplicate task identity")

	// ErrStaleTransition is returned when a transition's expected from-state
	// no longer matches the entity's current state. Callers treat this as a
	// lost race, re-read, and re-evaluate.
	ErrStaleTransition = errors.New("stale transition")

	// ErrGuardFailed is returned when a transition guard rejects the change,
	// for example completing a step whose task was cancelled mid-flight.
	ErrGuardFailed = errors.New("transition guard failed")

	// ErrQueueEmpty is returned by Dequeue when no entry is visible.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrNotClaimed is returned when releasing or extending a task claim the
	// caller does not hold.
	ErrNotClaimed = errors.New("task not claimed by caller")
)
