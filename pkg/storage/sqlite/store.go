// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"

	"github.com/windlass-dev/windlass/pkg/storage"
)

// Store aggregates the SQLite-backed stores over one database.
type Store struct {
	wrapper *DB

	tasks       *TaskStore
	steps       *StepStore
	transitions *TransitionStore
	queue       *QueueStore
	readiness   *ReadinessStore
}

var _ storage.Store = (*Store)(nil)

// New assembles a Store over an already-open database.
func New(db *DB) *Store {
	return &Store{
		wrapper:     db,
		tasks:       NewTaskStore(db),
		steps:       NewStepStore(db),
		transitions: NewTransitionStore(db),
		queue:       NewQueueStore(db),
		readiness:   NewReadinessStore(db),
	}
}

// NewStore opens the database at path and assembles a Store over it.
func NewStore(ctx context.Context, path string) (*Store, error) {
	db, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// NewInMemoryStore assembles a Store over a fresh in-memory database.
func NewInMemoryStore(ctx context.Context) (*Store, error) {
	db, err := OpenInMemory(ctx)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Tasks implements storage.Store.
func (s *Store) Tasks() storage.TaskStore { return s.tasks }

// Steps implements storage.Store.
func (s *Store) Steps() storage.StepStore { return s.steps }

// Transitions implements storage.Store.
func (s *Store) Transitions() storage.TransitionStore { return s.transitions }

// Queue implements storage.Store.
func (s *Store) Queue() storage.QueueStore { return s.queue }

// Readiness implements storage.Store.
func (s *Store) Readiness() storage.ReadinessStore { return s.readiness }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.wrapper.Close() }
