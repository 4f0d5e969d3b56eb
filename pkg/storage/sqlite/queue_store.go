// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

// QueueStore implements storage.QueueStore using SQLite. Debounce is the
// UNIQUE (task_id, reason) constraint: while an entry for a pair is queued,
// further enqueues of the same pair are absorbed.
type QueueStore struct {
	db *sql.DB
}

var _ storage.QueueStore = (*QueueStore)(nil)

// NewQueueStore creates a new SQLite-backed QueueStore.
func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db.DB()}
}

// Enqueue inserts an entry visible at visibleAt. Returns false when an entry
// for (taskID, reason) is already queued.
func (s *QueueStore) Enqueue(ctx context.Context, taskID int64, reason string, visibleAt time.Time) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_queue (task_id, reason, visible_at, enqueued_at)
		VALUES (?, ?, ?, ?)`,
		taskID, reason, formatTime(visibleAt), formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("enqueueing task %d: %w", taskID, err)
	}
	return true, nil
}

// Dequeue atomically removes and returns the oldest visible entry.
func (s *QueueStore) Dequeue(ctx context.Context, now time.Time) (*workflow.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var (
		entry         workflow.QueueEntry
		visibleAtStr  string
		enqueuedAtStr string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, task_id, reason, visible_at, enqueued_at
		FROM work_queue
		WHERE visible_at <= ?
		ORDER BY visible_at, id
		LIMIT 1`,
		formatTime(now),
	).Scan(&entry.ID, &entry.TaskID, &entry.Reason, &visibleAtStr, &enqueuedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("selecting queue entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM work_queue WHERE id = ?`, entry.ID); err != nil {
		return nil, fmt.Errorf("deleting queue entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	if entry.VisibleAt, err = parseTime(visibleAtStr); err != nil {
		return nil, err
	}
	if entry.EnqueuedAt, err = parseTime(enqueuedAtStr); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Depth counts queued entries, visible or not.
func (s *QueueStore) Depth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_queue`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("counting queue entries: %w", err)
	}
	return depth, nil
}
