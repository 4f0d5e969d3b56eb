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

// TransitionStore implements storage.TransitionStore using SQLite. Appends
// are compare-and-swap on the denormalized current state: the transition row,
// the most_recent flip, and any entity mutation commit together or not at
// all.
type TransitionStore struct {
	db *sql.DB
}

var _ storage.TransitionStore = (*TransitionStore)(nil)

// NewTransitionStore creates a new SQLite-backed TransitionStore.
func NewTransitionStore(db *DB) *TransitionStore {
	return &TransitionStore{db: db.DB()}
}

// AppendTaskTransition appends one task transition.
func (s *TransitionStore) AppendTaskTransition(
	ctx context.Context, taskID int64, from, to workflow.TaskState, opts ...storage.TransitionOption,
) error {
	o := storage.ResolveTransitionOptions(opts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT current_state FROM tasks WHERE id = ?`, taskID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading task state: %w", err)
	}

	if current != string(from) {
		if o.Idempotent && current == string(to) {
			return nil
		}
		return fmt.Errorf("%w: task %d is %q, expected %q", storage.ErrStaleTransition, taskID, current, from)
	}

	if err := appendTransitionRow(ctx, tx, "task_transitions", "task_id", taskID, string(from), string(to), o.Metadata); err != nil {
		return err
	}

	query := `UPDATE tasks SET current_state = ?`
	args := []any{string(to)}
	if o.TaskMutation != nil && o.TaskMutation.SetComplete != nil {
		query += `, complete = ?`
		args = append(args, *o.TaskMutation.SetComplete)
	}
	query += ` WHERE id = ?`
	args = append(args, taskID)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating task state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AppendStepTransition appends one step transition, optionally guarded on
// the parent task not being cancelled and atomically applying a StepMutation.
func (s *TransitionStore) AppendStepTransition(
	ctx context.Context, stepID int64, from, to workflow.StepState, opts ...storage.TransitionOption,
) error {
	o := storage.ResolveTransitionOptions(opts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var (
		current string
		taskID  int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT current_state, task_id FROM workflow_steps WHERE id = ?`, stepID,
	).Scan(&current, &taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading step state: %w", err)
	}

	if current != string(from) {
		if o.Idempotent && current == string(to) {
			return nil
		}
		return fmt.Errorf("%w: step %d is %q, expected %q", storage.ErrStaleTransition, stepID, current, from)
	}

	if o.GuardTaskNotCancelled != 0 {
		var taskState string
		err = tx.QueryRowContext(ctx,
			`SELECT current_state FROM tasks WHERE id = ?`, o.GuardTaskNotCancelled,
		).Scan(&taskState)
		if err != nil {
			return fmt.Errorf("reading guard task state: %w", err)
		}
		if taskState == string(workflow.TaskStateCancelled) {
			return fmt.Errorf("%w: task %d is cancelled", storage.ErrGuardFailed, o.GuardTaskNotCancelled)
		}
	}

	if err := appendTransitionRow(ctx, tx, "workflow_step_transitions", "workflow_step_id", stepID, string(from), string(to), o.Metadata); err != nil {
		return err
	}

	query := `UPDATE workflow_steps SET current_state = ?`
	args := []any{string(to)}
	if o.StepMutation != nil {
		query, args, err = applyStepMutation(query, args, o.StepMutation)
		if err != nil {
			return err
		}
	}
	query += ` WHERE id = ?`
	args = append(args, stepID)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating step state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func applyStepMutation(query string, args []any, m *storage.StepMutation) (string, []any, error) {
	if m.SetInProcess != nil {
		query += `, in_process = ?`
		args = append(args, *m.SetInProcess)
	}
	if m.IncrementAttempts {
		query += `, attempts = attempts + 1`
	}
	if m.ResetAttempts {
		query += `, attempts = 0`
	}
	if m.SetLastAttemptedAt != nil {
		query += `, last_attempted_at = ?`
		args = append(args, formatTime(*m.SetLastAttemptedAt))
	}
	if m.SetProcessed != nil {
		query += `, processed = ?`
		args = append(args, *m.SetProcessed)
	}
	if m.SetProcessedAt != nil {
		query += `, processed_at = ?`
		args = append(args, formatTime(*m.SetProcessedAt))
	}
	if m.SetResults != nil {
		resultsJSON, err := encodeJSON(m.SetResults)
		if err != nil {
			return "", nil, fmt.Errorf("encoding step results: %w", err)
		}
		query += `, results = ?`
		args = append(args, resultsJSON)
	}
	if m.SetBackoffRequestSeconds != nil {
		query += `, backoff_request_seconds = ?`
		args = append(args, *m.SetBackoffRequestSeconds)
	} else if m.ClearBackoffRequest {
		query += `, backoff_request_seconds = NULL`
	}
	return query, args, nil
}

// appendTransitionRow assigns sort_key = max+1, flips most_recent, and
// inserts the new row.
func appendTransitionRow(
	ctx context.Context, tx *sql.Tx, table, fkColumn string, entityID int64,
	from, to string, metadata map[string]any,
) error {
	var maxKey sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(sort_key) FROM `+table+` WHERE `+fkColumn+` = ?`, entityID,
	).Scan(&maxKey)
	if err != nil {
		return fmt.Errorf("reading max sort key: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET most_recent = 0 WHERE `+fkColumn+` = ? AND most_recent = 1`,
		entityID,
	); err != nil {
		return fmt.Errorf("clearing most_recent: %w", err)
	}

	metadataJSON, err := encodeJSON(metadata)
	if err != nil {
		return fmt.Errorf("encoding transition metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+table+` (`+fkColumn+`, from_state, to_state, metadata, sort_key, most_recent, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		entityID, from, to, metadataJSON, maxKey.Int64+1, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}
	return nil
}

// ListTaskTransitions returns a task's audit log ordered by sort key.
func (s *TransitionStore) ListTaskTransitions(ctx context.Context, taskID int64) ([]workflow.Transition, error) {
	return listTransitions(ctx, s.db, "task_transitions", "task_id", taskID)
}

// ListStepTransitions returns a step's audit log ordered by sort key.
func (s *TransitionStore) ListStepTransitions(ctx context.Context, stepID int64) ([]workflow.Transition, error) {
	return listTransitions(ctx, s.db, "workflow_step_transitions", "workflow_step_id", stepID)
}

func listTransitions(
	ctx context.Context, db *sql.DB, table, fkColumn string, entityID int64,
) ([]workflow.Transition, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, `+fkColumn+`, from_state, to_state, metadata, sort_key, most_recent, created_at
		 FROM `+table+` WHERE `+fkColumn+` = ? ORDER BY sort_key`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transitions []workflow.Transition
	for rows.Next() {
		var (
			t            workflow.Transition
			fromState    sql.NullString
			metadataBlob sql.NullString
			createdAtStr string
		)
		if err := rows.Scan(
			&t.ID, &t.EntityID, &fromState, &t.ToState, &metadataBlob,
			&t.SortKey, &t.MostRecent, &createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.FromState = fromState.String
		if t.Metadata, err = decodeJSONMap(metadataBlob); err != nil {
			return nil, fmt.Errorf("decoding transition metadata: %w", err)
		}
		if t.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transition rows: %w", err)
	}
	return transitions, nil
}
