// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

// ReadinessStore implements storage.ReadinessStore using SQLite. The whole
// snapshot for a task comes back from one aggregate query so the evaluator
// sees a consistent point-in-time view.
type ReadinessStore struct {
	db *sql.DB
}

var _ storage.ReadinessStore = (*ReadinessStore)(nil)

// NewReadinessStore creates a new SQLite-backed ReadinessStore.
func NewReadinessStore(db *DB) *ReadinessStore {
	return &ReadinessStore{db: db.DB()}
}

// StepReadiness returns one row per step of the task: current state,
// dependency satisfaction counts, retry bookkeeping, and the timestamp of
// the most recent failure.
func (s *ReadinessStore) StepReadiness(ctx context.Context, taskID int64) ([]storage.StepReadinessRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH dep_counts AS (
			SELECT e.to_step_id AS step_id,
			       COUNT(*) AS total,
			       SUM(CASE WHEN p.current_state IN (?, ?) THEN 1 ELSE 0 END) AS satisfied
			FROM workflow_step_edges e
			JOIN workflow_steps p ON p.id = e.from_step_id
			WHERE p.task_id = ?
			GROUP BY e.to_step_id
		),
		last_failures AS (
			SELECT workflow_step_id AS step_id, MAX(created_at) AS last_failure_at
			FROM workflow_step_transitions
			WHERE to_state = ?
			GROUP BY workflow_step_id
		)
		SELECT ws.id, ws.task_id, ns.name, ws.current_state, ws.skippable,
		       COALESCE(dc.total, 0), COALESCE(dc.satisfied, 0),
		       ws.retryable, ws.retry_limit, ws.attempts, ws.in_process, ws.processed,
		       ws.last_attempted_at, lf.last_failure_at, ws.backoff_request_seconds
		FROM workflow_steps ws
		JOIN named_steps ns ON ns.id = ws.named_step_id
		LEFT JOIN dep_counts dc ON dc.step_id = ws.id
		LEFT JOIN last_failures lf ON lf.step_id = ws.id
		WHERE ws.task_id = ?
		ORDER BY ws.id`,
		string(workflow.StepStateComplete), string(workflow.StepStateResolvedManually),
		taskID,
		string(workflow.StepStateError),
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying step readiness: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []storage.StepReadinessRow
	for rows.Next() {
		var (
			row             storage.StepReadinessRow
			state           string
			lastAttemptedAt sql.NullString
			lastFailureAt   sql.NullString
			backoffRequest  sql.NullInt64
		)
		if err := rows.Scan(
			&row.StepID, &row.TaskID, &row.Name, &state, &row.Skippable,
			&row.DependenciesTotal, &row.DependenciesSatisfied,
			&row.Retryable, &row.RetryLimit, &row.Attempts, &row.InProcess, &row.Processed,
			&lastAttemptedAt, &lastFailureAt, &backoffRequest,
		); err != nil {
			return nil, fmt.Errorf("scanning readiness row: %w", err)
		}

		row.State = workflow.StepState(state)
		if row.LastAttemptedAt, err = parseTimePtr(lastAttemptedAt); err != nil {
			return nil, err
		}
		if row.LastFailureAt, err = parseTimePtr(lastFailureAt); err != nil {
			return nil, err
		}
		if backoffRequest.Valid {
			seconds := int(backoffRequest.Int64)
			row.BackoffRequestSeconds = &seconds
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readiness rows: %w", err)
	}
	return result, nil
}
