// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

// StepStore implements storage.StepStore using SQLite.
type StepStore struct {
	db *sql.DB
}

var _ storage.StepStore = (*StepStore)(nil)

// NewStepStore creates a new SQLite-backed StepStore.
func NewStepStore(db *DB) *StepStore {
	return &StepStore{db: db.DB()}
}

const stepColumns = `ws.id, ws.task_id, ws.named_step_id, ns.name,
			ws.retryable, ws.retry_limit, ws.skippable,
			ws.in_process, ws.processed, ws.processed_at,
			ws.attempts, ws.last_attempted_at, ws.backoff_request_seconds,
			ws.inputs, ws.results, ws.current_state`

// GetStep retrieves one step by ID.
func (s *StepStore) GetStep(ctx context.Context, stepID int64) (*workflow.WorkflowStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+`
		FROM workflow_steps ws
		JOIN named_steps ns ON ns.id = ws.named_step_id
		WHERE ws.id = ?`,
		stepID,
	)
	return scanStep(row)
}

// ListSteps returns the steps of a task in creation order.
func (s *StepStore) ListSteps(ctx context.Context, taskID int64) ([]*workflow.WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+`
		FROM workflow_steps ws
		JOIN named_steps ns ON ns.id = ws.named_step_id
		WHERE ws.task_id = ?
		ORDER BY ws.id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*workflow.WorkflowStep
	for rows.Next() {
		step, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating step rows: %w", err)
	}
	return steps, nil
}

// ListEdges returns the dependency edges of a task's DAG.
func (s *StepStore) ListEdges(ctx context.Context, taskID int64) ([]workflow.StepEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.from_step_id, e.to_step_id, e.name
		FROM workflow_step_edges e
		JOIN workflow_steps ws ON ws.id = e.to_step_id
		WHERE ws.task_id = ?
		ORDER BY e.id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []workflow.StepEdge
	for rows.Next() {
		var edge workflow.StepEdge
		if err := rows.Scan(&edge.FromStepID, &edge.ToStepID, &edge.Name); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating edge rows: %w", err)
	}
	return edges, nil
}

func scanStep(sc scanner) (*workflow.WorkflowStep, error) {
	var (
		step            workflow.WorkflowStep
		processedAt     sql.NullString
		lastAttemptedAt sql.NullString
		backoffRequest  sql.NullInt64
		inputsBlob      sql.NullString
		resultsBlob     sql.NullString
		state           string
	)
	err := sc.Scan(
		&step.ID, &step.TaskID, &step.NamedStepID, &step.Name,
		&step.Retryable, &step.RetryLimit, &step.Skippable,
		&step.InProcess, &step.Processed, &processedAt,
		&step.Attempts, &lastAttemptedAt, &backoffRequest,
		&inputsBlob, &resultsBlob, &state,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning step row: %w", err)
	}

	step.CurrentState = workflow.StepState(state)
	if step.ProcessedAt, err = parseTimePtr(processedAt); err != nil {
		return nil, err
	}
	if step.LastAttemptedAt, err = parseTimePtr(lastAttemptedAt); err != nil {
		return nil, err
	}
	if backoffRequest.Valid {
		seconds := int(backoffRequest.Int64)
		step.BackoffRequestSeconds = &seconds
	}
	if step.Inputs, err = decodeJSONMap(inputsBlob); err != nil {
		return nil, fmt.Errorf("decoding inputs: %w", err)
	}
	if step.Results, err = decodeJSONMap(resultsBlob); err != nil {
		return nil, fmt.Errorf("decoding results: %w", err)
	}
	return &step, nil
}
