// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

// TaskStore implements storage.TaskStore using SQLite.
type TaskStore struct {
	db *sql.DB
}

var _ storage.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates a new SQLite-backed TaskStore.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db.DB()}
}

// taskColumns is the SELECT column list shared by Get and List queries.
const taskColumns = `t.id, t.named_task_id, t.context, t.identity_hash, t.requested_at,
			t.initiator, t.reason, t.source_system, t.tags, t.complete,
			t.current_state, t.claimed_by, t.claim_expires_at, t.created_at,
			tn.name, nt.name, nt.version`

// CreateTask materializes a task, its steps, edges, and initial pending
// transitions in one transaction. Named entities are created on first use.
func (s *TaskStore) CreateTask(
	ctx context.Context, req storage.NewTask,
) (*workflow.Task, []*workflow.WorkflowStep, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	namespaceID, err := ensureNamespace(ctx, tx, req.Namespace)
	if err != nil {
		return nil, nil, err
	}
	namedTaskID, err := ensureNamedTask(ctx, tx, namespaceID, req)
	if err != nil {
		return nil, nil, err
	}

	contextJSON, err := encodeJSON(req.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding context: %w", err)
	}
	tagsJSON, err := encodeJSON(req.Tags)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding tags: %w", err)
	}

	now := time.Now().UTC()
	requestedAt := req.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = now
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			named_task_id, context, identity_hash, requested_at,
			initiator, reason, source_system, tags, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		namedTaskID, contextJSON, req.IdentityHash, formatTime(requestedAt),
		req.Initiator, req.Reason, req.SourceSystem, tagsJSON, formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, storage.ErrDuplicateIdentity
		}
		return nil, nil, fmt.Errorf("inserting task: %w", err)
	}
	taskID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("getting task id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, from_state, to_state, sort_key, most_recent, created_at)
		VALUES (?, NULL, ?, 1, 1, ?)`,
		taskID, string(workflow.TaskStatePending), formatTime(now),
	); err != nil {
		return nil, nil, fmt.Errorf("inserting initial task transition: %w", err)
	}

	steps, err := materializeSteps(ctx, tx, taskID, namedTaskID, req.Steps, now)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing transaction: %w", err)
	}

	task := &workflow.Task{
		ID:           taskID,
		NamedTaskID:  namedTaskID,
		Context:      req.Context,
		IdentityHash: req.IdentityHash,
		RequestedAt:  requestedAt,
		Initiator:    req.Initiator,
		Reason:       req.Reason,
		SourceSystem: req.SourceSystem,
		Tags:         req.Tags,
		CreatedAt:    now,
		CurrentState: workflow.TaskStatePending,
		Namespace:    req.Namespace,
		Name:         req.Name,
		Version:      req.Version,
	}
	return task, steps, nil
}

func ensureNamespace(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM task_namespaces WHERE name = ?`, name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		res, insertErr := tx.ExecContext(ctx,
			`INSERT INTO task_namespaces (name) VALUES (?)`, name)
		if insertErr != nil {
			return 0, fmt.Errorf("inserting namespace: %w", insertErr)
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, fmt.Errorf("looking up namespace: %w", err)
	}
	return id, nil
}

func ensureNamedTask(ctx context.Context, tx *sql.Tx, namespaceID int64, req storage.NewTask) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM named_tasks WHERE namespace_id = ? AND name = ? AND version = ?`,
		namespaceID, req.Name, req.Version,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		configJSON, encErr := encodeJSON(req.Configuration)
		if encErr != nil {
			return 0, fmt.Errorf("encoding configuration: %w", encErr)
		}
		res, insertErr := tx.ExecContext(ctx,
			`INSERT INTO named_tasks (namespace_id, name, version, configuration) VALUES (?, ?, ?, ?)`,
			namespaceID, req.Name, req.Version, configJSON)
		if insertErr != nil {
			return 0, fmt.Errorf("inserting named task: %w", insertErr)
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, fmt.Errorf("looking up named task: %w", err)
	}
	return id, nil
}

func ensureNamedStep(ctx context.Context, tx *sql.Tx, dependentSystem, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM named_steps WHERE dependent_system = ? AND name = ?`,
		dependentSystem, name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		res, insertErr := tx.ExecContext(ctx,
			`INSERT INTO named_steps (dependent_system, name) VALUES (?, ?)`,
			dependentSystem, name)
		if insertErr != nil {
			return 0, fmt.Errorf("inserting named step: %w", insertErr)
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, fmt.Errorf("looking up named step: %w", err)
	}
	return id, nil
}

func materializeSteps(
	ctx context.Context, tx *sql.Tx, taskID, namedTaskID int64, steps []storage.NewStep, now time.Time,
) ([]*workflow.WorkflowStep, error) {
	result := make([]*workflow.WorkflowStep, 0, len(steps))
	idsByName := make(map[string]int64, len(steps))

	for _, def := range steps {
		namedStepID, err := ensureNamedStep(ctx, tx, def.DependentSystem, def.Name)
		if err != nil {
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO named_task_named_steps (named_task_id, named_step_id, skippable, default_retryable, default_retry_limit)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (named_task_id, named_step_id) DO NOTHING`,
			namedTaskID, namedStepID, def.Skippable, def.Retryable, def.RetryLimit,
		); err != nil {
			return nil, fmt.Errorf("linking named step %q: %w", def.Name, err)
		}

		inputsJSON, err := encodeJSON(def.Inputs)
		if err != nil {
			return nil, fmt.Errorf("encoding inputs for step %q: %w", def.Name, err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (task_id, named_step_id, retryable, retry_limit, skippable, inputs)
			VALUES (?, ?, ?, ?, ?, ?)`,
			taskID, namedStepID, def.Retryable, def.RetryLimit, def.Skippable, inputsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting step %q: %w", def.Name, err)
		}
		stepID, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting step id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_step_transitions (workflow_step_id, from_state, to_state, sort_key, most_recent, created_at)
			VALUES (?, NULL, ?, 1, 1, ?)`,
			stepID, string(workflow.StepStatePending), formatTime(now),
		); err != nil {
			return nil, fmt.Errorf("inserting initial step transition: %w", err)
		}

		idsByName[def.Name] = stepID
		result = append(result, &workflow.WorkflowStep{
			ID:           stepID,
			TaskID:       taskID,
			NamedStepID:  namedStepID,
			Name:         def.Name,
			Retryable:    def.Retryable,
			RetryLimit:   def.RetryLimit,
			Skippable:    def.Skippable,
			Inputs:       def.Inputs,
			CurrentState: workflow.StepStatePending,
		})
	}

	for _, def := range steps {
		for _, dep := range def.DependsOn {
			fromID, ok := idsByName[dep]
			if !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", def.Name, dep)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_step_edges (from_step_id, to_step_id) VALUES (?, ?)`,
				fromID, idsByName[def.Name],
			); err != nil {
				return nil, fmt.Errorf("inserting edge %q -> %q: %w", dep, def.Name, err)
			}
		}
	}

	return result, nil
}

// GetTask retrieves a task by ID with its named identity resolved.
func (s *TaskStore) GetTask(ctx context.Context, taskID int64) (*workflow.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+`
		FROM tasks t
		JOIN named_tasks nt ON nt.id = t.named_task_id
		JOIN task_namespaces tn ON tn.id = nt.namespace_id
		WHERE t.id = ?`,
		taskID,
	)
	return scanTask(row)
}

// ListTasks returns tasks matching filter, newest first.
func (s *TaskStore) ListTasks(ctx context.Context, filter storage.ListTasksFilter) ([]*workflow.Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks t
		JOIN named_tasks nt ON nt.id = t.named_task_id
		JOIN task_namespaces tn ON tn.id = nt.namespace_id
		WHERE 1 = 1`

	var args []any
	if filter.Namespace != "" {
		query += ` AND tn.name = ?`
		args = append(args, filter.Namespace)
	}
	if filter.Name != "" {
		query += ` AND nt.name = ?`
		args = append(args, filter.Name)
	}
	if len(filter.States) > 0 {
		query += ` AND t.current_state IN (?` + strings.Repeat(", ?", len(filter.States)-1) + `)`
		for _, state := range filter.States {
			args = append(args, string(state))
		}
	}
	query += ` ORDER BY t.id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*workflow.Task
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

// ClaimTask acquires or extends the advisory lease on a task.
func (s *TaskStore) ClaimTask(ctx context.Context, taskID int64, claimant string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET claimed_by = ?, claim_expires_at = ?
		WHERE id = ?
		  AND (claimed_by = '' OR claimed_by = ?
		       OR (claim_expires_at IS NOT NULL AND claim_expires_at < ?))`,
		claimant, formatTime(now.Add(ttl)), taskID, claimant, formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, storage.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking task existence: %w", err)
	}
	return false, nil
}

// ReleaseTask drops the lease held by claimant.
func (s *TaskStore) ReleaseTask(ctx context.Context, taskID int64, claimant string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET claimed_by = '', claim_expires_at = NULL
		WHERE id = ? AND claimed_by = ?`,
		taskID, claimant,
	)
	if err != nil {
		return fmt.Errorf("releasing task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotClaimed
	}
	return nil
}

// ExpiredClaims lists non-terminal tasks whose lease expired before now.
func (s *TaskStore) ExpiredClaims(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE claimed_by != ''
		  AND claim_expires_at IS NOT NULL AND claim_expires_at < ?
		  AND current_state NOT IN (?, ?, ?)
		ORDER BY id`,
		formatTime(now),
		string(workflow.TaskStateComplete),
		string(workflow.TaskStateCancelled),
		string(workflow.TaskStateResolvedManually),
	)
	if err != nil {
		return nil, fmt.Errorf("querying expired claims: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired claims: %w", err)
	}
	return ids, nil
}

func scanTask(sc scanner) (*workflow.Task, error) {
	var (
		task           workflow.Task
		contextBlob    sql.NullString
		tagsBlob       sql.NullString
		requestedAtStr string
		createdAtStr   string
		claimExpiresAt sql.NullString
		state          string
	)
	err := sc.Scan(
		&task.ID, &task.NamedTaskID, &contextBlob, &task.IdentityHash, &requestedAtStr,
		&task.Initiator, &task.Reason, &task.SourceSystem, &tagsBlob, &task.Complete,
		&state, &task.ClaimedBy, &claimExpiresAt, &createdAtStr,
		&task.Namespace, &task.Name, &task.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning task row: %w", err)
	}

	task.CurrentState = workflow.TaskState(state)
	if task.Context, err = decodeJSONMap(contextBlob); err != nil {
		return nil, fmt.Errorf("decoding context: %w", err)
	}
	if task.Tags, err = decodeJSONStrings(tagsBlob); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if task.RequestedAt, err = parseTime(requestedAtStr); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if task.ClaimExpiresAt, err = parseTimePtr(claimExpiresAt); err != nil {
		return nil, err
	}
	return &task, nil
}
