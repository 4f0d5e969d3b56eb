// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs the ready steps of one task: it claims each step,
// invokes its handler with bounded parallelism, and translates the outcome
// into state transitions and lifecycle events.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/windlass-dev/windlass/pkg/events"
	"github.com/windlass-dev/windlass/pkg/logger"
	"github.com/windlass-dev/windlass/pkg/readiness"
	"github.com/windlass-dev/windlass/pkg/statemachine"
	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

// StepOutcome reports what happened to one step in a batch.
type StepOutcome struct {
	StepID   int64
	Name     string
	Attempts int

	Completed bool
	Failed    bool
	// Final marks a failure that will not be retried.
	Final bool
	// Discarded marks a successful handler result dropped because the task
	// was cancelled while the handler ran.
	Discarded bool
	// Skipped marks a step lost to a claim race; another pass owns it.
	Skipped bool

	Err error
}

// BatchResult aggregates the outcomes of one batch.
type BatchResult struct {
	Executed         int
	Completed        int
	Failed           int
	TerminalFailures int
	Discarded        int
	Skipped          int

	Outcomes []StepOutcome
}

// Executor claims and runs ready steps.
type Executor struct {
	store  storage.Store
	steps  *statemachine.StepMachine
	bus    *events.Bus
	policy readiness.Policy

	handlerTimeout time.Duration
	maxConcurrency int
	now            func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithHandlerTimeout sets the wall-clock budget per handler invocation.
// Zero disables the timeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(e *Executor) { e.handlerTimeout = d }
}

// WithMaxConcurrency caps parallel handler invocations per batch. Zero means
// the widest level of the task's DAG.
func WithMaxConcurrency(n int) Option {
	return func(e *Executor) { e.maxConcurrency = n }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an Executor.
func New(store storage.Store, bus *events.Bus, policy readiness.Policy, opts ...Option) *Executor {
	e := &Executor{
		store:  store,
		steps:  statemachine.NewStepMachine(store.Transitions()),
		bus:    bus,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteBatch claims and runs every ready step of the batch in parallel, up
// to the concurrency limit. Steps lost to a claim race are skipped, not
// failed. The batch itself only errors on infrastructure faults.
func (e *Executor) ExecuteBatch(
	ctx context.Context,
	task *workflow.Task,
	def *workflow.TaskDefinition,
	ready []readiness.StepReadinessStatus,
) (BatchResult, error) {
	var result BatchResult

	allSteps, err := e.store.Steps().ListSteps(ctx, task.ID)
	if err != nil {
		return result, fmt.Errorf("listing steps for task %d: %w", task.ID, err)
	}
	sequence := workflow.NewStepSequence(allSteps)
	byID := make(map[int64]*workflow.WorkflowStep, len(allSteps))
	for _, step := range allSteps {
		byID[step.ID] = step
	}

	limit := e.maxConcurrency
	if limit <= 0 {
		limit, err = e.widestLevel(ctx, task.ID, allSteps)
		if err != nil {
			return result, err
		}
	}

	var (
		mu  sync.Mutex
		sem = semaphore.NewWeighted(int64(limit))
	)
	group, groupCtx := errgroup.WithContext(ctx)

	for _, status := range ready {
		if !status.ReadyForExecution {
			continue
		}
		step, ok := byID[status.StepID]
		if !ok {
			continue
		}

		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			outcome := e.executeStep(groupCtx, task, def, sequence, step)

			mu.Lock()
			defer mu.Unlock()
			result.Outcomes = append(result.Outcomes, outcome)
			switch {
			case outcome.Skipped:
				result.Skipped++
			case outcome.Discarded:
				result.Executed++
				result.Discarded++
			case outcome.Completed:
				result.Executed++
				result.Completed++
			case outcome.Failed:
				result.Executed++
				result.Failed++
				if outcome.Final {
					result.TerminalFailures++
				}
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// executeStep runs the claim -> handle -> record protocol for one step.
func (e *Executor) executeStep(
	ctx context.Context,
	task *workflow.Task,
	def *workflow.TaskDefinition,
	sequence *workflow.StepSequence,
	step *workflow.WorkflowStep,
) StepOutcome {
	outcome := StepOutcome{StepID: step.ID, Name: step.Name}
	handler, hasHandler := def.HandlerFor(step.Name)

	now := e.now().UTC()
	err := e.steps.Transition(ctx, step.ID, workflow.StepStatePending, workflow.StepStateInProgress,
		storage.WithStepMutation(storage.StepMutation{
			SetInProcess:       boolPtr(true),
			IncrementAttempts:  true,
			SetLastAttemptedAt: &now,
		}))
	if err != nil {
		if errors.Is(err, storage.ErrStaleTransition) {
			outcome.Skipped = true
			return outcome
		}
		outcome.Failed = true
		outcome.Err = fmt.Errorf("claiming step %d: %w", step.ID, err)
		return outcome
	}
	attempts := step.Attempts + 1
	outcome.Attempts = attempts

	e.bus.Publish(ctx, events.New(events.TopicStepStarted, events.StepPayload{
		TaskID: task.ID, StepID: step.ID, StepName: step.Name, Attempts: attempts,
	}))

	// A materialized step whose definition no longer names a handler (the
	// definition was replaced after submission) fails permanently; the
	// recorded transition drives the task to its error state instead of
	// leaving the step ready forever.
	if !hasHandler {
		return e.recordFailure(ctx, task, step,
			workflow.NewPermanentError(fmt.Errorf("no handler registered for step %q", step.Name)),
			attempts, 0, outcome)
	}

	e.bus.Publish(ctx, events.New(events.TopicStepBeforeHandle, events.StepPayload{
		TaskID: task.ID, StepID: step.ID, StepName: step.Name, Attempts: attempts,
	}))

	started := e.now()
	result, handlerErr := e.invoke(ctx, handler, task, sequence, step)
	durationMs := e.now().Sub(started).Milliseconds()

	if handlerErr == nil {
		return e.recordSuccess(ctx, task, step, result, attempts, durationMs, outcome)
	}
	return e.recordFailure(ctx, task, step, handlerErr, attempts, durationMs, outcome)
}

// invoke runs the handler under the optional wall-clock timeout, converting
// expiry and panics into classified failures.
func (e *Executor) invoke(
	ctx context.Context,
	handler workflow.StepHandler,
	task *workflow.Task,
	sequence *workflow.StepSequence,
	step *workflow.WorkflowStep,
) (result workflow.Result, err error) {
	handlerCtx := ctx
	if e.handlerTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, e.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("step handler panicked",
				"task_id", task.ID, "step", step.Name, "panic", r)
			err = workflow.NewRetryableError(fmt.Errorf("handler panic: %v", r))
		}
	}()

	result, err = handler.Process(handlerCtx, task, sequence, step)
	if err == nil && handlerCtx.Err() != nil {
		err = handlerCtx.Err()
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = workflow.NewTimeoutError(err)
	}
	return result, err
}

func (e *Executor) recordSuccess(
	ctx context.Context,
	task *workflow.Task,
	step *workflow.WorkflowStep,
	result workflow.Result,
	attempts int,
	durationMs int64,
	outcome StepOutcome,
) StepOutcome {
	processedAt := e.now().UTC()
	err := e.steps.Transition(ctx, step.ID, workflow.StepStateInProgress, workflow.StepStateComplete,
		storage.WithStepMutation(storage.StepMutation{
			SetInProcess:        boolPtr(false),
			SetProcessed:        boolPtr(true),
			SetProcessedAt:      &processedAt,
			SetResults:          map[string]any(result),
			ClearBackoffRequest: true,
		}),
		storage.WithGuardTaskNotCancelled(task.ID))

	if errors.Is(err, storage.ErrGuardFailed) {
		// Cancelled mid-flight: the handler ran to completion but its
		// result is dropped.
		outcome.Discarded = true
		cancelErr := e.steps.Transition(ctx, step.ID, workflow.StepStateInProgress, workflow.StepStateCancelled,
			storage.WithStepMutation(storage.StepMutation{SetInProcess: boolPtr(false)}),
			storage.WithMetadata(map[string]any{"reason": "task cancelled, result discarded"}))
		if cancelErr != nil {
			logger.Warnw("cancelling in-flight step after guard failure",
				"step_id", step.ID, "error", cancelErr)
		}
		e.bus.Publish(ctx, events.New(events.TopicStepCancelled, events.StepPayload{
			TaskID: task.ID, StepID: step.ID, StepName: step.Name, Attempts: attempts,
		}))
		return outcome
	}
	if err != nil {
		outcome.Failed = true
		outcome.Err = fmt.Errorf("recording step %d completion: %w", step.ID, err)
		return outcome
	}

	outcome.Completed = true
	e.bus.Publish(ctx, events.New(events.TopicStepCompleted, events.StepPayload{
		TaskID: task.ID, StepID: step.ID, StepName: step.Name,
		Attempts: attempts, DurationMs: durationMs,
	}))
	return outcome
}

func (e *Executor) recordFailure(
	ctx context.Context,
	task *workflow.Task,
	step *workflow.WorkflowStep,
	handlerErr error,
	attempts int,
	durationMs int64,
	outcome StepOutcome,
) StepOutcome {
	kind := workflow.Classify(handlerErr)
	final := kind == workflow.FailurePermanent ||
		!step.Retryable ||
		attempts >= step.RetryLimit

	mutation := storage.StepMutation{SetInProcess: boolPtr(false)}
	hint := workflow.BackoffRequest(handlerErr)
	if hint != nil {
		mutation.SetBackoffRequestSeconds = hint
	} else {
		mutation.ClearBackoffRequest = true
	}

	metadata := map[string]any{
		"error": handlerErr.Error(),
		"kind":  string(kind),
		"final": final,
	}
	if hint != nil {
		metadata["backoff_request_seconds"] = *hint
	}

	err := e.steps.Transition(ctx, step.ID, workflow.StepStateInProgress, workflow.StepStateError,
		storage.WithStepMutation(mutation),
		storage.WithMetadata(metadata))
	if err != nil {
		outcome.Failed = true
		outcome.Err = fmt.Errorf("recording step %d failure: %w", step.ID, err)
		return outcome
	}

	outcome.Failed = true
	outcome.Final = final
	outcome.Err = handlerErr

	e.bus.Publish(ctx, events.New(events.TopicStepFailed, events.StepPayload{
		TaskID: task.ID, StepID: step.ID, StepName: step.Name,
		Attempts: attempts, Error: handlerErr.Error(), Kind: kind,
		Final: final, DurationMs: durationMs,
	}))
	if !final {
		var backoff time.Duration
		if hint != nil {
			backoff = time.Duration(*hint) * time.Second
		} else {
			backoff = e.policy.Delay(step.ID, attempts)
		}
		e.bus.Publish(ctx, events.New(events.TopicStepBackoff, events.StepPayload{
			TaskID: task.ID, StepID: step.ID, StepName: step.Name,
			Attempts: attempts, BackoffSeconds: backoff.Seconds(),
		}))
	}
	return outcome
}

// widestLevel derives the default concurrency limit from the task's DAG.
func (e *Executor) widestLevel(ctx context.Context, taskID int64, steps []*workflow.WorkflowStep) (int, error) {
	edges, err := e.store.Steps().ListEdges(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("listing edges for task %d: %w", taskID, err)
	}

	names := make(map[int64]string, len(steps))
	deps := make(map[string][]string, len(steps))
	for _, step := range steps {
		names[step.ID] = step.Name
		deps[step.Name] = nil
	}
	for _, edge := range edges {
		deps[names[edge.ToStepID]] = append(deps[names[edge.ToStepID]], names[edge.FromStepID])
	}
	return workflow.WidestLevel(deps), nil
}

func boolPtr(b bool) *bool { return &b }
