// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator drives tasks forward: it materializes submissions into
// task graphs, runs per-task passes (evaluate, retry-reset, execute,
// finalize), and hands off to the reenqueuer when a task must wait.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/windlass-dev/windlass/pkg/events"
	"github.com/windlass-dev/windlass/pkg/executor"
	"github.com/windlass-dev/windlass/pkg/logger"
	"github.com/windlass-dev/windlass/pkg/readiness"
	"github.com/windlass-dev/windlass/pkg/registry"
	"github.com/windlass-dev/windlass/pkg/statemachine"
	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

var (
	// ErrInvalidContext is returned when a submission's context fails the
	// definition's JSON Schema.
	ErrInvalidContext = errors.New("task context failed schema validation")

	// ErrNotResolvable is returned when a step cannot be manually resolved
	// from its current state.
	ErrNotResolvable = errors.New("step not manually resolvable")

	// ErrNotResettable is returned when a task that is not complete is asked
	// to reset for re-execution.
	ErrNotResettable = errors.New("task not resettable")
)

// PassOutcome summarizes how a coordinator pass ended.
type PassOutcome string

// Pass outcomes.
const (
	// PassCompleted: the task finalized complete.
	PassCompleted PassOutcome = "completed"
	// PassFailed: the task finalized in error.
	PassFailed PassOutcome = "failed"
	// PassCancelled: the task was cancelled externally during the pass.
	PassCancelled PassOutcome = "cancelled"
	// PassYielded: nothing executable now; handed off to the reenqueuer.
	PassYielded PassOutcome = "yielded"
	// PassBudgetExhausted: per-pass budget reached; continuation enqueued.
	PassBudgetExhausted PassOutcome = "budget_exhausted"
	// PassSkipped: another worker holds the task, or it is already terminal.
	PassSkipped PassOutcome = "skipped"
)

// Coordinator drives one task at a time through its passes.
type Coordinator struct {
	store      storage.Store
	registry   *registry.Registry
	bus        *events.Bus
	evaluator  *readiness.Evaluator
	tasks      *statemachine.TaskMachine
	steps      *statemachine.StepMachine
	executor   *executor.Executor
	reenqueuer Reenqueuer

	workerID           string
	claimTTL           time.Duration
	shortPollInterval  time.Duration
	passBudgetSteps    int
	passBudgetDuration time.Duration
	now                func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkerID sets the claimant identity used for task leases.
func WithWorkerID(id string) Option {
	return func(c *Coordinator) { c.workerID = id }
}

// WithClaimTTL sets the task lease duration.
func WithClaimTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.claimTTL = d }
}

// WithShortPollInterval sets the reenqueue delay used when steps are in
// flight elsewhere and nothing is ready.
func WithShortPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.shortPollInterval = d }
}

// WithPassBudget bounds one pass by executed step count and wall time.
// Zero disables the respective bound.
func WithPassBudget(steps int, duration time.Duration) Option {
	return func(c *Coordinator) {
		c.passBudgetSteps = steps
		c.passBudgetDuration = duration
	}
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithReenqueuer swaps the hand-off strategy.
func WithReenqueuer(r Reenqueuer) Option {
	return func(c *Coordinator) { c.reenqueuer = r }
}

// New creates a Coordinator. The default reenqueuer is queue-backed.
func New(
	store storage.Store,
	reg *registry.Registry,
	bus *events.Bus,
	evaluator *readiness.Evaluator,
	exec *executor.Executor,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:              store,
		registry:           reg,
		bus:                bus,
		evaluator:          evaluator,
		tasks:              statemachine.NewTaskMachine(store.Transitions()),
		steps:              statemachine.NewStepMachine(store.Transitions()),
		executor:           exec,
		workerID:           uuid.NewString(),
		claimTTL:           time.Minute,
		shortPollInterval:  500 * time.Millisecond,
		passBudgetSteps:    100,
		passBudgetDuration: 30 * time.Second,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reenqueuer == nil {
		c.reenqueuer = NewQueueReenqueuer(store.Queue(), bus)
	}
	return c
}

// SetReenqueuer replaces the hand-off strategy after construction. The
// synchronous test reenqueuer needs the coordinator first.
func (c *Coordinator) SetReenqueuer(r Reenqueuer) { c.reenqueuer = r }

// SubmitTask materializes a task from a registered definition: it validates
// the context against the definition's JSON Schema, deduplicates by identity
// hash, inserts the task graph in one transaction, and enqueues the first
// pass.
func (c *Coordinator) SubmitTask(ctx context.Context, req workflow.TaskRequest) (*workflow.Task, error) {
	def, err := c.registry.Lookup(req.Namespace, req.Name, req.Version)
	if err != nil {
		return nil, err
	}

	if err := validateContext(def, req.Context); err != nil {
		return nil, err
	}

	identityHash, err := workflow.IdentityHash(req)
	if err != nil {
		return nil, fmt.Errorf("hashing task identity: %w", err)
	}

	newTask := storage.NewTask{
		Namespace:     def.Namespace,
		Name:          def.Name,
		Version:       def.Version,
		Configuration: def.Configuration,
		Context:       req.Context,
		IdentityHash:  identityHash,
		Initiator:     req.Initiator,
		Reason:        req.Reason,
		SourceSystem:  req.SourceSystem,
		Tags:          req.Tags,
		RequestedAt:   req.RequestedAt,
	}
	for _, tmpl := range def.Steps {
		newTask.Steps = append(newTask.Steps, storage.NewStep{
			Name:            tmpl.Name,
			DependentSystem: tmpl.DependentSystem,
			DependsOn:       tmpl.DependsOn,
			Retryable:       tmpl.DefaultRetryable,
			RetryLimit:      tmpl.RetryLimit(),
			Skippable:       tmpl.Skippable,
		})
	}

	task, steps, err := c.store.Tasks().CreateTask(ctx, newTask)
	if err != nil {
		return nil, err
	}

	// Re-check the materialized graph: the template DAG was validated at
	// registration, this catches a malformed edge set before the first pass.
	edges, err := c.store.Steps().ListEdges(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if err := workflow.ValidateEdges(steps, edges); err != nil {
		return nil, fmt.Errorf("verifying dependency graph for task %d: %w", task.ID, err)
	}

	c.bus.Publish(ctx, events.New(events.TopicTaskInitializeRequested, events.TaskPayload{
		TaskID: task.ID, Namespace: task.Namespace, Name: task.Name,
		Version: task.Version, State: task.CurrentState,
	}))

	if err := c.reenqueuer.Schedule(ctx, task.ID, "task_submitted", 0); err != nil {
		return task, fmt.Errorf("scheduling first pass for task %d: %w", task.ID, err)
	}
	return task, nil
}

func validateContext(def *workflow.TaskDefinition, taskContext map[string]any) error {
	if def.ContextSchema == nil {
		return nil
	}
	if taskContext == nil {
		taskContext = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(def.ContextSchema),
		gojsonschema.NewGoLoader(taskContext),
	)
	if err != nil {
		return fmt.Errorf("validating task context: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: %v", ErrInvalidContext, details)
	}
	return nil
}

// RunPass advances one task as far as it can within the pass budget.
func (c *Coordinator) RunPass(ctx context.Context, taskID int64) (PassOutcome, error) {
	claimed, err := c.store.Tasks().ClaimTask(ctx, taskID, c.workerID, c.claimTTL)
	if err != nil {
		return PassSkipped, err
	}
	if !claimed {
		logger.Debugw("task claimed elsewhere", "task_id", taskID, "worker", c.workerID)
		return PassSkipped, nil
	}
	defer func() {
		if err := c.store.Tasks().ReleaseTask(context.WithoutCancel(ctx), taskID, c.workerID); err != nil &&
			!errors.Is(err, storage.ErrNotClaimed) {
			logger.Warnw("releasing task claim", "task_id", taskID, "error", err)
		}
	}()

	task, err := c.store.Tasks().GetTask(ctx, taskID)
	if err != nil {
		return PassSkipped, err
	}
	// Re-driving a terminal task is a no-op.
	if task.CurrentState.Terminal() {
		return PassSkipped, nil
	}

	def, err := c.registry.Lookup(task.Namespace, task.Name, task.Version)
	if err != nil {
		c.bus.Publish(ctx, events.New(events.TopicWorkflowError, events.DiagnosticPayload{
			TaskID:  taskID,
			Message: "no registered definition for task",
			Detail: map[string]any{
				"namespace": task.Namespace, "name": task.Name, "version": task.Version,
			},
		}))
		return PassSkipped, err
	}

	if outcome, err := c.enterInProgress(ctx, task); err != nil || outcome != "" {
		return outcome, err
	}

	return c.runLoop(ctx, task, def)
}

// enterInProgress moves a pending or errored task into in_progress. A
// non-empty outcome short-circuits the pass.
func (c *Coordinator) enterInProgress(ctx context.Context, task *workflow.Task) (PassOutcome, error) {
	payload := events.TaskPayload{
		TaskID: task.ID, Namespace: task.Namespace, Name: task.Name,
		Version: task.Version, State: workflow.TaskStateInProgress,
	}

	switch task.CurrentState {
	case workflow.TaskStatePending:
		c.bus.Publish(ctx, events.New(events.TopicTaskStartRequested, payload))
		err := c.tasks.Transition(ctx, task.ID, workflow.TaskStatePending, workflow.TaskStateInProgress,
			storage.WithMetadata(map[string]any{"claimant": c.workerID}))
		if errors.Is(err, storage.ErrStaleTransition) {
			return PassSkipped, nil
		}
		if err != nil {
			return PassSkipped, err
		}
		c.bus.Publish(ctx, events.New(events.TopicTaskStarted, payload))
	case workflow.TaskStateError:
		err := c.tasks.Transition(ctx, task.ID, workflow.TaskStateError, workflow.TaskStateInProgress,
			storage.WithMetadata(map[string]any{"claimant": c.workerID, "reentry": true}))
		if errors.Is(err, storage.ErrStaleTransition) {
			return PassSkipped, nil
		}
		if err != nil {
			return PassSkipped, err
		}
		c.bus.Publish(ctx, events.New(events.TopicTaskStarted, payload))
	case workflow.TaskStateInProgress:
		// Resuming a pass interrupted by a budget or crash.
	}
	return "", nil
}

func (c *Coordinator) runLoop(ctx context.Context, task *workflow.Task, def *workflow.TaskDefinition) (PassOutcome, error) {
	start := c.now()
	executed := 0

	for {
		if ctx.Err() != nil {
			return PassYielded, ctx.Err()
		}

		// Refresh: an external cancel may have landed mid-pass.
		current, err := c.store.Tasks().GetTask(ctx, task.ID)
		if err != nil {
			return PassYielded, err
		}
		if current.CurrentState == workflow.TaskStateCancelled {
			return PassCancelled, nil
		}
		if current.CurrentState.Terminal() {
			return PassSkipped, nil
		}

		tec, err := c.evaluator.TaskContext(ctx, task.ID)
		if err != nil {
			return PassYielded, err
		}

		switch tec.ExecutionStatus {
		case readiness.StatusAllComplete:
			return c.finalizeComplete(ctx, task, tec)
		case readiness.StatusBlockedByFailures:
			return c.finalizeError(ctx, task, tec)
		}

		if resets, err := c.resetRetryEligible(ctx, task, tec); err != nil {
			return PassYielded, err
		} else if resets > 0 {
			continue
		}

		overSteps := c.passBudgetSteps > 0 && executed >= c.passBudgetSteps
		overTime := c.passBudgetDuration > 0 && c.now().Sub(start) >= c.passBudgetDuration
		if overSteps || overTime {
			if err := c.reenqueuer.Schedule(ctx, task.ID, "pass_budget", 0); err != nil {
				return PassBudgetExhausted, err
			}
			return PassBudgetExhausted, nil
		}

		ready := readySteps(tec)
		if len(ready) == 0 {
			return c.yield(ctx, task, tec)
		}

		batch, err := c.executor.ExecuteBatch(ctx, task, def, ready)
		if err != nil {
			return PassYielded, err
		}
		executed += batch.Executed

		if batch.Executed == 0 && batch.Skipped > 0 {
			// Every ready step was claimed elsewhere; yield instead of
			// spinning on a stale snapshot.
			if err := c.reenqueuer.Schedule(ctx, task.ID, "claim_race", c.shortPollInterval); err != nil {
				return PassYielded, err
			}
			return PassYielded, nil
		}
	}
}

func readySteps(tec *readiness.TaskExecutionContext) []readiness.StepReadinessStatus {
	var ready []readiness.StepReadinessStatus
	for _, st := range tec.Steps {
		if st.ReadyForExecution {
			ready = append(ready, st)
		}
	}
	return ready
}

// resetRetryEligible flips failed steps whose backoff expired back to
// pending so the next evaluation sees them as ready.
func (c *Coordinator) resetRetryEligible(
	ctx context.Context, task *workflow.Task, tec *readiness.TaskExecutionContext,
) (int, error) {
	resets := 0
	for _, st := range tec.Steps {
		if !st.RetryResetEligible {
			continue
		}
		err := c.steps.Transition(ctx, st.StepID, workflow.StepStateError, workflow.StepStatePending,
			storage.WithMetadata(map[string]any{"retry_of_attempt": st.Attempts}))
		if errors.Is(err, storage.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return resets, err
		}
		resets++
		c.bus.Publish(ctx, events.New(events.TopicStepRetryRequested, events.StepPayload{
			TaskID: task.ID, StepID: st.StepID, StepName: st.Name, Attempts: st.Attempts,
		}))
	}
	return resets, nil
}

// yield hands the task to the reenqueuer: at the earliest next retry when a
// backoff is pending, otherwise after the short poll interval (steps are in
// flight on another worker).
func (c *Coordinator) yield(
	ctx context.Context, task *workflow.Task, tec *readiness.TaskExecutionContext,
) (PassOutcome, error) {
	if tec.EarliestNextRetry != nil {
		delay := tec.EarliestNextRetry.Sub(c.now().UTC())
		if delay < 0 {
			delay = 0
		}
		if err := c.reenqueuer.Schedule(ctx, task.ID, "retry_backoff", delay); err != nil {
			return PassYielded, err
		}
		return PassYielded, nil
	}
	if err := c.reenqueuer.Schedule(ctx, task.ID, "awaiting_steps", c.shortPollInterval); err != nil {
		return PassYielded, err
	}
	return PassYielded, nil
}

func (c *Coordinator) finalizeComplete(
	ctx context.Context, task *workflow.Task, tec *readiness.TaskExecutionContext,
) (PassOutcome, error) {
	payload := events.TaskPayload{
		TaskID: task.ID, Namespace: task.Namespace, Name: task.Name,
		Version: task.Version, State: workflow.TaskStateComplete,
	}
	c.bus.Publish(ctx, events.New(events.TopicTaskFinalizationStarted, payload))

	// Skippable steps that never became necessary are resolved as skipped.
	// Resolution counts as processing, so the processed bit flips with it.
	processed := true
	for _, st := range tec.Steps {
		if st.CurrentState == workflow.StepStatePending && st.Skippable {
			processedAt := c.now().UTC()
			err := c.steps.Transition(ctx, st.StepID, workflow.StepStatePending, workflow.StepStateResolvedManually,
				storage.WithStepMutation(storage.StepMutation{
					SetProcessed:   &processed,
					SetProcessedAt: &processedAt,
				}),
				storage.WithMetadata(map[string]any{"skipped": true}))
			if err != nil && !errors.Is(err, storage.ErrStaleTransition) {
				return PassYielded, err
			}
		}
	}

	// Verify once more on a fresh snapshot before the terminal transition.
	verify, err := c.evaluator.TaskContext(ctx, task.ID)
	if err != nil {
		return PassYielded, err
	}
	if verify.ExecutionStatus != readiness.StatusAllComplete {
		c.bus.Publish(ctx, events.New(events.TopicWorkflowStateUnclear, events.DiagnosticPayload{
			TaskID:  task.ID,
			Message: "completion no longer verifiable at finalization",
			Detail:  map[string]any{"execution_status": string(verify.ExecutionStatus)},
		}))
		if err := c.reenqueuer.Schedule(ctx, task.ID, "state_unclear", c.shortPollInterval); err != nil {
			return PassYielded, err
		}
		return PassYielded, nil
	}

	complete := true
	err = c.tasks.TransitionIdempotent(ctx, task.ID, workflow.TaskStateInProgress, workflow.TaskStateComplete,
		storage.WithTaskMutation(storage.TaskMutation{SetComplete: &complete}),
		storage.WithMetadata(map[string]any{"completed_steps": verify.CompletedSteps}))
	if err != nil {
		return PassYielded, err
	}

	c.bus.Publish(ctx, events.New(events.TopicTaskCompleted, payload))
	c.bus.Publish(ctx, events.New(events.TopicTaskFinalizationDone, payload))
	return PassCompleted, nil
}

func (c *Coordinator) finalizeError(
	ctx context.Context, task *workflow.Task, tec *readiness.TaskExecutionContext,
) (PassOutcome, error) {
	payload := events.TaskPayload{
		TaskID: task.ID, Namespace: task.Namespace, Name: task.Name,
		Version: task.Version, State: workflow.TaskStateError,
	}
	c.bus.Publish(ctx, events.New(events.TopicTaskFinalizationStarted, payload))

	var failedSteps []string
	for _, st := range tec.Steps {
		if st.CurrentState == workflow.StepStateError && !st.RetryEligible {
			failedSteps = append(failedSteps, st.Name)
		}
	}

	err := c.tasks.TransitionIdempotent(ctx, task.ID, workflow.TaskStateInProgress, workflow.TaskStateError,
		storage.WithMetadata(map[string]any{"failed_steps": failedSteps}))
	if err != nil {
		return PassYielded, err
	}

	payload.Metadata = map[string]any{"failed_steps": failedSteps}
	c.bus.Publish(ctx, events.New(events.TopicTaskFailed, payload))
	c.bus.Publish(ctx, events.New(events.TopicTaskFinalizationDone, payload))
	return PassFailed, nil
}

// CancelTask cancels a non-terminal task. Pending and errored steps are
// cancelled with it; in-flight steps run to completion and have their
// results discarded by the completion guard.
func (c *Coordinator) CancelTask(ctx context.Context, taskID int64, reason string) error {
	task, err := c.store.Tasks().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.CurrentState.Terminal() {
		return fmt.Errorf("task %d already terminal (%s)", taskID, task.CurrentState)
	}

	err = c.tasks.Transition(ctx, taskID, task.CurrentState, workflow.TaskStateCancelled,
		storage.WithMetadata(map[string]any{"reason": reason}))
	if err != nil {
		return err
	}

	steps, err := c.store.Steps().ListSteps(ctx, taskID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		switch step.CurrentState {
		case workflow.StepStatePending, workflow.StepStateError:
			err := c.steps.Transition(ctx, step.ID, step.CurrentState, workflow.StepStateCancelled,
				storage.WithMetadata(map[string]any{"reason": "task cancelled"}))
			if err != nil && !errors.Is(err, storage.ErrStaleTransition) {
				return err
			}
		}
	}

	c.bus.Publish(ctx, events.New(events.TopicTaskCancelled, events.TaskPayload{
		TaskID: taskID, Namespace: task.Namespace, Name: task.Name,
		Version: task.Version, State: workflow.TaskStateCancelled,
		Metadata: map[string]any{"reason": reason},
	}))
	return nil
}

// ResolveStepManually marks a stuck step resolved by an operator. Errored
// steps are always resolvable; pending steps only when skippable.
func (c *Coordinator) ResolveStepManually(ctx context.Context, taskID, stepID int64, resolvedBy, note string) error {
	step, err := c.store.Steps().GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.TaskID != taskID {
		return fmt.Errorf("step %d does not belong to task %d", stepID, taskID)
	}

	metadata := map[string]any{"resolved_by": resolvedBy}
	if note != "" {
		metadata["note"] = note
	}

	switch step.CurrentState {
	case workflow.StepStateError:
	case workflow.StepStatePending:
		if !step.Skippable {
			return fmt.Errorf("%w: step %q is pending and not skippable", ErrNotResolvable, step.Name)
		}
		metadata["skipped"] = true
	default:
		return fmt.Errorf("%w: step %q is %s", ErrNotResolvable, step.Name, step.CurrentState)
	}

	processed := true
	processedAt := c.now().UTC()
	err = c.steps.Transition(ctx, stepID, step.CurrentState, workflow.StepStateResolvedManually,
		storage.WithStepMutation(storage.StepMutation{
			SetProcessed:   &processed,
			SetProcessedAt: &processedAt,
		}),
		storage.WithMetadata(metadata))
	if err != nil {
		return err
	}
	return c.reenqueuer.Schedule(ctx, taskID, "manual_resolution", 0)
}

// ResetTaskForReexecution returns a completed task and its completed steps
// to pending so the whole graph re-runs, producing a fresh execution trace.
func (c *Coordinator) ResetTaskForReexecution(ctx context.Context, taskID int64) error {
	task, err := c.store.Tasks().GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.CurrentState != workflow.TaskStateComplete {
		return fmt.Errorf("%w: task %d is %s", ErrNotResettable, taskID, task.CurrentState)
	}

	steps, err := c.store.Steps().ListSteps(ctx, taskID)
	if err != nil {
		return err
	}
	processed := false
	inProcess := false
	for _, step := range steps {
		if step.CurrentState != workflow.StepStateComplete {
			continue
		}
		err := c.steps.Transition(ctx, step.ID, workflow.StepStateComplete, workflow.StepStatePending,
			storage.WithStepMutation(storage.StepMutation{
				SetProcessed:        &processed,
				SetInProcess:        &inProcess,
				ResetAttempts:       true,
				ClearBackoffRequest: true,
			}),
			storage.WithMetadata(map[string]any{"reset": true}))
		if err != nil {
			return err
		}
	}

	complete := false
	err = c.tasks.Transition(ctx, taskID, workflow.TaskStateComplete, workflow.TaskStatePending,
		storage.WithTaskMutation(storage.TaskMutation{SetComplete: &complete}),
		storage.WithMetadata(map[string]any{"reset": true}))
	if err != nil {
		return err
	}
	return c.reenqueuer.Schedule(ctx, taskID, "task_reset", 0)
}
