// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/windlass-dev/windlass/pkg/events"
	"github.com/windlass-dev/windlass/pkg/logger"
	"github.com/windlass-dev/windlass/pkg/storage"
)

// Reenqueuer durably schedules a later coordinator pass for a task. The
// production implementation writes to the work queue; tests swap in a
// synchronous implementation that drives the coordinator immediately.
type Reenqueuer interface {
	Schedule(ctx context.Context, taskID int64, reason string, delay time.Duration) error
}

// QueueReenqueuer schedules passes through the durable work queue. Enqueue
// failures are retried in-pass; exhaustion escalates to task.reenqueue_failed.
type QueueReenqueuer struct {
	queue storage.QueueStore
	bus   *events.Bus
	now   func() time.Time
}

// NewQueueReenqueuer creates a queue-backed Reenqueuer.
func NewQueueReenqueuer(queue storage.QueueStore, bus *events.Bus) *QueueReenqueuer {
	return &QueueReenqueuer{queue: queue, bus: bus, now: time.Now}
}

// Schedule inserts a work-queue entry visible after delay. Duplicate
// (task, reason) pairs already queued are absorbed by the queue's debounce.
func (r *QueueReenqueuer) Schedule(ctx context.Context, taskID int64, reason string, delay time.Duration) error {
	r.bus.Publish(ctx, events.New(events.TopicTaskReenqueueRequested, events.ReenqueuePayload{
		TaskID: taskID, Reason: reason, Delay: delay,
	}))

	visibleAt := r.now().UTC().Add(delay)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 50 * time.Millisecond

	inserted, err := backoff.Retry(ctx, func() (bool, error) {
		return r.queue.Enqueue(ctx, taskID, reason, visibleAt)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(3),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Warnf("Retrying enqueue of task %d after %v: %v", taskID, duration, err)
		}),
	)
	if err != nil {
		r.bus.Publish(ctx, events.New(events.TopicTaskReenqueueFailed, events.ReenqueuePayload{
			TaskID: taskID, Reason: reason, Delay: delay, Error: err.Error(),
		}))
		return err
	}

	if !inserted {
		logger.Debugw("reenqueue absorbed by debounce", "task_id", taskID, "reason", reason)
	}
	if delay > 0 {
		r.bus.Publish(ctx, events.New(events.TopicTaskReenqueueDelayed, events.ReenqueuePayload{
			TaskID: taskID, Reason: reason, Delay: delay,
		}))
	}
	return nil
}

// SynchronousReenqueuer drives the coordinator again immediately instead of
// going through the queue. Delays are reported to OnDelay (so tests can
// advance a fake clock) rather than slept.
type SynchronousReenqueuer struct {
	coordinator *Coordinator

	// OnDelay, when set, observes each scheduled delay before the next pass.
	OnDelay func(delay time.Duration)

	// MaxPasses bounds recursion as a termination safety net.
	MaxPasses int

	passes int
}

// NewSynchronousReenqueuer creates a Reenqueuer that re-runs the coordinator
// inline.
func NewSynchronousReenqueuer(c *Coordinator) *SynchronousReenqueuer {
	return &SynchronousReenqueuer{coordinator: c, MaxPasses: 100}
}

// Schedule runs another coordinator pass right away.
func (r *SynchronousReenqueuer) Schedule(ctx context.Context, taskID int64, reason string, delay time.Duration) error {
	r.passes++
	if r.MaxPasses > 0 && r.passes > r.MaxPasses {
		return fmt.Errorf("synchronous reenqueuer exceeded %d passes for task %d (%s)", r.MaxPasses, taskID, reason)
	}
	if r.OnDelay != nil && delay > 0 {
		r.OnDelay(delay)
	}
	_, err := r.coordinator.RunPass(ctx, taskID)
	return err
}
