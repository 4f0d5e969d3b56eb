// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker consumes the durable work queue and drives coordinator
// passes. A pool runs several consumers plus an optional janitor that
// re-enqueues tasks whose claim lease expired mid-pass.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/windlass-dev/windlass/pkg/coordinator"
	"github.com/windlass-dev/windlass/pkg/events"
	"github.com/windlass-dev/windlass/pkg/logger"
	"github.com/windlass-dev/windlass/pkg/storage"
)

// Pool runs queue consumers against one coordinator.
type Pool struct {
	store       storage.Store
	coordinator *coordinator.Coordinator
	bus         *events.Bus

	workers         int
	pollInterval    time.Duration
	maxIdleInterval time.Duration
	janitorInterval time.Duration
	now             func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of queue consumers.
func WithWorkers(n int) Option {
	return func(p *Pool) { p.workers = n }
}

// WithPollInterval sets the initial idle wait between empty polls. The wait
// backs off exponentially up to the max idle interval and resets on work.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

// WithMaxIdleInterval caps the idle wait.
func WithMaxIdleInterval(d time.Duration) Option {
	return func(p *Pool) { p.maxIdleInterval = d }
}

// WithJanitorInterval sets the sweep period for expired task claims. Zero
// disables the janitor.
func WithJanitorInterval(d time.Duration) Option {
	return func(p *Pool) { p.janitorInterval = d }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a Pool over store driving coord.
func New(store storage.Store, coord *coordinator.Coordinator, bus *events.Bus, opts ...Option) *Pool {
	p := &Pool{
		store:           store,
		coordinator:     coord,
		bus:             bus,
		workers:         2,
		pollInterval:    250 * time.Millisecond,
		maxIdleInterval: 5 * time.Second,
		janitorInterval: 30 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks consuming the queue until ctx is cancelled. Cancellation is a
// clean shutdown, not an error.
func (p *Pool) Run(ctx context.Context) error {
	logger.Infow("worker pool starting", "workers", p.workers, "poll_interval", p.pollInterval)

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		group.Go(func() error { return p.consume(ctx, id) })
	}
	if p.janitorInterval > 0 {
		group.Go(func() error { return p.janitor(ctx) })
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("worker pool stopped")
		return nil
	}
	return err
}

// consume is one consumer loop: dequeue, run a pass, repeat. Empty polls
// back off exponentially; any dequeued entry resets the wait.
func (p *Pool) consume(ctx context.Context, id int) error {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = p.pollInterval
	idle.MaxInterval = p.maxIdleInterval
	idle.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := p.store.Queue().Dequeue(ctx, p.now().UTC())
		if errors.Is(err, storage.ErrQueueEmpty) {
			if err := sleep(ctx, idle.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			logger.Errorw("dequeue failed", "worker", id, "error", err)
			if err := sleep(ctx, idle.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		idle.Reset()

		p.bus.Publish(ctx, events.New(events.TopicTaskReenqueueStarted, events.ReenqueuePayload{
			TaskID: entry.TaskID, Reason: entry.Reason,
		}))

		outcome, err := p.coordinator.RunPass(ctx, entry.TaskID)
		if err != nil {
			// The pass already scheduled any continuation it needed; a
			// failed pass is logged, not fatal to the consumer.
			logger.Warnw("coordinator pass failed",
				"worker", id, "task_id", entry.TaskID, "reason", entry.Reason, "error", err)
			continue
		}
		logger.Debugw("coordinator pass finished",
			"worker", id, "task_id", entry.TaskID, "reason", entry.Reason, "outcome", string(outcome))
	}
}

// janitor periodically re-enqueues tasks whose claim lease expired, so work
// lost to a crashed worker resumes.
func (p *Pool) janitor(ctx context.Context) error {
	ticker := time.NewTicker(p.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := p.now().UTC()
		expired, err := p.store.Tasks().ExpiredClaims(ctx, now)
		if err != nil {
			logger.Errorw("expired claim sweep failed", "error", err)
			continue
		}
		for _, taskID := range expired {
			inserted, err := p.store.Queue().Enqueue(ctx, taskID, "claim_expired", now)
			if err != nil {
				logger.Errorw("re-enqueueing expired claim failed", "task_id", taskID, "error", err)
				continue
			}
			if inserted {
				logger.Warnw("re-enqueued task with expired claim", "task_id", taskID)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
