// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/windlass-dev/windlass/pkg/logger"
)

// Subscriber receives published events. OnEvent runs in the publisher's
// goroutine and must return quickly.
type Subscriber interface {
	OnEvent(ctx context.Context, event Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, event Event)

// OnEvent implements Subscriber.
func (f SubscriberFunc) OnEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

type subscription struct {
	id  uint64
	sub Subscriber
}

// Bus is a synchronous in-process publish/subscribe bus. The subscriber
// list is an immutable snapshot swapped under a writer lock, so Publish
// never blocks on subscription churn.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	snapshot atomic.Pointer[[]subscription]
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	b := &Bus{}
	empty := make([]subscription, 0)
	b.snapshot.Store(&empty)
	return b
}

// Subscribe registers sub for every topic and returns an unsubscribe
// function. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(sub Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	current := *b.snapshot.Load()
	next := make([]subscription, len(current), len(current)+1)
	copy(next, current)
	next = append(next, subscription{id: id, sub: sub})
	b.snapshot.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := *b.snapshot.Load()
	next := make([]subscription, 0, len(current))
	for _, s := range current {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.snapshot.Store(&next)
}

// Publish delivers event to every subscriber, in subscription order, in the
// caller's goroutine. A panicking subscriber is recovered and logged; the
// remaining subscribers still receive the event.
func (b *Bus) Publish(ctx context.Context, event Event) {
	for _, s := range *b.snapshot.Load() {
		b.deliver(ctx, s, event)
	}
}

func (*Bus) deliver(ctx context.Context, s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("event subscriber panicked",
				"topic", event.Topic, "event_id", event.ID, "panic", r)
		}
	}()
	s.sub.OnEvent(ctx, event)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	return len(*b.snapshot.Load())
}
