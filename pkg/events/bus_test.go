// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-dev/windlass/pkg/workflow"
)

func TestBus_PublishDeliversInOrder(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	ctx := context.Background()

	var got []Topic
	bus.Subscribe(SubscriberFunc(func(_ context.Context, e Event) {
		got = append(got, e.Topic)
	}))

	bus.Publish(ctx, New(TopicTaskStarted, TaskPayload{TaskID: 1}))
	bus.Publish(ctx, New(TopicStepStarted, StepPayload{TaskID: 1, StepID: 10}))
	bus.Publish(ctx, New(TopicStepCompleted, StepPayload{TaskID: 1, StepID: 10}))

	assert.Equal(t, []Topic{TopicTaskStarted, TopicStepStarted, TopicStepCompleted}, got)
}

func TestBus_MultipleSubscribers(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	ctx := context.Background()

	first, second := 0, 0
	bus.Subscribe(SubscriberFunc(func(context.Context, Event) { first++ }))
	bus.Subscribe(SubscriberFunc(func(context.Context, Event) { second++ }))

	bus.Publish(ctx, New(TopicTaskCompleted, TaskPayload{TaskID: 1}))

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 2, bus.SubscriberCount())
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	ctx := context.Background()

	count := 0
	unsubscribe := bus.Subscribe(SubscriberFunc(func(context.Context, Event) { count++ }))

	bus.Publish(ctx, New(TopicTaskStarted, TaskPayload{}))
	unsubscribe()
	unsubscribe() // second call is a no-op
	bus.Publish(ctx, New(TopicTaskStarted, TaskPayload{}))

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_PanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	ctx := context.Background()

	delivered := false
	bus.Subscribe(SubscriberFunc(func(context.Context, Event) { panic("boom") }))
	bus.Subscribe(SubscriberFunc(func(context.Context, Event) { delivered = true }))

	bus.Publish(ctx, New(TopicWorkflowError, DiagnosticPayload{Message: "x"}))

	assert.True(t, delivered)
}

func TestCatalog_RegisterAndList(t *testing.T) {
	t.Parallel()
	catalog := NewCatalog()

	specs := []workflow.EventSpec{
		{Name: "payment.authorized", Description: "auth done"},
		{Name: "payment.captured", Description: "capture done"},
	}
	require.NoError(t, catalog.Register("payments/settle/1.0.0", specs))

	// Idempotent under the same owner.
	require.NoError(t, catalog.Register("payments/settle/1.0.0", specs[:1]))

	// Conflicting owner fails.
	err := catalog.Register("billing/invoice/1.0.0", specs[:1])
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	entries := catalog.List()
	require.Len(t, entries, 2)
	assert.Equal(t, "payment.authorized", entries[0].Name)
	assert.Equal(t, "payment.captured", entries[1].Name)
}

func TestCatalog_Unregister(t *testing.T) {
	t.Parallel()
	catalog := NewCatalog()

	require.NoError(t, catalog.Register("a", []workflow.EventSpec{{Name: "one"}}))
	require.NoError(t, catalog.Register("b", []workflow.EventSpec{{Name: "two"}}))

	catalog.Unregister("a")

	entries := catalog.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "two", entries[0].Name)
}
