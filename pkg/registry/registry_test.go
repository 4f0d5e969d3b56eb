// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-dev/windlass/pkg/events"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

func noop() workflow.StepHandler {
	return workflow.StepHandlerFunc(func(context.Context, *workflow.Task, *workflow.StepSequence, *workflow.WorkflowStep) (workflow.Result, error) {
		return workflow.Result{}, nil
	})
}

func definition(namespace, name, version string) *workflow.TaskDefinition {
	return &workflow.TaskDefinition{
		Namespace: namespace,
		Name:      name,
		Version:   version,
		Steps: []workflow.StepTemplate{
			{Name: "only", DependentSystem: "test", Handler: noop()},
		},
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()
	reg := New(events.NewCatalog())

	def := definition("payments", "settle", "1.0.0")
	require.NoError(t, reg.Register(def))

	got, err := reg.Lookup("payments", "settle", "1.0.0")
	require.NoError(t, err)
	assert.Same(t, def, got)

	_, err = reg.Lookup("payments", "settle", "2.0.0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_DuplicateRejectedWithoutReplace(t *testing.T) {
	t.Parallel()
	reg := New(nil)

	require.NoError(t, reg.Register(definition("a", "b", "1.0.0")))

	err := reg.Register(definition("a", "b", "1.0.0"))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	replacement := definition("a", "b", "1.0.0")
	require.NoError(t, reg.Register(replacement, WithReplace()))

	got, err := reg.Lookup("a", "b", "1.0.0")
	require.NoError(t, err)
	assert.Same(t, replacement, got)
}

func TestRegistry_RejectsInvalidVersion(t *testing.T) {
	t.Parallel()
	reg := New(nil)

	err := reg.Register(definition("a", "b", "not-a-version"))
	assert.ErrorIs(t, err, ErrInvalidVersion)

	// Partial versions are not accepted either.
	err = reg.Register(definition("a", "b", "1.0"))
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestRegistry_RejectsInvalidDefinition(t *testing.T) {
	t.Parallel()
	reg := New(nil)

	err := reg.Register(&workflow.TaskDefinition{Namespace: "a", Name: "b", Version: "1.0.0"})
	assert.ErrorIs(t, err, workflow.ErrInvalidDefinition)
	assert.Equal(t, 0, reg.Stats().Definitions)
}

func TestRegistry_UnregisterRestoresLookupState(t *testing.T) {
	t.Parallel()
	reg := New(events.NewCatalog())

	require.NoError(t, reg.Register(definition("a", "b", "1.0.0")))
	require.NoError(t, reg.Unregister("a", "b", "1.0.0"))

	_, err := reg.Lookup("a", "b", "1.0.0")
	assert.ErrorIs(t, err, ErrNotFound)

	err = reg.Unregister("a", "b", "1.0.0")
	assert.ErrorIs(t, err, ErrNotFound)
}

type declaringHandler struct{}

func (declaringHandler) Process(context.Context, *workflow.Task, *workflow.StepSequence, *workflow.WorkflowStep) (workflow.Result, error) {
	return workflow.Result{}, nil
}

func (declaringHandler) CustomEvents() []workflow.EventSpec {
	return []workflow.EventSpec{{Name: "invoice.rendered", Description: "invoice PDF produced"}}
}

func TestRegistry_RegistersCustomEventsIntoCatalog(t *testing.T) {
	t.Parallel()
	catalog := events.NewCatalog()
	reg := New(catalog)

	def := &workflow.TaskDefinition{
		Namespace: "billing",
		Name:      "invoice",
		Version:   "1.0.0",
		Steps: []workflow.StepTemplate{
			{Name: "render", DependentSystem: "pdf", Handler: declaringHandler{}},
		},
	}
	require.NoError(t, reg.Register(def))

	entries := catalog.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "invoice.rendered", entries[0].Name)
	assert.Equal(t, "billing/invoice/1.0.0", entries[0].Owner)

	require.NoError(t, reg.Unregister("billing", "invoice", "1.0.0"))
	assert.Empty(t, catalog.List())
}

type configuredHandler struct {
	config map[string]any
}

func (h *configuredHandler) Process(context.Context, *workflow.Task, *workflow.StepSequence, *workflow.WorkflowStep) (workflow.Result, error) {
	return workflow.Result{}, nil
}

func (h *configuredHandler) Configure(config map[string]any) error {
	h.config = config
	return nil
}

func TestRegistry_ConfiguresHandlers(t *testing.T) {
	t.Parallel()
	reg := New(nil)

	handler := &configuredHandler{}
	def := &workflow.TaskDefinition{
		Namespace:     "a",
		Name:          "b",
		Version:       "1.0.0",
		Configuration: map[string]any{"region": "eu-west-1"},
		Steps: []workflow.StepTemplate{
			{Name: "only", DependentSystem: "test", Handler: handler},
		},
	}
	require.NoError(t, reg.Register(def))
	assert.Equal(t, "eu-west-1", handler.config["region"])
}

func TestRegistry_StatsAndKeys(t *testing.T) {
	t.Parallel()
	reg := New(nil)

	require.NoError(t, reg.Register(definition("payments", "settle", "1.0.0")))
	require.NoError(t, reg.Register(definition("payments", "refund", "1.0.0")))
	require.NoError(t, reg.Register(definition("billing", "invoice", "2.1.0")))

	stats := reg.Stats()
	assert.Equal(t, 3, stats.Definitions)
	assert.Equal(t, 2, stats.Namespaces["payments"])
	assert.Equal(t, 1, stats.Namespaces["billing"])
	assert.False(t, stats.LastRegisteredAt.IsZero())

	keys := reg.Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, "billing/invoice/2.1.0", keys[0].String())

	assert.True(t, reg.Healthy())
}
