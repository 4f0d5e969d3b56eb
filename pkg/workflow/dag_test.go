// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTemplateDAG_Valid(t *testing.T) {
	t.Parallel()
	steps := []StepTemplate{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"a"}},
		{Name: "d", DependsOn: []string{"b", "c"}},
	}
	require.NoError(t, ValidateTemplateDAG(steps))
}

func TestValidateTemplateDAG_Cycle(t *testing.T) {
	t.Parallel()
	steps := []StepTemplate{
		{Name: "a", DependsOn: []string{"c"}},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
	}
	err := ValidateTemplateDAG(steps)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircularDependency)
}

func TestValidateTemplateDAG_UnknownDependency(t *testing.T) {
	t.Parallel()
	steps := []StepTemplate{
		{Name: "a", DependsOn: []string{"ghost"}},
	}
	err := ValidateTemplateDAG(steps)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestLevels_Diamond(t *testing.T) {
	t.Parallel()
	deps := map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}

	levels, err := Levels(deps)
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.ElementsMatch(t, []string{"a"}, levels[0])
	assert.ElementsMatch(t, []string{"b", "c"}, levels[1])
	assert.ElementsMatch(t, []string{"d"}, levels[2])
}

func TestWidestLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		deps map[string][]string
		want int
	}{
		{
			name: "linear chain",
			deps: map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}},
			want: 1,
		},
		{
			name: "diamond",
			deps: map[string][]string{"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}},
			want: 2,
		},
		{
			name: "fan out",
			deps: map[string][]string{"a": nil, "b": {"a"}, "c": {"a"}, "d": {"a"}, "e": {"a"}},
			want: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, WidestLevel(tt.deps))
		})
	}
}

func TestValidateEdges(t *testing.T) {
	t.Parallel()
	steps := []*WorkflowStep{
		{ID: 1, Name: "a"},
		{ID: 2, Name: "b"},
		{ID: 3, Name: "c"},
	}

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		edges := []StepEdge{{FromStepID: 1, ToStepID: 2}, {FromStepID: 2, ToStepID: 3}}
		require.NoError(t, ValidateEdges(steps, edges))
	})

	t.Run("self edge", func(t *testing.T) {
		t.Parallel()
		edges := []StepEdge{{FromStepID: 1, ToStepID: 1}}
		assert.ErrorIs(t, ValidateEdges(steps, edges), ErrCircularDependency)
	})

	t.Run("duplicate pair", func(t *testing.T) {
		t.Parallel()
		edges := []StepEdge{{FromStepID: 1, ToStepID: 2}, {FromStepID: 1, ToStepID: 2}}
		assert.Error(t, ValidateEdges(steps, edges))
	})

	t.Run("cycle through edges", func(t *testing.T) {
		t.Parallel()
		edges := []StepEdge{
			{FromStepID: 1, ToStepID: 2},
			{FromStepID: 2, ToStepID: 3},
			{FromStepID: 3, ToStepID: 1},
		}
		assert.ErrorIs(t, ValidateEdges(steps, edges), ErrCircularDependency)
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		t.Parallel()
		edges := []StepEdge{{FromStepID: 1, ToStepID: 99}}
		assert.Error(t, ValidateEdges(steps, edges))
	})
}
