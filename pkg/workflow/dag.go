// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"errors"
	"fmt"
)

// ErrCircularDependency indicates a cycle in a step DAG.
var ErrCircularDependency = errors.New("circular dependency detected")

// ValidateTemplateDAG checks that template dependencies reference existing
// steps and form an acyclic graph.
func ValidateTemplateDAG(steps []StepTemplate) error {
	graph := TemplateDeps(steps)

	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			if _, ok := graph[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on non-existent step %q",
					ErrInvalidDefinition, steps[i].Name, dep)
			}
		}
	}

	return detectCycle(graph)
}

// detectCycle runs a DFS over the adjacency list and reports the first
// cycle found.
func detectCycle(graph map[string][]string) error {
	visited := make(map[string]bool, len(graph))
	recStack := make(map[string]bool, len(graph))

	var hasCycle func(string) bool
	hasCycle = func(node string) bool {
		visited[node] = true
		recStack[node] = true

		for _, dep := range graph[node] {
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}

		recStack[node] = false
		return false
	}

	for node := range graph {
		if !visited[node] {
			if hasCycle(node) {
				return fmt.Errorf("%w: involving step %q", ErrCircularDependency, node)
			}
		}
	}
	return nil
}

// Levels computes the execution levels of a DAG given step names and their
// dependencies: level 0 holds steps with no dependencies, level n holds
// steps whose dependencies all sit in earlier levels. The graph must be
// acyclic.
func Levels(deps map[string][]string) ([][]string, error) {
	if err := detectCycle(deps); err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(deps))
	var levelOf func(string) int
	levelOf = func(node string) int {
		if d, ok := depth[node]; ok {
			return d
		}
		max := 0
		for _, dep := range deps[node] {
			if d := levelOf(dep) + 1; d > max {
				max = d
			}
		}
		depth[node] = max
		return max
	}

	maxDepth := 0
	for node := range deps {
		if d := levelOf(node); d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for node, d := range depth {
		levels[d] = append(levels[d], node)
	}
	return levels, nil
}

// WidestLevel returns the size of the largest execution level, used as the
// default per-task concurrency limit. Returns at least 1.
func WidestLevel(deps map[string][]string) int {
	levels, err := Levels(deps)
	if err != nil {
		return 1
	}
	widest := 1
	for _, level := range levels {
		if len(level) > widest {
			widest = len(level)
		}
	}
	return widest
}

// TemplateDeps builds the name -> dependencies adjacency for templates.
func TemplateDeps(steps []StepTemplate) map[string][]string {
	deps := make(map[string][]string, len(steps))
	for i := range steps {
		deps[steps[i].Name] = steps[i].DependsOn
	}
	return deps
}

// ValidateEdges checks a materialized task's edge set: every endpoint is a
// step of the task, no self-edges, no duplicate pairs, and the induced
// graph is acyclic.
func ValidateEdges(steps []*WorkflowStep, edges []StepEdge) error {
	names := make(map[int64]string, len(steps))
	for _, s := range steps {
		names[s.ID] = s.Name
	}

	seen := make(map[[2]int64]bool, len(edges))
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.Name] = nil
	}

	for _, e := range edges {
		if e.FromStepID == e.ToStepID {
			return fmt.Errorf("%w: self-edge on step %d", ErrCircularDependency, e.FromStepID)
		}
		from, ok := names[e.FromStepID]
		if !ok {
			return fmt.Errorf("edge references unknown step %d", e.FromStepID)
		}
		to, ok := names[e.ToStepID]
		if !ok {
			return fmt.Errorf("edge references unknown step %d", e.ToStepID)
		}
		pair := [2]int64{e.FromStepID, e.ToStepID}
		if seen[pair] {
			return fmt.Errorf("duplicate edge %s -> %s", from, to)
		}
		seen[pair] = true
		deps[to] = append(deps[to], from)
	}

	return detectCycle(deps)
}
