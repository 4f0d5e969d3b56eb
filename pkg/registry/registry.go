// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry provides the process-wide, thread-safe registry mapping
// (namespace, name, version) to task definitions. Lookups read an immutable
// copy-on-write snapshot, so replacement under concurrent lookup is safe.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/windlass-dev/windlass/pkg/events"
	"github.com/windlass-dev/windlass/pkg/logger"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

var (
	// ErrNotFound is returned when no definition matches a lookup key.
	ErrNotFound = errors.New("task definition not found")

	// ErrAlreadyRegistered is returned on duplicate registration without
	// the replace option.
	ErrAlreadyRegistered = errors.New("task definition already registered")

	// ErrInvalidVersion is returned when a definition's version is not
	// valid semver.
	ErrInvalidVersion = errors.New("invalid semver version")
)

// Key identifies a task definition.
type Key struct {
	Namespace string
	Name      string
	Version   string
}

// String renders the key in namespace/name/version form.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Namespace, k.Name, k.Version)
}

// Stats summarizes the registry for operational dashboards.
type Stats struct {
	Definitions      int
	Namespaces       map[string]int
	LastRegisteredAt time.Time
}

// Option configures a registration.
type Option func(*registerOptions)

type registerOptions struct {
	replace bool
}

// WithReplace allows a registration to overwrite an existing definition.
func WithReplace() Option {
	return func(o *registerOptions) { o.replace = true }
}

// Registry maps definition keys to validated task definitions.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[Key]*workflow.TaskDefinition]

	catalog          *events.Catalog
	lastRegisteredAt atomic.Pointer[time.Time]
}

// New creates an empty registry. Custom events declared by registered
// handlers are recorded into catalog; a nil catalog disables that.
func New(catalog *events.Catalog) *Registry {
	r := &Registry{catalog: catalog}
	empty := make(map[Key]*workflow.TaskDefinition)
	r.snapshot.Store(&empty)
	return r
}

// Register validates def and installs it under its key. Duplicate
// registrations fail unless WithReplace is given. Validation covers the
// definition's structure (unique steps, acyclic DAG, handlers present),
// semver version syntax, and optional handler capabilities
// (Configure, CustomEvents).
func (r *Registry) Register(def *workflow.TaskDefinition, opts ...Option) error {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := def.Validate(); err != nil {
		return err
	}
	if _, err := semver.StrictNewVersion(def.Version); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, def.Version, err)
	}

	key := Key{Namespace: def.Namespace, Name: def.Name, Version: def.Version}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	if _, exists := current[key]; exists && !o.replace {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}

	// Configure handlers that accept per-task configuration before the
	// definition becomes visible to lookups.
	for _, step := range def.Steps {
		if configurable, ok := step.Handler.(workflow.Configurable); ok {
			if err := configurable.Configure(def.Configuration); err != nil {
				return fmt.Errorf("configuring handler for step %q: %w", step.Name, err)
			}
		}
	}

	if r.catalog != nil {
		if err := r.catalog.Register(key.String(), def.CustomEvents()); err != nil {
			return fmt.Errorf("registering custom events for %s: %w", key, err)
		}
	}

	next := make(map[Key]*workflow.TaskDefinition, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[key] = def
	r.snapshot.Store(&next)

	now := time.Now().UTC()
	r.lastRegisteredAt.Store(&now)

	logger.Debugw("registered task definition", "key", key.String(), "steps", len(def.Steps))
	return nil
}

// Lookup returns the definition for (namespace, name, version).
func (r *Registry) Lookup(namespace, name, version string) (*workflow.TaskDefinition, error) {
	key := Key{Namespace: namespace, Name: name, Version: version}
	def, ok := (*r.snapshot.Load())[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return def, nil
}

// Unregister removes a definition and its custom events. Removing a missing
// key returns ErrNotFound.
func (r *Registry) Unregister(namespace, name, version string) error {
	key := Key{Namespace: namespace, Name: name, Version: version}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	if _, exists := current[key]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	next := make(map[Key]*workflow.TaskDefinition, len(current))
	for k, v := range current {
		if k != key {
			next[k] = v
		}
	}
	r.snapshot.Store(&next)

	if r.catalog != nil {
		r.catalog.Unregister(key.String())
	}
	return nil
}

// Keys returns all registered keys sorted by string form.
func (r *Registry) Keys() []Key {
	current := *r.snapshot.Load()
	keys := make([]Key, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Stats reports registry contents for dashboards and the health probe.
func (r *Registry) Stats() Stats {
	current := *r.snapshot.Load()
	stats := Stats{
		Definitions: len(current),
		Namespaces:  make(map[string]int),
	}
	for k := range current {
		stats.Namespaces[k.Namespace]++
	}
	if t := r.lastRegisteredAt.Load(); t != nil {
		stats.LastRegisteredAt = *t
	}
	return stats
}

// Healthy reports whether the registry is serving lookups. A registry with
// zero definitions is healthy but useless, which dashboards surface via
// Stats.
func (r *Registry) Healthy() bool {
	return r.snapshot.Load() != nil
}
