// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/windlass-dev/windlass/pkg/workflow"
)

// ErrDuplicateEvent is returned when two owners declare the same event name.
var ErrDuplicateEvent = errors.New("event already declared")

// CatalogEntry describes a declared custom event and its owner.
type CatalogEntry struct {
	Name        string
	Description string
	Owner       string
}

// Catalog tracks custom events declared by task handlers so operational
// tooling can discover the full event surface of a deployment.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]CatalogEntry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]CatalogEntry)}
}

// Register declares events on behalf of owner (usually a task handler's
// namespace/name/version string). Re-declaring a name under the same owner
// is idempotent; under a different owner it fails.
func (c *Catalog) Register(owner string, specs []workflow.EventSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, spec := range specs {
		if existing, ok := c.entries[spec.Name]; ok && existing.Owner != owner {
			return fmt.Errorf("%w: %q is owned by %s", ErrDuplicateEvent, spec.Name, existing.Owner)
		}
	}
	for _, spec := range specs {
		c.entries[spec.Name] = CatalogEntry{
			Name:        spec.Name,
			Description: spec.Description,
			Owner:       owner,
		}
	}
	return nil
}

// Unregister removes every event declared by owner.
func (c *Catalog) Unregister(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, entry := range c.entries {
		if entry.Owner == owner {
			delete(c.entries, name)
		}
	}
}

// List returns all catalog entries sorted by name.
func (c *Catalog) List() []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]CatalogEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
