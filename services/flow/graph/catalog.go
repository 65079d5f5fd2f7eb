// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"sort"
	"sync"

	"golang.org/x/mod/semver"
)

// Catalog is the process-local registry mapping (name, version) to graphs.
//
// Description:
//
//	Graphs are registered once at startup and immutable afterwards; the
//	engine refuses to advance executions whose graph is not registered.
//	Listing by name returns versions newest-first using semantic-version
//	ordering.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	graphs map[catalogKey]*Graph
}

type catalogKey struct {
	name    string
	version string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		graphs: make(map[catalogKey]*Graph),
	}
}

// Register adds a graph. Registering the same (name, version) twice is an
// error; unregister first to replace.
func (c *Catalog) Register(g *Graph) error {
	if g == nil {
		return ErrNilNode
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := catalogKey{name: g.Name, version: g.Version}
	if _, exists := c.graphs[key]; exists {
		return ErrAlreadyRegistered
	}

	c.graphs[key] = g
	return nil
}

// Fetch returns the graph registered under (name, version).
func (c *Catalog) Fetch(name, version string) (*Graph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.graphs[catalogKey{name: name, version: version}]
	return g, ok
}

// List returns registered graphs filtered by name and version.
//
// Description:
//
//	Both empty: every graph, ordered by name ascending then version
//	descending. Name only: that graph's versions, newest first. Both:
//	zero or one graph. Version without a name is an error.
func (c *Catalog) List(name, version string) ([]*Graph, error) {
	if name == "" && version != "" {
		return nil, ErrVersionWithoutName
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Graph, 0)
	for key, g := range c.graphs {
		if name != "" && key.name != name {
			continue
		}
		if version != "" && key.version != version {
			continue
		}
		out = append(out, g)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return versionLess(out[j].Version, out[i].Version)
	})

	return out, nil
}

// Unregister removes a graph. Removing an absent graph is a no-op.
func (c *Catalog) Unregister(name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.graphs, catalogKey{name: name, version: version})
}

// Len returns the number of registered graphs.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.graphs)
}

// versionLess orders version strings: semver-comparable versions first in
// semver order, anything unparseable after them lexically.
func versionLess(a, b string) bool {
	va, vb := "v"+a, "v"+b
	aOK, bOK := semver.IsValid(va), semver.IsValid(vb)
	switch {
	case aOK && bOK:
		return semver.Compare(va, vb) < 0
	case aOK:
		return true
	case bOK:
		return false
	default:
		return a < b
	}
}
