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
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianFlow/pkg/validation"
)

// Graph is a validated, immutable computation-graph declaration.
//
// Description:
//
//	A Graph owns its node set, a stable content hash over the declaration
//	shape, and graph-wide options. Executions reference a graph by
//	(Name, Version) and record Hash at creation so drift is detectable.
//
// Thread Safety:
//
//	Immutable after Build; safe for concurrent reads.
type Graph struct {
	Name    string
	Version string
	Hash    string

	// OnSave is an optional graph-wide callback invoked after every
	// successful value persistence, after any per-step callback.
	OnSave SaveFunc

	// ExecutionIDPrefix is prepended to generated execution ids.
	ExecutionIDPrefix string

	// Singleton graphs reuse the one live (non-archived) execution
	// instead of starting another.
	Singleton bool

	nodes map[string]*Node
	order []string
}

// Node returns the named node.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns all nodes in deterministic (name-sorted) order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.nodes[name])
	}
	return out
}

// NodeNames returns all node names, sorted.
func (g *Graph) NodeNames() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Steps returns the non-input nodes in deterministic order.
func (g *Graph) Steps() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, name := range g.order {
		if n := g.nodes[name]; !n.IsInput() {
			out = append(out, n)
		}
	}
	return out
}

// Downstream returns every step reachable from the roots through gate
// references, directly or through other steps, in name order. The roots
// themselves are excluded.
func (g *Graph) Downstream(roots ...string) []string {
	dependents := make(map[string][]string, len(g.nodes))
	for _, name := range g.order {
		for _, up := range g.nodes[name].Upstreams() {
			dependents[up] = append(dependents[up], name)
		}
	}

	isRoot := make(map[string]bool, len(roots))
	for _, root := range roots {
		isRoot[root] = true
	}

	reached := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[name] {
			if reached[dep] {
				continue
			}
			reached[dep] = true
			queue = append(queue, dep)
		}
	}

	out := make([]string, 0, len(reached))
	for _, name := range g.order {
		if reached[name] && !isRoot[name] {
			out = append(out, name)
		}
	}
	return out
}

// Builder constructs a Graph with validation.
//
// Description:
//
//	Builder provides a fluent API for declaring graphs. Add records
//	nodes; Build validates names, references, mutation safety, heartbeat
//	tuning and acyclicity, fills step defaults, and computes the content
//	hash.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use. Build the graph in a single
//	goroutine.
//
// Example:
//
//	g, err := graph.NewBuilder("greeter", "1.0.0").
//	    Add(graph.Input("name")).
//	    Add(graph.Compute("greet", graph.DependsOn("name"), greetFn)).
//	    Build()
type Builder struct {
	name    string
	version string
	opts    graphOptions
	nodes   map[string]*Node
	order   []string
	errors  []error
}

type graphOptions struct {
	onSave    SaveFunc
	idPrefix  string
	singleton bool
}

// NewBuilder creates a graph builder for the given (name, version).
func NewBuilder(name, version string) *Builder {
	return &Builder{
		name:    name,
		version: version,
		nodes:   make(map[string]*Node),
		order:   make([]string, 0),
		errors:  make([]error, 0),
	}
}

// Add records a node. Duplicate or reserved names are recorded as errors
// and surfaced by Build.
func (b *Builder) Add(node *Node) *Builder {
	if node == nil {
		b.errors = append(b.errors, ErrNilNode)
		return b
	}

	if reservedNames[node.Name] {
		b.errors = append(b.errors, NewNodeError(node.Name, ErrReservedNode))
		return b
	}

	if _, exists := b.nodes[node.Name]; exists {
		b.errors = append(b.errors, NewNodeError(node.Name, ErrDuplicateNode))
		return b
	}

	b.nodes[node.Name] = node
	b.order = append(b.order, node.Name)
	return b
}

// WithOnSave attaches the graph-wide save callback.
func (b *Builder) WithOnSave(fn SaveFunc) *Builder {
	b.opts.onSave = fn
	return b
}

// WithExecutionIDPrefix sets the prefix for generated execution ids.
func (b *Builder) WithExecutionIDPrefix(prefix string) *Builder {
	b.opts.idPrefix = prefix
	return b
}

// WithSingleton marks the graph as singleton: starting an execution reuses
// the live one if present.
func (b *Builder) WithSingleton() *Builder {
	b.opts.singleton = true
	return b
}

// Build validates and constructs the Graph.
//
// Description:
//
//	Validation is fatal on: accumulated Add errors, invalid graph
//	name/version, invalid node names, missing compute functions, unknown
//	upstream references, bad mutate targets, revision-bumping mutations
//	that gate on their own target, heartbeat tuning violations, and
//	dependency cycles (the error traces the cycle path).
//
// Outputs:
//
//	*Graph - The validated graph with defaults applied and Hash set.
//	error - Non-nil if validation fails.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	if err := validation.ValidateGraphName(b.name); err != nil {
		return nil, err
	}
	if err := validation.ValidateGraphVersion(b.version); err != nil {
		return nil, err
	}

	if len(b.nodes) == 0 {
		return nil, ErrEmptyGraph
	}

	for _, name := range b.order {
		if err := b.validateNode(b.nodes[name]); err != nil {
			return nil, err
		}
	}

	adjList := make(map[string][]string, len(b.nodes))
	for name, node := range b.nodes {
		adjList[name] = node.Upstreams()
	}

	if err := b.detectCycles(adjList); err != nil {
		return nil, err
	}

	for _, node := range b.nodes {
		applyDefaults(node)
		if err := validateHeartbeat(node); err != nil {
			return nil, err
		}
	}

	order := make([]string, len(b.order))
	copy(order, b.order)
	sort.Strings(order)

	g := &Graph{
		Name:              b.name,
		Version:           b.version,
		OnSave:            b.opts.onSave,
		ExecutionIDPrefix: b.opts.idPrefix,
		Singleton:         b.opts.singleton,
		nodes:             b.nodes,
		order:             order,
	}
	g.Hash = contentHash(g)

	return g, nil
}

// validateNode checks one node's declaration in isolation plus its
// references into the rest of the graph.
func (b *Builder) validateNode(node *Node) error {
	if err := validation.ValidateNodeName(node.Name); err != nil {
		return err
	}

	if !node.Kind.Valid() {
		return NewNodeError(node.Name, fmt.Errorf("%w: %q", ErrInvalidKind, node.Kind))
	}

	if node.IsInput() {
		return nil
	}

	if node.Compute == nil {
		return NewNodeError(node.Name, ErrMissingCompute)
	}

	upstreams := node.Upstreams()
	for _, dep := range upstreams {
		if _, exists := b.nodes[dep]; !exists && !reservedNames[dep] {
			return NewNodeError(node.Name, fmt.Errorf("%w: unknown upstream %q", ErrNodeNotFound, dep))
		}
	}

	if node.Kind == KindMutate {
		target, exists := b.nodes[node.Mutates]
		if node.Mutates == "" || !exists || target.Name == node.Name {
			return NewNodeError(node.Name, ErrBadMutateTarget)
		}
		if node.UpdateRevisionOnChange {
			for _, dep := range upstreams {
				if dep == node.Mutates {
					return NewNodeError(node.Name, ErrMutateRevisionCycle)
				}
			}
		}
	}

	return nil
}

// detectCycles uses DFS with a recursion stack to find dependency cycles.
func (b *Builder) detectCycles(adjList map[string][]string) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, dep := range adjList[node] {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				// Found cycle - find where it starts
				cycleStart := -1
				for i, n := range path {
					if n == dep {
						cycleStart = i
						break
					}
				}
				cyclePath := append(path[cycleStart:], dep)
				return NewCycleError(cyclePath)
			}
		}

		path = path[:len(path)-1]
		recStack[node] = false
		return nil
	}

	names := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !visited[name] {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}

	return nil
}

func applyDefaults(node *Node) {
	if node.IsInput() {
		return
	}
	if node.MaxRetries == 0 {
		node.MaxRetries = DefaultMaxRetries
	}
	if node.AbandonAfter == 0 {
		node.AbandonAfter = DefaultAbandonAfter
	}
	if node.HeartbeatInterval == 0 {
		node.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if node.HeartbeatTimeout == 0 {
		node.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
}

func validateHeartbeat(node *Node) error {
	if node.IsInput() {
		return nil
	}
	if node.HeartbeatInterval < MinHeartbeatInterval {
		return NewNodeError(node.Name, fmt.Errorf("%w: interval %s below minimum %s",
			ErrHeartbeatConfig, node.HeartbeatInterval, MinHeartbeatInterval))
	}
	if node.HeartbeatInterval > node.HeartbeatTimeout/2 {
		return NewNodeError(node.Name, fmt.Errorf("%w: interval %s exceeds half of timeout %s",
			ErrHeartbeatConfig, node.HeartbeatInterval, node.HeartbeatTimeout))
	}
	return nil
}
