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

import "sort"

// Gate is a boolean predicate tree over upstream value nodes. A step runs
// once its gate evaluates true against the execution's current values.
//
// The tree is a closed sum: Leaf, And, Or, Not. Gates are in-process
// declarations and are never serialized; only the shape participates in the
// graph content hash.
type Gate interface {
	gateNode()
}

// Leaf tests a single value node with a predicate.
type Leaf struct {
	Node string
	Pred Predicate
}

// And passes when every child passes. And with no children passes.
type And struct {
	Gates []Gate
}

// Or passes when at least one child passes.
type Or struct {
	Gates []Gate
}

// Not inverts its child.
type Not struct {
	Gate Gate
}

func (Leaf) gateNode() {}
func (And) gateNode()  {}
func (Or) gateNode()   {}
func (Not) gateNode()  {}

// On gates on a node being provided.
func On(node string) Gate {
	return Leaf{Node: node, Pred: Provided}
}

// When gates on a custom predicate over a node.
func When(node string, pred Predicate) Gate {
	return Leaf{Node: node, Pred: pred}
}

// All combines gates conjunctively.
func All(gates ...Gate) Gate {
	return And{Gates: gates}
}

// Any combines gates disjunctively.
func Any(gates ...Gate) Gate {
	return Or{Gates: gates}
}

// Negate inverts a gate.
func Negate(g Gate) Gate {
	return Not{Gate: g}
}

// DependsOn is the flat-list sugar: all named nodes must be provided.
func DependsOn(nodes ...string) Gate {
	gates := make([]Gate, 0, len(nodes))
	for _, n := range nodes {
		gates = append(gates, On(n))
	}
	return And{Gates: gates}
}

// LeafNodes returns the distinct node names referenced anywhere in the
// tree, sorted for deterministic iteration.
func LeafNodes(g Gate) []string {
	seen := make(map[string]bool)
	collectLeaves(g, seen)

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func collectLeaves(g Gate, seen map[string]bool) {
	switch t := g.(type) {
	case Leaf:
		seen[t.Node] = true
	case And:
		for _, c := range t.Gates {
			collectLeaves(c, seen)
		}
	case Or:
		for _, c := range t.Gates {
			collectLeaves(c, seen)
		}
	case Not:
		collectLeaves(t.Gate, seen)
	}
}
