// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate evaluates a step's predicate tree against a snapshot of an
// execution's values to decide readiness.
package gate

import (
	"fmt"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
)

// Readiness is the result of evaluating a gate against a value snapshot.
//
// Description:
//
//	Ready is the tree verdict. ConditionsMet and ConditionsNotMet list
//	every leaf condition by its own outcome (predicate name applied to
//	node), independent of And/Or/Not combination, so operators can see
//	"what am I waiting for" at a glance. Evaluation never short-circuits.
type Readiness struct {
	Ready            bool
	ConditionsMet    []string
	ConditionsNotMet []string
}

// Evaluate runs the gate against the given values.
//
// Inputs:
//
//	g - The predicate tree. A nil gate is immediately ready.
//	values - Snapshot of every value node of the execution, keyed by name.
//
// Outputs:
//
//	Readiness - Verdict plus per-leaf diagnostics.
//	error - Non-nil when a leaf references a node absent from the
//	        snapshot. That is a programming error in the caller: the
//	        engine materializes a value row for every graph node.
func Evaluate(g graph.Gate, values map[string]graph.ValueView) (Readiness, error) {
	r := Readiness{}
	if g == nil {
		r.Ready = true
		return r, nil
	}

	ready, err := eval(g, values, &r)
	if err != nil {
		return Readiness{}, err
	}
	r.Ready = ready
	return r, nil
}

func eval(g graph.Gate, values map[string]graph.ValueView, r *Readiness) (bool, error) {
	switch t := g.(type) {
	case graph.Leaf:
		view, ok := values[t.Node]
		if !ok {
			return false, fmt.Errorf("%w: %q", ErrUnknownValueNode, t.Node)
		}
		pass := t.Pred.Fn != nil && t.Pred.Fn(view)
		label := fmt.Sprintf("%s(%s)", t.Pred.Name, t.Node)
		if pass {
			r.ConditionsMet = append(r.ConditionsMet, label)
		} else {
			r.ConditionsNotMet = append(r.ConditionsNotMet, label)
		}
		return pass, nil

	case graph.And:
		all := true
		for _, c := range t.Gates {
			ok, err := eval(c, values, r)
			if err != nil {
				return false, err
			}
			all = all && ok
		}
		return all, nil

	case graph.Or:
		any := false
		for _, c := range t.Gates {
			ok, err := eval(c, values, r)
			if err != nil {
				return false, err
			}
			any = any || ok
		}
		return any, nil

	case graph.Not:
		ok, err := eval(t.Gate, values, r)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	return false, fmt.Errorf("%w: %T", ErrUnknownGateShape, g)
}
