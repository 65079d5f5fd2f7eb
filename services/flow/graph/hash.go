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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// nodeSpec is the canonical serialization of a node for hashing. Function
// values never participate; only the declaration shape does, so the same
// declaration hashes identically across processes and releases.
type nodeSpec struct {
	Name                   string `json:"name"`
	Kind                   string `json:"kind"`
	Gate                   any    `json:"gate,omitempty"`
	Mutates                string `json:"mutates,omitempty"`
	UpdateRevisionOnChange bool   `json:"update_revision_on_change,omitempty"`
	MaxRetries             int    `json:"max_retries,omitempty"`
	AbandonAfterSeconds    int64  `json:"abandon_after_seconds,omitempty"`
	HeartbeatIntervalSecs  int64  `json:"heartbeat_interval_seconds,omitempty"`
	HeartbeatTimeoutSecs   int64  `json:"heartbeat_timeout_seconds,omitempty"`
}

// contentHash computes the stable content hash of a graph declaration:
// SHA-256 over the canonical JSON of the sorted node specs. Map keys are
// sorted by the JSON encoder, node order comes from the sorted name list.
func contentHash(g *Graph) string {
	specs := make([]nodeSpec, 0, len(g.order))
	for _, name := range g.order {
		specs = append(specs, specFor(g.nodes[name]))
	}

	doc := map[string]any{
		"name":    g.Name,
		"version": g.Version,
		"nodes":   specs,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		// Marshal over plain structs and maps cannot fail; keep the
		// signature honest anyway.
		return ""
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func specFor(n *Node) nodeSpec {
	spec := nodeSpec{
		Name:                   n.Name,
		Kind:                   string(n.Kind),
		Mutates:                n.Mutates,
		UpdateRevisionOnChange: n.UpdateRevisionOnChange,
	}
	if !n.IsInput() {
		spec.Gate = gateSpec(n.GatedBy)
		spec.MaxRetries = n.MaxRetries
		spec.AbandonAfterSeconds = int64(n.AbandonAfter.Seconds())
		spec.HeartbeatIntervalSecs = int64(n.HeartbeatInterval.Seconds())
		spec.HeartbeatTimeoutSecs = int64(n.HeartbeatTimeout.Seconds())
	}
	return spec
}

// gateSpec flattens a gate tree into plain maps so the JSON encoder can
// canonicalize it. Predicates contribute their name only.
func gateSpec(g Gate) any {
	if g == nil {
		return nil
	}
	switch t := g.(type) {
	case Leaf:
		return map[string]any{"node": t.Node, "pred": t.Pred.Name}
	case And:
		kids := make([]any, 0, len(t.Gates))
		for _, c := range t.Gates {
			kids = append(kids, gateSpec(c))
		}
		return map[string]any{"and": kids}
	case Or:
		kids := make([]any, 0, len(t.Gates))
		for _, c := range t.Gates {
			kids = append(kids, gateSpec(c))
		}
		return map[string]any{"or": kids}
	case Not:
		return map[string]any{"not": gateSpec(t.Gate)}
	}
	return nil
}
