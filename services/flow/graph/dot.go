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
	"strings"
)

// DOT renders the graph as a Graphviz digraph for visualization tooling.
//
// Description:
//
//	Inputs render as ellipses, computed steps as boxes, schedule steps as
//	diamonds, archive steps as octagons. Gate dependencies are solid
//	edges; a mutate step's write target is a dashed edge labeled
//	"mutates". Output is deterministic (nodes in sorted order).
func (g *Graph) DOT() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %q {\n", g.Name+"-"+g.Version)
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [fontname=\"Helvetica\"];\n\n")

	for _, node := range g.Nodes() {
		fmt.Fprintf(&sb, "  %q [shape=%s];\n", node.Name, dotShape(node.Kind))
	}
	sb.WriteString("\n")

	for _, node := range g.Nodes() {
		for _, dep := range node.Upstreams() {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, node.Name)
		}
		if node.Kind == KindMutate && node.Mutates != "" {
			fmt.Fprintf(&sb, "  %q -> %q [style=dashed, label=\"mutates\"];\n", node.Name, node.Mutates)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func dotShape(kind NodeKind) string {
	switch kind {
	case KindInput:
		return "ellipse"
	case KindTickOnce, KindTickRecurring:
		return "diamond"
	case KindArchive:
		return "octagon"
	default:
		return "box"
	}
}
