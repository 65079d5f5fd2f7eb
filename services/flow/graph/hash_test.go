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
	"context"
	"testing"
)

func TestContentHashStableAcrossBuilds(t *testing.T) {
	build := func(fn ComputeFunc) *Graph {
		g, err := NewBuilder("greeter", "1.0.0").
			Add(Input("name")).
			Add(Compute("greet", DependsOn("name"), fn)).
			Build()
		if err != nil {
			t.Fatalf("Build() failed: %v", err)
		}
		return g
	}

	a := build(nopCompute)
	// Different function identity, same declaration shape.
	b := build(func(_ context.Context, _ Values) (any, error) { return "different body", nil })

	if a.Hash != b.Hash {
		t.Errorf("hashes differ for identical declarations: %s vs %s", a.Hash, b.Hash)
	}
}

func TestContentHashStableAcrossAddOrder(t *testing.T) {
	a, err := NewBuilder("g", "1.0.0").
		Add(Input("x")).
		Add(Input("y")).
		Add(Compute("sum", DependsOn("x", "y"), nopCompute)).
		Build()
	if err != nil {
		t.Fatalf("Build(a) failed: %v", err)
	}

	b, err := NewBuilder("g", "1.0.0").
		Add(Input("y")).
		Add(Compute("sum", DependsOn("x", "y"), nopCompute)).
		Add(Input("x")).
		Build()
	if err != nil {
		t.Fatalf("Build(b) failed: %v", err)
	}

	if a.Hash != b.Hash {
		t.Errorf("hashes differ for reordered Add calls: %s vs %s", a.Hash, b.Hash)
	}
}

func TestContentHashSensitivity(t *testing.T) {
	base := func() *Builder {
		return NewBuilder("g", "1.0.0").
			Add(Input("x")).
			Add(Compute("a", DependsOn("x"), nopCompute))
	}

	ref, err := base().Build()
	if err != nil {
		t.Fatalf("Build(ref) failed: %v", err)
	}

	tests := []struct {
		name  string
		build func() (*Graph, error)
	}{
		{
			name: "extra node",
			build: func() (*Graph, error) {
				return base().Add(Input("z")).Build()
			},
		},
		{
			name: "different gate",
			build: func() (*Graph, error) {
				return NewBuilder("g", "1.0.0").
					Add(Input("x")).
					Add(Compute("a", When("x", IsTrue), nopCompute)).
					Build()
			},
		},
		{
			name: "different retries",
			build: func() (*Graph, error) {
				return NewBuilder("g", "1.0.0").
					Add(Input("x")).
					Add(Compute("a", DependsOn("x"), nopCompute).WithMaxRetries(7)).
					Build()
			},
		},
		{
			name: "different version",
			build: func() (*Graph, error) {
				return NewBuilder("g", "1.0.1").
					Add(Input("x")).
					Add(Compute("a", DependsOn("x"), nopCompute)).
					Build()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := tt.build()
			if err != nil {
				t.Fatalf("Build() failed: %v", err)
			}
			if g.Hash == ref.Hash {
				t.Error("hash did not change with the declaration")
			}
		})
	}
}
