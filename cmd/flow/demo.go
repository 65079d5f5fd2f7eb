// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
)

func runDemo(cmd *cobra.Command, args []string) {
	graphs, err := demoGraphs()
	if err != nil {
		log.Fatalf("flow demo: %v", err)
	}
	if err := serve(graphs, true); err != nil {
		log.Fatalf("flow demo: %v", err)
	}
}

// demoGraphs builds the example graphs the demo command registers. Between
// them they touch every node kind worth showing off: plain computes, a
// predicate gate, a mutate write-back and a recurring schedule.
func demoGraphs() ([]*graph.Graph, error) {
	greeting, err := graph.NewBuilder("greeting", "1.0.0").
		Add(graph.Input("name")).
		Add(graph.Compute("greet", graph.DependsOn("name"),
			func(ctx context.Context, vals graph.Values) (any, error) {
				return "Hello, " + vals.String("name"), nil
			})).
		WithExecutionIDPrefix("greet").
		Build()
	if err != nil {
		return nil, fmt.Errorf("build greeting: %w", err)
	}

	overForty := graph.NewPredicate("over_forty?", func(v graph.ValueView) bool {
		f, ok := v.Value.(float64)
		return v.Set() && ok && f > 40
	})
	alert, err := graph.NewBuilder("threshold-alert", "1.0.0").
		Add(graph.Input("x")).
		Add(graph.Input("y")).
		Add(graph.Compute("sum", graph.DependsOn("x", "y"),
			func(ctx context.Context, vals graph.Values) (any, error) {
				x, _ := vals.Float("x")
				y, _ := vals.Float("y")
				return x + y, nil
			})).
		Add(graph.Compute("alert", graph.When("sum", overForty),
			func(ctx context.Context, vals graph.Values) (any, error) {
				return "🚨", nil
			})).
		WithExecutionIDPrefix("alert").
		Build()
	if err != nil {
		return nil, fmt.Errorf("build threshold-alert: %w", err)
	}

	// The paw step flips the switch back off whenever someone turns it
	// on. The gate reads the same node the step writes, so forcing a
	// revision bump here would loop forever; the builder rejects that
	// combination.
	cycle, err := graph.NewBuilder("switch-cycle", "1.0.0").
		Add(graph.Input("switch")).
		Add(graph.Mutate("paw", graph.When("switch", graph.NewPredicate("on?",
			func(v graph.ValueView) bool {
				s, ok := v.Value.(string)
				return v.Set() && ok && s == "on"
			})),
			func(ctx context.Context, vals graph.Values) (any, error) {
				return "off", nil
			}, "switch")).
		WithExecutionIDPrefix("cycle").
		Build()
	if err != nil {
		return nil, fmt.Errorf("build switch-cycle: %w", err)
	}

	ticker, err := graph.NewBuilder("recurring-ticker", "1.0.0").
		Add(graph.TickRecurring("tick",
			func(ctx context.Context, vals graph.Values) (any, error) {
				return time.Now().Add(5 * time.Second).Unix(), nil
			})).
		Add(graph.Compute("log", graph.DependsOn("tick"),
			func(ctx context.Context, vals graph.Values) (any, error) {
				pulse, _ := vals.Float("tick")
				at := time.Unix(int64(pulse), 0).UTC().Format(time.RFC3339)
				slog.Info("Demo ticker fired", "pulse", at)
				return at, nil
			})).
		WithExecutionIDPrefix("tick").
		WithSingleton().
		Build()
	if err != nil {
		return nil, fmt.Errorf("build recurring-ticker: %w", err)
	}

	return []*graph.Graph{greeting, alert, cycle, ticker}, nil
}
