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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/gate"
	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
)

func setView(node string, value any) graph.ValueView {
	now := time.Now().Unix()
	return graph.ValueView{Node: node, Kind: graph.KindInput, Value: value, SetTime: &now, Revision: 1}
}

func TestDemoGraphs(t *testing.T) {
	graphs, err := demoGraphs()
	require.NoError(t, err)
	require.Len(t, graphs, 4)

	names := make([]string, 0, len(graphs))
	for _, g := range graphs {
		names = append(names, g.Name)
		assert.Equal(t, "1.0.0", g.Version)
		assert.NotEmpty(t, g.Hash)
	}
	assert.Equal(t, []string{"greeting", "threshold-alert", "switch-cycle", "recurring-ticker"}, names)
}

func TestDemoGreeting(t *testing.T) {
	graphs, err := demoGraphs()
	require.NoError(t, err)
	g := graphs[0]

	assert.Equal(t, []string{"greet", "name"}, g.NodeNames())

	greet, ok := g.Node("greet")
	require.True(t, ok)
	out, err := greet.Compute(context.Background(), graph.Values{"name": setView("name", "Mario")})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Mario", out)
}

func TestDemoThresholdAlert(t *testing.T) {
	graphs, err := demoGraphs()
	require.NoError(t, err)
	g := graphs[1]

	sum, ok := g.Node("sum")
	require.True(t, ok)
	out, err := sum.Compute(context.Background(), graph.Values{
		"x": setView("x", float64(12)),
		"y": setView("y", float64(2)),
	})
	require.NoError(t, err)
	assert.Equal(t, float64(14), out)

	alert, ok := g.Node("alert")
	require.True(t, ok)

	r, err := gate.Evaluate(alert.GatedBy, map[string]graph.ValueView{"sum": setView("sum", float64(14))})
	require.NoError(t, err)
	assert.False(t, r.Ready, "14 is under the threshold")

	r, err = gate.Evaluate(alert.GatedBy, map[string]graph.ValueView{"sum": setView("sum", float64(49))})
	require.NoError(t, err)
	assert.True(t, r.Ready, "49 crosses the threshold")

	out, err = alert.Compute(context.Background(), graph.Values{"sum": setView("sum", float64(49))})
	require.NoError(t, err)
	assert.Equal(t, "🚨", out)
}

func TestDemoSwitchCycle(t *testing.T) {
	graphs, err := demoGraphs()
	require.NoError(t, err)
	g := graphs[2]

	paw, ok := g.Node("paw")
	require.True(t, ok)
	assert.Equal(t, graph.KindMutate, paw.Kind)
	assert.Equal(t, "switch", paw.Mutates)

	out, err := paw.Compute(context.Background(), graph.Values{"switch": setView("switch", "on")})
	require.NoError(t, err)
	assert.Equal(t, "off", out)

	// The gate only opens while the switch is on, so the write-back
	// settles instead of looping.
	r, err := gate.Evaluate(paw.GatedBy, map[string]graph.ValueView{"switch": setView("switch", "on")})
	require.NoError(t, err)
	assert.True(t, r.Ready)

	r, err = gate.Evaluate(paw.GatedBy, map[string]graph.ValueView{"switch": setView("switch", "off")})
	require.NoError(t, err)
	assert.False(t, r.Ready)
}

func TestDemoRecurringTicker(t *testing.T) {
	graphs, err := demoGraphs()
	require.NoError(t, err)
	g := graphs[3]

	assert.True(t, g.Singleton, "one live ticker execution is enough")

	tick, ok := g.Node("tick")
	require.True(t, ok)
	assert.Equal(t, graph.KindTickRecurring, tick.Kind)

	before := time.Now().Add(4 * time.Second).Unix()
	out, err := tick.Compute(context.Background(), nil)
	require.NoError(t, err)
	after := time.Now().Add(6 * time.Second).Unix()

	pulse, isInt := out.(int64)
	require.True(t, isInt)
	assert.GreaterOrEqual(t, pulse, before)
	assert.LessOrEqual(t, pulse, after)

	logNode, ok := g.Node("log")
	require.True(t, ok)
	stamp, err := logNode.Compute(context.Background(), graph.Values{"tick": setView("tick", float64(pulse))})
	require.NoError(t, err)
	assert.Equal(t, time.Unix(pulse, 0).UTC().Format(time.RFC3339), stamp)
}
