// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/scheduler"
	"github.com/AleutianAI/AleutianFlow/services/flow/storage"
	"github.com/AleutianAI/AleutianFlow/services/flow/sweep"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The tests in this file drive the whole engine end to end: real storage,
// real scheduler workers, real sweeps, one shared database. They skip
// unless FLOW_TEST_DATABASE_URL is set. Isolation comes from unique graph
// names per test, never from truncation, so the suite is safe to run
// against a database other suites are using at the same time.

var (
	scnPoolOnce sync.Once
	scnPool     *pgxpool.Pool
	scnPoolErr  error
)

type engine struct {
	pool   *pgxpool.Pool
	svc    *Service
	sweeps *sweep.Runner
}

// newEngine wires a full engine stack on the shared test pool. Sweeps are
// driven with RunOnce, never started; MinInterval of a millisecond keeps
// the audit throttle from skipping runs when other suites share the
// sweep_runs table.
func newEngine(t *testing.T) *engine {
	t.Helper()

	url := os.Getenv("FLOW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FLOW_TEST_DATABASE_URL not set; skipping engine scenario tests")
	}

	scnPoolOnce.Do(func() {
		ctx := context.Background()
		scnPool, scnPoolErr = storage.Connect(ctx, url, 8)
		if scnPoolErr != nil {
			return
		}
		scnPoolErr = storage.InitSchema(ctx, scnPool)
	})
	if scnPoolErr != nil {
		t.Fatalf("test database setup failed: %v", scnPoolErr)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.New(scnPool, logger)
	catalog := graph.NewCatalog()
	sched := scheduler.New(store, catalog, scheduler.Options{
		MaxConcurrent: 8,
		Logger:        logger,
	})
	svc := NewService(store, catalog, sched, logger)
	runner := sweep.New(store, sched, sweep.Options{
		Period:             2 * time.Second,
		MinInterval:        time.Millisecond,
		BatchLimit:         500,
		AdvanceConcurrency: 4,
		Logger:             logger,
	})
	return &engine{pool: scnPool, svc: svc, sweeps: runner}
}

func scenarioName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func TestScenarioLinearGreeting(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	name := scenarioName("scn-greeting")
	g, err := graph.NewBuilder(name, "1.0.0").
		Add(graph.Input("name")).
		Add(graph.Compute("greet", graph.DependsOn("name"),
			func(_ context.Context, vals graph.Values) (any, error) {
				return "Hello, " + vals.String("name"), nil
			})).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := eng.svc.RegisterGraph(g); err != nil {
		t.Fatalf("RegisterGraph failed: %v", err)
	}

	exec, err := eng.svc.StartExecution(ctx, name, "1.0.0")
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if exec.Revision != 1 {
		t.Errorf("revision at start = %d, want 1", exec.Revision)
	}

	after, err := eng.svc.Set(ctx, exec.ID, "name", "Mario")
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if after.Revision != 2 {
		t.Errorf("revision after set = %d, want 2", after.Revision)
	}

	res, err := eng.svc.Get(ctx, exec.ID, "greet", WaitAny(), WithTimeout(20*time.Second))
	if err != nil {
		t.Fatalf("Get(greet) failed: %v", err)
	}
	if res.Value != "Hello, Mario" {
		t.Errorf("greet = %v, want Hello, Mario", res.Value)
	}
	if res.Revision != 3 {
		t.Errorf("greet revision = %d, want 3", res.Revision)
	}
	if len(res.Metadata) != 0 {
		t.Errorf("greet metadata = %v, want empty", res.Metadata)
	}
}

func TestScenarioConditionalAlert(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	overForty := graph.NewPredicate("over_forty?", func(v graph.ValueView) bool {
		f, ok := v.Value.(float64)
		return v.Set() && ok && f > 40
	})

	name := scenarioName("scn-alert")
	g, err := graph.NewBuilder(name, "1.0.0").
		Add(graph.Input("x")).
		Add(graph.Input("y")).
		Add(graph.Compute("sum", graph.DependsOn("x", "y"),
			func(_ context.Context, vals graph.Values) (any, error) {
				x, _ := vals.Float("x")
				y, _ := vals.Float("y")
				return x + y, nil
			})).
		Add(graph.Compute("alert", graph.When("sum", overForty),
			func(_ context.Context, _ graph.Values) (any, error) {
				return "🚨", nil
			})).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := eng.svc.RegisterGraph(g); err != nil {
		t.Fatalf("RegisterGraph failed: %v", err)
	}

	exec, err := eng.svc.StartExecution(ctx, name, "1.0.0")
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	// Below the threshold the sum lands but the alert gate holds.
	if _, err := eng.svc.SetMany(ctx, exec.ID, map[string]any{"x": 12, "y": 2}); err != nil {
		t.Fatalf("SetMany failed: %v", err)
	}
	res, err := eng.svc.Get(ctx, exec.ID, "sum", WaitAny(), WithTimeout(20*time.Second))
	if err != nil {
		t.Fatalf("Get(sum) failed: %v", err)
	}
	if res.Value != 14.0 {
		t.Errorf("sum = %v, want 14", res.Value)
	}
	if _, err := eng.svc.Get(ctx, exec.ID, "alert"); !errors.Is(err, ErrNotSet) {
		t.Errorf("Get(alert) below threshold: err = %v, want ErrNotSet", err)
	}

	// Crossing the threshold recomputes the sum and fires the alert.
	if _, err := eng.svc.Set(ctx, exec.ID, "y", 37); err != nil {
		t.Fatalf("Set(y) failed: %v", err)
	}
	res, err = eng.svc.Get(ctx, exec.ID, "alert", WaitAny(), WithTimeout(20*time.Second))
	if err != nil {
		t.Fatalf("Get(alert) failed: %v", err)
	}
	if res.Value != "🚨" {
		t.Errorf("alert = %v, want the alarm marker", res.Value)
	}
	sum, err := eng.svc.Get(ctx, exec.ID, "sum")
	if err != nil {
		t.Fatalf("Get(sum) after recompute failed: %v", err)
	}
	if sum.Value != 49.0 {
		t.Errorf("recomputed sum = %v, want 49", sum.Value)
	}
}

func TestScenarioMutateWriteback(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	isOn := graph.NewPredicate("on?", func(v graph.ValueView) bool {
		s, ok := v.Value.(string)
		return v.Set() && ok && s == "on"
	})
	flip := func(_ context.Context, _ graph.Values) (any, error) {
		return "off", nil
	}

	name := scenarioName("scn-switch")
	g, err := graph.NewBuilder(name, "1.0.0").
		Add(graph.Input("switch")).
		Add(graph.Mutate("paw", graph.When("switch", isOn), flip, "switch")).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := eng.svc.RegisterGraph(g); err != nil {
		t.Fatalf("RegisterGraph failed: %v", err)
	}

	exec, err := eng.svc.StartExecution(ctx, name, "1.0.0")
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if _, err := eng.svc.Set(ctx, exec.ID, "switch", "on"); err != nil {
		t.Fatalf("Set(switch) failed: %v", err)
	}

	// The mutation writes the target and its own marker in one bump.
	res, err := eng.svc.Get(ctx, exec.ID, "switch", WaitForRevision(3), WithTimeout(20*time.Second))
	if err != nil {
		t.Fatalf("Get(switch) failed: %v", err)
	}
	if res.Value != "off" {
		t.Errorf("switch = %v, want off", res.Value)
	}
	if res.Revision != 3 {
		t.Errorf("switch revision = %d, want 3", res.Revision)
	}
	paw, err := eng.svc.Get(ctx, exec.ID, "paw", WaitAny(), WithTimeout(20*time.Second))
	if err != nil {
		t.Fatalf("Get(paw) failed: %v", err)
	}
	if paw.Value != "updated switch" {
		t.Errorf("paw = %v, want updated switch", paw.Value)
	}

	// The same shape with a revision-bumping mutation would ping-pong
	// forever, so the builder refuses it outright.
	_, err = graph.NewBuilder(scenarioName("scn-switch-loop"), "1.0.0").
		Add(graph.Input("switch")).
		Add(graph.Mutate("paw", graph.When("switch", isOn), flip, "switch").
			WithUpdateRevisionOnChange()).
		Build()
	if !errors.Is(err, graph.ErrMutateRevisionCycle) {
		t.Errorf("Build with bumping writeback: err = %v, want ErrMutateRevisionCycle", err)
	}
}

func TestScenarioAbandonedRetry(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	var attempts atomic.Int32

	// The first attempt hangs like a worker that died mid-compute; the
	// retry after the reap succeeds.
	work := func(fnCtx context.Context, _ graph.Values) (any, error) {
		if attempts.Add(1) == 1 {
			close(started)
			select {
			case <-fnCtx.Done():
			case <-release:
			}
			return nil, errors.New("worker lost")
		}
		return "recovered", nil
	}

	name := scenarioName("scn-crash")
	g, err := graph.NewBuilder(name, "1.0.0").
		Add(graph.Input("job")).
		Add(graph.Compute("work", graph.DependsOn("job"), work)).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := eng.svc.RegisterGraph(g); err != nil {
		t.Fatalf("RegisterGraph failed: %v", err)
	}

	exec, err := eng.svc.StartExecution(ctx, name, "1.0.0")
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if _, err := eng.svc.Set(ctx, exec.ID, "job", "payload"); err != nil {
		t.Fatalf("Set(job) failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("first attempt never started")
	}

	// Expire the claim's liveness windows instead of waiting out the real
	// heartbeat timeout.
	tag, err := eng.pool.Exec(ctx, `
		UPDATE flow_computations
		SET deadline = now() - interval '1 minute',
		    heartbeat_deadline = now() - interval '1 minute'
		WHERE execution_id = $1 AND node_name = 'work' AND state = 'computing'`,
		exec.ID)
	if err != nil {
		t.Fatalf("expire claim failed: %v", err)
	}
	if tag.RowsAffected() != 1 {
		t.Fatalf("expire claim touched %d rows, want 1", tag.RowsAffected())
	}

	if _, err := eng.sweeps.RunOnce(ctx, sweep.NameAbandoned); err != nil {
		t.Fatalf("abandoned sweep failed: %v", err)
	}
	// The sweep advances the executions it reaped itself; one more manual
	// advance covers the row having been reaped by a concurrent suite
	// sharing the database.
	if err := eng.svc.Advance(ctx, exec.ID); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	res, err := eng.svc.Get(ctx, exec.ID, "work", WaitAny(), WithTimeout(20*time.Second))
	if err != nil {
		t.Fatalf("Get(work) failed: %v", err)
	}
	if res.Value != "recovered" {
		t.Errorf("work = %v, want recovered", res.Value)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}

	comps, err := eng.svc.History(ctx, exec.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	abandoned := 0
	for _, c := range comps {
		if c.NodeName == "work" && c.State == storage.StateAbandoned {
			abandoned++
		}
	}
	if abandoned != 1 {
		t.Errorf("abandoned attempts for work = %d, want 1", abandoned)
	}
}

func TestScenarioRecurringPulse(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	var pulses atomic.Int32
	tick := func(_ context.Context, _ graph.Values) (any, error) {
		pulses.Add(1)
		return time.Now().Add(time.Second).Unix(), nil
	}
	logStep := func(_ context.Context, vals graph.Values) (any, error) {
		pulse, _ := vals.Float("tick")
		return pulse, nil
	}

	name := scenarioName("scn-ticker")
	g, err := graph.NewBuilder(name, "1.0.0").
		Add(graph.TickRecurring("tick", tick)).
		Add(graph.Compute("log", graph.DependsOn("tick"), logStep)).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := eng.svc.RegisterGraph(g); err != nil {
		t.Fatalf("RegisterGraph failed: %v", err)
	}

	exec, err := eng.svc.StartExecution(ctx, name, "1.0.0")
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	// The schedule node computes its pulse right away.
	first, err := eng.svc.Get(ctx, exec.ID, "tick", WaitAny(), WithTimeout(20*time.Second))
	if err != nil {
		t.Fatalf("Get(tick) failed: %v", err)
	}

	// A future pulse gates the dependent step until it lapses.
	if _, err := eng.svc.Get(ctx, exec.ID, "log"); !errors.Is(err, ErrNotSet) {
		t.Errorf("Get(log) before pulse: err = %v, want ErrNotSet", err)
	}

	time.Sleep(1500 * time.Millisecond)
	if _, err := eng.sweeps.RunOnce(ctx, sweep.NameUnblocked); err != nil {
		t.Fatalf("unblocked sweep failed: %v", err)
	}
	if _, err := eng.svc.Get(ctx, exec.ID, "log", WaitAny(), WithTimeout(20*time.Second)); err != nil {
		t.Fatalf("Get(log) after pulse failed: %v", err)
	}

	// The lapsed pulse has no open successor, so the regeneration sweep
	// reopens the node and the next cycle computes a fresh pulse.
	if _, err := eng.sweeps.RunOnce(ctx, sweep.NameRecurring); err != nil {
		t.Fatalf("recurring sweep failed: %v", err)
	}
	second, err := eng.svc.Get(ctx, exec.ID, "tick",
		WaitForRevision(first.Revision+1), WithTimeout(20*time.Second))
	if err != nil {
		t.Fatalf("Get(tick) second cycle failed: %v", err)
	}
	if second.Value == first.Value {
		t.Errorf("second pulse %v equals first, want a later pulse", second.Value)
	}
	if got := pulses.Load(); got < 2 {
		t.Errorf("pulses = %d, want at least 2", got)
	}

	comps, err := eng.svc.History(ctx, exec.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	cycles := 0
	for _, c := range comps {
		if c.NodeName == "tick" && c.State == storage.StateSuccess {
			cycles++
		}
	}
	if cycles < 2 {
		t.Errorf("successful tick cycles = %d, want at least 2", cycles)
	}
}

func TestScenarioUnsetInvalidates(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	name := scenarioName("scn-unset")
	g, err := graph.NewBuilder(name, "1.0.0").
		Add(graph.Input("name")).
		Add(graph.Compute("greet", graph.DependsOn("name"),
			func(_ context.Context, vals graph.Values) (any, error) {
				return "Hello, " + vals.String("name"), nil
			})).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := eng.svc.RegisterGraph(g); err != nil {
		t.Fatalf("RegisterGraph failed: %v", err)
	}

	exec, err := eng.svc.StartExecution(ctx, name, "1.0.0")
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if _, err := eng.svc.Set(ctx, exec.ID, "name", "Mario"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := eng.svc.Get(ctx, exec.ID, "greet", WaitAny(), WithTimeout(20*time.Second)); err != nil {
		t.Fatalf("Get(greet) failed: %v", err)
	}

	// Unset clears the input and its downstream step in one bump, so the
	// stale greeting is gone the moment Unset returns.
	if _, err := eng.svc.Unset(ctx, exec.ID, "name"); err != nil {
		t.Fatalf("Unset failed: %v", err)
	}
	if _, err := eng.svc.Get(ctx, exec.ID, "greet"); !errors.Is(err, ErrNotSet) {
		t.Errorf("Get(greet) after unset: err = %v, want ErrNotSet", err)
	}
	vals, err := eng.svc.ValuesAll(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ValuesAll failed: %v", err)
	}
	if vals["name"].Set() {
		t.Error("name still set after unset")
	}
	if vals["greet"].Set() {
		t.Error("greet still set after unset")
	}

	// A fresh input recomputes the step.
	if _, err := eng.svc.Set(ctx, exec.ID, "name", "Peach"); err != nil {
		t.Fatalf("Set after unset failed: %v", err)
	}
	res, err := eng.svc.Get(ctx, exec.ID, "greet", WaitAny(), WithTimeout(20*time.Second))
	if err != nil {
		t.Fatalf("Get(greet) after re-set failed: %v", err)
	}
	if res.Value != "Hello, Peach" {
		t.Errorf("greet = %v, want Hello, Peach", res.Value)
	}
}
