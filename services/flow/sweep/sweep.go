// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sweep runs the background passes that keep executions moving
// when no foreground trigger fires: reclaiming dead computations,
// re-advancing executions whose schedule pulses have arrived, regenerating
// recurring schedules, and nudging executions that have gone quiet.
//
// Every pass is idempotent and safe to run on every replica at once; the
// database claim protocol, not the sweep, decides who does the work. Each
// pass writes a sweep_runs audit row and honors a per-type minimum gap so
// a fleet of replicas converges on roughly one effective run per period.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/analytics"
	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/storage"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Sweep names. They appear as sweep_runs.sweep_type values, as the
// "sweep" metric attribute and in logs.
const (
	NameAbandoned = "abandoned_computations"
	NameSchedules = "schedule_nodes"
	NameUnblocked = "unblocked_by_schedule"
	NameRecurring = "regenerate_recurring"
	NameCatchall  = "missed_schedules_catchall"
	NameStalled   = "stalled_executions"
)

// Environment knobs.
const (
	EnvSweepPeriod  = "FLOW_SWEEP_PERIOD_SECONDS"
	EnvCatchallHour = "FLOW_CATCHALL_UTC_HOUR"
)

// Defaults. A zero Options field resolves to these in New.
const (
	DefaultPeriod             = 60 * time.Second
	DefaultCatchallHour       = 3
	DefaultCatchallGap        = 22 * time.Hour
	DefaultCatchallLookback   = 7 * 24 * time.Hour
	DefaultStalledAfter       = 10 * time.Minute
	DefaultStalledWindow      = 24 * time.Hour
	DefaultBatchLimit         = 500
	DefaultAdvanceConcurrency = 8

	startupJitterMin = 5 * time.Second
	startupJitterMax = 25 * time.Second
)

// sweepEnvNames maps sweep names to the fragment used in their
// FLOW_SWEEP_<FRAGMENT>_ENABLED toggle.
var sweepEnvNames = map[string]string{
	NameAbandoned: "ABANDONED",
	NameSchedules: "SCHEDULES",
	NameUnblocked: "UNBLOCKED",
	NameRecurring: "RECURRING",
	NameCatchall:  "CATCHALL",
	NameStalled:   "STALLED",
}

// cronParser is the standard 5-field parser; catchall expressions carry a
// CRON_TZ=UTC prefix so the preferred hour is a UTC hour.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Store is the slice of the persistence layer the sweeps need. It is
// satisfied by *storage.Store; tests substitute an in-memory fake.
type Store interface {
	BeginSweepRun(ctx context.Context, sweepType string, minInterval time.Duration) (*storage.SweepRun, bool, error)
	CompleteSweepRun(ctx context.Context, runID int64, processed int) error
	ReapExpiredComputations(ctx context.Context, limit int) ([]*storage.Computation, error)
	FindExecutionsWithPendingSchedules(ctx context.Context, limit int) ([]string, error)
	FindExecutionsUnblockedBySchedule(ctx context.Context, cutoff int64, limit int) ([]string, error)
	FindRecurringDue(ctx context.Context, limit int) ([]storage.NodeRef, error)
	FindMissedSchedules(ctx context.Context, lookback time.Duration, limit int) ([]string, error)
	FindStalledExecutions(ctx context.Context, olderThan, window time.Duration, limit int) ([]string, error)
	EnsurePending(ctx context.Context, executionID, node string, typ graph.NodeKind) (*storage.Computation, bool, error)
}

// Advancer re-derives and dispatches one execution. Satisfied by
// *scheduler.Scheduler.
type Advancer interface {
	Advance(ctx context.Context, executionID string) error
}

// Options tunes a Runner. The zero value resolves to the defaults above.
type Options struct {
	// Period is the shared ticker period for the non-catchall sweeps.
	Period time.Duration

	// MinInterval is the per-type audit throttle for ticker sweeps. Zero
	// resolves to Period minus one second, so a replica that just missed
	// another replica's run skips its own.
	MinInterval time.Duration

	// CatchallHour is the UTC hour of the daily missed-schedule catchall.
	CatchallHour int

	// CatchallGap throttles the catchall across replicas.
	CatchallGap time.Duration

	// CatchallLookback bounds how old a missed pulse can be and still be
	// rescued by the catchall.
	CatchallLookback time.Duration

	// StalledAfter and StalledWindow bound the stalled-execution sweep:
	// untouched for at least StalledAfter, but not longer than
	// StalledWindow.
	StalledAfter  time.Duration
	StalledWindow time.Duration

	// BatchLimit caps rows per finder query per pass.
	BatchLimit int

	// AdvanceConcurrency caps concurrent per-execution advances during
	// fan-out.
	AdvanceConcurrency int

	// Disabled lists sweep names that start disabled. SetEnabled flips
	// them at runtime.
	Disabled []string

	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Recorder *analytics.Recorder
}

// DefaultOptions reads tuning from the environment: the shared period,
// the catchall hour, and one FLOW_SWEEP_<NAME>_ENABLED toggle per sweep.
func DefaultOptions() Options {
	opts := Options{
		Period:       time.Duration(getEnvInt(EnvSweepPeriod, 60)) * time.Second,
		CatchallHour: getEnvInt(EnvCatchallHour, DefaultCatchallHour),
	}
	for name, frag := range sweepEnvNames {
		if !getEnvBool("FLOW_SWEEP_"+frag+"_ENABLED", true) {
			opts.Disabled = append(opts.Disabled, name)
		}
	}
	return opts
}

// Runner owns the sweep goroutines: one jittered ticker loop for the five
// periodic sweeps and one cron loop for the daily catchall.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Start may be called once;
//	Stop is idempotent.
type Runner struct {
	store    Store
	adv      Advancer
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	recorder *analytics.Recorder

	period           time.Duration
	minInterval      time.Duration
	catchallHour     int
	catchallGap      time.Duration
	catchallLookback time.Duration
	stalledAfter     time.Duration
	stalledWindow    time.Duration
	batchLimit       int
	advanceLimit     int

	mu      sync.Mutex
	enabled map[string]bool
	started bool

	// backlog caches the size of the last unblocked-by-schedule batch for
	// the schedule backlog gauge.
	backlog atomic.Int64

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// pass binds a sweep name to its implementation and audit gap.
type pass struct {
	name string
	gap  time.Duration
	run  func(context.Context) (int, error)
}

// New creates a Runner over the given store and advancer. Zero option
// fields resolve to package defaults.
func New(store Store, adv Advancer, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:            store,
		adv:              adv,
		logger:           logger.With("component", "flow_sweep"),
		metrics:          opts.Metrics,
		recorder:         opts.Recorder,
		period:           opts.Period,
		minInterval:      opts.MinInterval,
		catchallHour:     opts.CatchallHour,
		catchallGap:      opts.CatchallGap,
		catchallLookback: opts.CatchallLookback,
		stalledAfter:     opts.StalledAfter,
		stalledWindow:    opts.StalledWindow,
		batchLimit:       opts.BatchLimit,
		advanceLimit:     opts.AdvanceConcurrency,
		enabled:          make(map[string]bool, len(sweepEnvNames)),
	}
	if r.period <= 0 {
		r.period = DefaultPeriod
	}
	if r.minInterval <= 0 {
		r.minInterval = r.period - time.Second
		if r.minInterval <= 0 {
			r.minInterval = r.period
		}
	}
	if r.catchallHour < 0 || r.catchallHour > 23 {
		r.catchallHour = DefaultCatchallHour
	}
	if r.catchallGap <= 0 {
		r.catchallGap = DefaultCatchallGap
	}
	if r.catchallLookback <= 0 {
		r.catchallLookback = DefaultCatchallLookback
	}
	if r.stalledAfter <= 0 {
		r.stalledAfter = DefaultStalledAfter
	}
	if r.stalledWindow <= 0 {
		r.stalledWindow = DefaultStalledWindow
	}
	if r.batchLimit <= 0 {
		r.batchLimit = DefaultBatchLimit
	}
	if r.advanceLimit <= 0 {
		r.advanceLimit = DefaultAdvanceConcurrency
	}
	for name := range sweepEnvNames {
		r.enabled[name] = true
	}
	for _, name := range opts.Disabled {
		r.enabled[name] = false
	}
	return r
}

// passes lists every sweep with its audit gap, ticker sweeps first.
func (r *Runner) passes() []pass {
	return []pass{
		{NameAbandoned, r.minInterval, r.sweepAbandoned},
		{NameSchedules, r.minInterval, r.sweepScheduleNodes},
		{NameUnblocked, r.minInterval, r.sweepUnblocked},
		{NameRecurring, r.minInterval, r.sweepRecurring},
		{NameStalled, r.minInterval, r.sweepStalled},
		{NameCatchall, r.catchallGap, r.sweepCatchall},
	}
}

// Start launches the ticker and cron loops. The loops stop when ctx is
// cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		r.logger.Warn("sweep runner already started")
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runTicker(ctx)
	r.wg.Add(1)
	go r.runCatchallLoop(ctx)

	r.logger.Info("sweep runner started",
		"period", r.period.String(),
		"catchall_utc_hour", r.catchallHour)
}

// Stop cancels the loops and waits for an in-flight pass to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		r.wg.Wait()
		r.logger.Info("sweep runner stopped")
	})
}

// RunOnce drives a single named sweep immediately, bypassing the ticker
// and the enabled flag but not the per-type audit throttle. Returns the
// number of items the sweep processed; a throttled run processes zero.
func (r *Runner) RunOnce(ctx context.Context, name string) (int, error) {
	for _, p := range r.passes() {
		if p.name == name {
			return r.runSweep(ctx, p)
		}
	}
	return 0, fmt.Errorf("sweep %q: %w", name, ErrUnknownSweep)
}

// SetEnabled flips one sweep on or off at runtime. Unknown names are
// ignored with a warning so a stale config file cannot panic the runner.
func (r *Runner) SetEnabled(name string, enabled bool) {
	if _, ok := sweepEnvNames[name]; !ok {
		r.logger.Warn("unknown sweep in config", "sweep", name)
		return
	}
	r.mu.Lock()
	prev := r.enabled[name]
	r.enabled[name] = enabled
	r.mu.Unlock()
	if prev != enabled {
		r.logger.Info("sweep toggled", "sweep", name, "enabled", enabled)
	}
}

// Enabled reports whether a sweep currently runs on its trigger.
func (r *Runner) Enabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled[name]
}

// Backlog returns the size of the most recent unblocked-by-schedule
// batch. Feed it to telemetry.RegisterScheduleBacklog.
func (r *Runner) Backlog() int64 {
	return r.backlog.Load()
}

// runTicker runs the five periodic sweeps in order on every tick. The
// startup delay is jittered so replicas starting together spread out.
func (r *Runner) runTicker(ctx context.Context) {
	defer r.wg.Done()

	delay := startupJitterMin + time.Duration(rand.Int63n(int64(startupJitterMax-startupJitterMin)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	r.runTickerPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runTickerPass(ctx)
		}
	}
}

func (r *Runner) runTickerPass(ctx context.Context) {
	for _, p := range r.passes() {
		if p.name == NameCatchall {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if !r.Enabled(p.name) {
			continue
		}
		if _, err := r.runSweep(ctx, p); err != nil {
			r.logger.Error("sweep failed", "sweep", p.name, "error", err)
		}
	}
}

// runCatchallLoop fires the missed-schedule catchall at the preferred UTC
// hour once a day.
func (r *Runner) runCatchallLoop(ctx context.Context) {
	defer r.wg.Done()

	expr := fmt.Sprintf("CRON_TZ=UTC 0 %d * * *", r.catchallHour)
	sched, err := cronParser.Parse(expr)
	if err != nil {
		// The hour is range-checked in New; this is unreachable short of a
		// parser change.
		r.logger.Error("catchall schedule invalid", "expr", expr, "error", err)
		return
	}

	for {
		timer := time.NewTimer(time.Until(sched.Next(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if !r.Enabled(NameCatchall) {
				continue
			}
			p := pass{NameCatchall, r.catchallGap, r.sweepCatchall}
			if _, err := r.runSweep(ctx, p); err != nil {
				r.logger.Error("sweep failed", "sweep", NameCatchall, "error", err)
			}
		}
	}
}

// runSweep wraps one sweep invocation in its audit row, metrics and
// analytics. The audit row completes even when the sweep errors, with
// whatever count accumulated before the failure.
func (r *Runner) runSweep(ctx context.Context, p pass) (int, error) {
	run, ok, err := r.store.BeginSweepRun(ctx, p.name, p.gap)
	if err != nil {
		r.countRun(ctx, p.name, "error", 0, 0)
		return 0, fmt.Errorf("begin sweep %s: %w", p.name, err)
	}
	if !ok {
		r.logger.Debug("sweep throttled", "sweep", p.name)
		return 0, nil
	}

	start := time.Now()
	processed, sweepErr := p.run(ctx)
	elapsed := time.Since(start)

	if err := r.store.CompleteSweepRun(ctx, run.ID, processed); err != nil {
		r.logger.Error("complete sweep run failed", "sweep", p.name, "error", err)
	}

	status := "success"
	if sweepErr != nil {
		status = "error"
	}
	r.countRun(ctx, p.name, status, processed, elapsed)

	now := time.Now()
	run.CompletedAt = &now
	run.ExecutionsProcessed = processed
	r.recorder.RecordSweep(ctx, run)

	if processed > 0 {
		r.logger.Info("sweep completed", "sweep", p.name,
			"processed", processed, "duration_ms", elapsed.Milliseconds())
	} else {
		r.logger.Debug("sweep completed empty", "sweep", p.name,
			"duration_ms", elapsed.Milliseconds())
	}
	return processed, sweepErr
}

func (r *Runner) countRun(ctx context.Context, name, status string, processed int, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.SweepRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sweep", name),
		attribute.String("status", status)))
	r.metrics.SweepDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("sweep", name)))
	if processed > 0 {
		r.metrics.SweepItemsTotal.Add(ctx, int64(processed), metric.WithAttributes(
			attribute.String("sweep", name)))
	}
}

// advanceAll fans per-execution advances out over a bounded errgroup.
// Per-execution failures are logged and do not stop the batch; the return
// is the number of executions advanced cleanly.
func (r *Runner) advanceAll(ctx context.Context, sweep string, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	var advanced atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.advanceLimit)
	for _, id := range ids {
		g.Go(func() error {
			if err := r.adv.Advance(gctx, id); err != nil {
				r.logger.Error("sweep advance failed",
					"sweep", sweep, "execution_id", id, "error", err)
				return nil
			}
			advanced.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(advanced.Load())
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
