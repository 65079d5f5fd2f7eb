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
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianFlow/pkg/extensions"
	"github.com/AleutianAI/AleutianFlow/pkg/license"
	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/services/flow"
	"github.com/AleutianAI/AleutianFlow/services/flow/analytics"
	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/scheduler"
	"github.com/AleutianAI/AleutianFlow/services/flow/storage"
	"github.com/AleutianAI/AleutianFlow/services/flow/sweep"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

func runServe(cmd *cobra.Command, args []string) {
	if err := serve(nil, autoMigrate); err != nil {
		log.Fatalf("flow serve: %v", err)
	}
}

// serve runs the full service until SIGINT or SIGTERM: HTTP API,
// scheduler, sweeps, telemetry. The graphs argument carries the demo
// command's example graphs; production deployments embed the flow
// packages as a library and register graphs in their own binary.
func serve(graphs []*graph.Graph, migrate bool) error {
	cfg, err := LoadServiceConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := buildLogger(ctx, cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	slogger := logger.Slog()

	// The license never blocks startup. A bad or expired key degrades to
	// the community tier with a warning.
	lic, err := license.FromEnv()
	if err != nil {
		logger.Warn("Invalid license key, running community tier", "error", err)
		lic = license.Community()
	}
	if lic.Expired(time.Now()) {
		logger.Warn("License expired, running community tier",
			"license_id", lic.ID(), "expired_at", lic.ExpiresAt())
	}
	logger.Info("Starting flow service",
		"version", version,
		"tier", string(lic.EffectiveTier(time.Now())),
		"port", cfg.Port,
	)
	defer license.PurgeSecrets()
	defer lic.Destroy()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.AllowDegraded = true
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("Telemetry shutdown incomplete", "error", err)
		}
	}()

	pool, err := storage.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	store := storage.New(pool, slogger)
	defer store.Close()

	if migrate {
		if err := storage.InitSchema(ctx, pool); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
		logger.Info("Schema ready")
	}

	meter := otel.Meter("flow")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		logger.Warn("Metrics unavailable, continuing without", "error", err)
		metrics = nil
	}

	recorder := analytics.New(analytics.FromEnv(), slogger)
	defer recorder.Close()
	if recorder != nil {
		if err := recorder.Ping(ctx); err != nil {
			logger.Warn("Analytics sink unreachable, recording anyway", "error", err)
		}
	}

	catalog := graph.NewCatalog()
	sched := scheduler.New(store, catalog, scheduler.Options{
		MaxConcurrent: int64(cfg.MaxConcurrent),
		Logger:        slogger,
		Metrics:       metrics,
		Recorder:      recorder,
	})
	svc := flow.NewService(store, catalog, sched, slogger)
	for _, g := range graphs {
		if err := svc.RegisterGraph(g); err != nil {
			return fmt.Errorf("register graph %s@%s: %w", g.Name, g.Version, err)
		}
		logger.Info("Graph registered", "graph", g.Name, "version", g.Version)
	}

	runner := sweep.New(store, sched, sweep.Options{
		Period:       time.Duration(cfg.SweepPeriodSeconds) * time.Second,
		MinInterval:  time.Duration(cfg.SweepMinIntervalSeconds) * time.Second,
		CatchallHour: cfg.CatchallUTCHour,
		Disabled:     cfg.SweepsDisabled,
		Logger:       slogger,
		Metrics:      metrics,
		Recorder:     recorder,
	})
	runner.Start(ctx)
	defer runner.Stop()

	if metrics != nil {
		if _, err := metrics.RegisterScheduleBacklog(meter, runner.Backlog); err != nil {
			logger.Warn("Schedule backlog gauge unavailable", "error", err)
		}
	}

	// Open source extension points: everyone is local-operator, audit
	// events land in a bounded in-memory ring served by /v1/flow/audit.
	exts := extensions.DefaultOptions().
		WithAudit(extensions.NewMemoryAuditLogger(0))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(tcfg.ServiceName))
	handlers := flow.NewHandlers(svc).
		WithPinger(pool.Ping).
		WithExtensions(exts)
	v1 := router.Group("/v1",
		flow.AuthMiddleware(exts, slogger),
		flow.AuditMiddleware(exts, slogger),
	)
	flow.RegisterRoutes(v1, handlers)

	stopMetricsServer := serveMetrics(tcfg.PrometheusPort, logger)
	defer stopMetricsServer()

	if configPath != "" {
		stopWatch, err := watchServiceConfig(ctx, configPath, slogger, func(next ServiceConfig) {
			applyReload(runner, logger, next)
		})
		if err != nil {
			logger.Warn("Config hot reload unavailable", "error", err)
		} else {
			defer stopWatch()
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Flow API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	runner.Stop()
	sched.Wait()
	logger.Info("Flow service stopped")
	return nil
}

// buildLogger assembles the process logger: text to a terminal, JSON to
// anything else, optional file logs and optional GCS shipping. A bucket
// that cannot be reached degrades to local-only logging.
func buildLogger(ctx context.Context, cfg ServiceConfig) (*logging.Logger, error) {
	logCfg := logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "flow",
		JSON:    !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()),
	}
	if cfg.LogGCSBucket != "" {
		exporter, err := logging.NewGCSExporter(ctx, logging.GCSConfig{
			Bucket:  cfg.LogGCSBucket,
			Service: "flow",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "flow: GCS log shipping disabled: %v\n", err)
		} else {
			logCfg.Exporter = exporter
		}
	}
	return logging.New(logCfg), nil
}

// applyReload pushes the reloadable config fields into the running
// service: the log level and the sweep toggles. Everything else needs a
// restart.
func applyReload(runner *sweep.Runner, logger *logging.Logger, cfg ServiceConfig) {
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	disabled := make(map[string]bool, len(cfg.SweepsDisabled))
	for _, name := range cfg.SweepsDisabled {
		disabled[name] = true
	}
	for _, name := range sweepNames {
		runner.SetEnabled(name, !disabled[name])
	}
	logger.Info("Applied reloaded configuration",
		"log_level", cfg.LogLevel,
		"sweeps_disabled", cfg.SweepsDisabled,
	)
}

// serveMetrics exposes /metrics on the telemetry port when the
// Prometheus exporter is active. The returned stop function shuts the
// listener down.
func serveMetrics(port int, logger *logging.Logger) func() {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", "error", err)
		}
	}()
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
}
