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
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/services/flow/sweep"
)

// ServiceConfig is everything the serve command needs. Defaults come from
// FLOW_* environment variables; a YAML file given with --config overlays
// them field by field. The license key (FLOW_LICENSE_KEY), analytics sink
// (FLOW_INFLUX_*) and OTel exporters (OTEL_*) are read by their own
// packages and deliberately have no fields here.
type ServiceConfig struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string `yaml:"database_url" validate:"required"`

	// DBMaxConns caps the pgx connection pool.
	DBMaxConns int32 `yaml:"db_max_conns" validate:"gte=1,lte=1000"`

	// Port is the HTTP API port.
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// LogLevel is the minimum log level: debug, info, warn or error.
	// Reloadable while serving.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	// LogGCSBucket ships logs to a GCS bucket when set.
	LogGCSBucket string `yaml:"log_gcs_bucket"`

	// SweepPeriodSeconds is the shared ticker period for the periodic
	// sweeps.
	SweepPeriodSeconds int `yaml:"sweep_period_seconds" validate:"gte=1,lte=3600"`

	// SweepMinIntervalSeconds is the floor between two runs of one sweep
	// type, enforced against the persisted run audit so restarts and
	// replicas share it. Zero derives the floor from the period.
	SweepMinIntervalSeconds int `yaml:"sweep_min_interval_seconds" validate:"gte=0,lte=3600"`

	// CatchallUTCHour is the UTC hour of the daily missed-schedule
	// catchall.
	CatchallUTCHour int `yaml:"catchall_utc_hour" validate:"gte=0,lte=23"`

	// MaxConcurrent caps concurrently claimed computations in this
	// process. Zero means unbounded.
	MaxConcurrent int `yaml:"max_concurrent_computations" validate:"gte=0"`

	// SweepsDisabled lists sweeps that start disabled. Reloadable while
	// serving.
	SweepsDisabled []string `yaml:"sweeps_disabled" validate:"dive,oneof=abandoned_computations schedule_nodes unblocked_by_schedule regenerate_recurring missed_schedules_catchall stalled_executions"`
}

// sweepNames lists every sweep the runner knows, in display order.
var sweepNames = []string{
	sweep.NameAbandoned,
	sweep.NameSchedules,
	sweep.NameUnblocked,
	sweep.NameRecurring,
	sweep.NameCatchall,
	sweep.NameStalled,
}

// sweepToggleEnv maps sweep names to their FLOW_SWEEP_<NAME>_ENABLED
// environment toggles.
var sweepToggleEnv = map[string]string{
	sweep.NameAbandoned: "FLOW_SWEEP_ABANDONED_ENABLED",
	sweep.NameSchedules: "FLOW_SWEEP_SCHEDULES_ENABLED",
	sweep.NameUnblocked: "FLOW_SWEEP_UNBLOCKED_ENABLED",
	sweep.NameRecurring: "FLOW_SWEEP_RECURRING_ENABLED",
	sweep.NameCatchall:  "FLOW_SWEEP_CATCHALL_ENABLED",
	sweep.NameStalled:   "FLOW_SWEEP_STALLED_ENABLED",
}

// DefaultServiceConfig builds a configuration from the environment.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DatabaseURL:             getEnvOr("FLOW_DATABASE_URL", "postgres://localhost:5432/flow?sslmode=disable"),
		DBMaxConns:              int32(getEnvOrInt("FLOW_DB_MAX_CONNS", 8)),
		Port:                    getEnvOrInt("FLOW_PORT", 8080),
		LogLevel:                getEnvOr("FLOW_LOG_LEVEL", "info"),
		LogDir:                  os.Getenv("FLOW_LOG_DIR"),
		LogGCSBucket:            os.Getenv("FLOW_LOG_GCS_BUCKET"),
		SweepPeriodSeconds:      getEnvOrInt("FLOW_SWEEP_PERIOD_SECONDS", 60),
		SweepMinIntervalSeconds: getEnvOrInt("FLOW_SWEEP_MIN_INTERVAL_SECONDS", 0),
		CatchallUTCHour:         getEnvOrInt("FLOW_CATCHALL_UTC_HOUR", 3),
		MaxConcurrent:           getEnvOrInt("FLOW_MAX_CONCURRENT_COMPUTATIONS", 0),
		SweepsDisabled:          envDisabledSweeps(),
	}
}

// LoadServiceConfig reads the config: environment defaults, then the YAML
// file when path is non-empty, then validation. A config that fails
// validation is returned as an error rather than half-applied.
func LoadServiceConfig(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return ServiceConfig{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

var configValidate = validator.New()

// Validate checks the struct tags and wraps the validator's field errors.
func (c ServiceConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// envDisabledSweeps reads the per-sweep enable toggles. Unset toggles
// leave the sweep enabled.
func envDisabledSweeps() []string {
	var disabled []string
	for _, name := range sweepNames {
		v, ok := os.LookupEnv(sweepToggleEnv[name])
		if !ok {
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil && !b {
			disabled = append(disabled, name)
		}
	}
	return disabled
}

// watchServiceConfig re-reads the config file whenever it changes and
// hands the parsed result to apply. Editors and configmap mounts replace
// files rather than writing in place, so the watch is on the directory
// and events are filtered by name. The returned stop function is
// idempotent.
func watchServiceConfig(ctx context.Context, path string, logger *slog.Logger, apply func(ServiceConfig)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(path)
	done := make(chan struct{})

	go func() {
		// A save fires several events in a row; the timer collapses them
		// into one reload.
		var reload <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				reload = time.After(200 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watch error", "error", err)
			case <-reload:
				reload = nil
				next, err := LoadServiceConfig(path)
				if err != nil {
					logger.Warn("Config reload rejected, keeping previous", "error", err)
					continue
				}
				logger.Info("Configuration reloaded", "path", path)
				apply(next)
			}
		}
	}()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(done)
			watcher.Close()
		})
	}
	return stop, nil
}

// getEnvOr returns the environment variable value or a default.
func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvOrInt returns the environment variable as int or a default.
// Unparseable values fall back rather than fail; validation catches
// out-of-range results.
func getEnvOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
