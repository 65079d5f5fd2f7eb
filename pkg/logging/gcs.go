// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures the GCS log exporter.
type GCSConfig struct {
	// Bucket is the destination bucket name. Required.
	Bucket string

	// Service names the emitting binary and becomes the first path
	// segment of every uploaded object. Default: "flow".
	Service string

	// Prefix is an optional path prefix ahead of the service segment,
	// for buckets shared across deployments.
	Prefix string

	// CredentialsFile points at a service account key. When empty the
	// client falls back to application default credentials.
	CredentialsFile string

	// FlushInterval is how often buffered entries are uploaded.
	// Default: 60s.
	FlushInterval time.Duration

	// MaxBuffer caps the in-memory entry buffer. When the buffer is
	// full the oldest entries are dropped; shipping logs must never
	// stall or bloat the process. Default: 10000.
	MaxBuffer int
}

// GCSExporter ships log entries to a Google Cloud Storage bucket as
// batched JSONL objects named
//
//	{prefix/}{service}/{YYYY}/{MM}/{DD}/{HHMMSS.nano}_{hostname}.jsonl
//
// Entries accumulate in memory and are uploaded on a timer, on Flush,
// and on Close. Export never touches the network.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type GCSExporter struct {
	client   *storage.Client
	config   GCSConfig
	hostname string

	mu      sync.Mutex
	entries []LogEntry
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// NewGCSExporter creates a GCSExporter and starts its background flush
// loop. The context governs client construction only, not the lifetime
// of the exporter.
func NewGCSExporter(ctx context.Context, config GCSConfig) (*GCSExporter, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("gcs exporter: bucket is required")
	}
	if config.Service == "" {
		config.Service = "flow"
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 60 * time.Second
	}
	if config.MaxBuffer <= 0 {
		config.MaxBuffer = 10000
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		if _, err := os.Stat(config.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("gcs exporter: credentials file not found at %s", config.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs exporter: create storage client: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	e := &GCSExporter{
		client:   client,
		config:   config,
		hostname: hostname,
		entries:  make([]LogEntry, 0, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go e.flushLoop()
	return e, nil
}

// Export buffers the entry for the next upload. When the buffer is at
// MaxBuffer the oldest entry is dropped to make room.
func (e *GCSExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("gcs exporter: closed")
	}
	if len(e.entries) >= e.config.MaxBuffer {
		e.entries = e.entries[1:]
	}
	e.entries = append(e.entries, entry)
	return nil
}

// Flush uploads all buffered entries as a single JSONL object. An empty
// buffer is a no-op.
func (e *GCSExporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	batch := e.entries
	e.entries = make([]LogEntry, 0, 256)
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	payload, err := marshalEntries(batch)
	if err != nil {
		return fmt.Errorf("gcs exporter: marshal batch: %w", err)
	}

	obj := e.client.Bucket(e.config.Bucket).Object(e.objectName(time.Now().UTC()))
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/x-ndjson"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(payload); err != nil {
		// The batch is lost; re-queuing it would reorder entries and
		// grow without bound on a dead uplink.
		_ = writer.Close()
		return fmt.Errorf("gcs exporter: write batch of %d entries: %w", len(batch), err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("gcs exporter: close object writer: %w", err)
	}
	return nil
}

// Close stops the flush loop, uploads whatever is buffered and closes
// the storage client. Safe to call more than once.
func (e *GCSExporter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stop)
	<-e.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	flushErr := e.Flush(ctx)

	if err := e.client.Close(); err != nil {
		return fmt.Errorf("gcs exporter: close client: %w", err)
	}
	return flushErr
}

// flushLoop uploads on a timer until stopped.
func (e *GCSExporter) flushLoop() {
	defer close(e.done)
	ticker := time.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = e.Flush(ctx)
			cancel()
		case <-e.stop:
			return
		}
	}
}

// objectName builds the dated object path for a batch uploaded at ts.
func (e *GCSExporter) objectName(ts time.Time) string {
	name := fmt.Sprintf("%s/%s/%s_%s.jsonl",
		e.config.Service,
		ts.Format("2006/01/02"),
		ts.Format("150405.000000000"),
		e.hostname,
	)
	if e.config.Prefix != "" {
		name = e.config.Prefix + "/" + name
	}
	return name
}

// wireEntry is the JSON shape of one exported log line.
type wireEntry struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Service   string         `json:"service"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// marshalEntries renders a batch as newline-delimited JSON.
func marshalEntries(batch []LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range batch {
		we := wireEntry{
			Timestamp: entry.Timestamp,
			Level:     entry.Level.String(),
			Message:   entry.Message,
			Service:   entry.Service,
			Attrs:     entry.Attrs,
		}
		if err := enc.Encode(we); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

var _ LogExporter = (*GCSExporter)(nil)
