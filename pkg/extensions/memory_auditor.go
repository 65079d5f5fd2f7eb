// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultAuditCapacity is the event cap used when MemoryAuditLogger is
// created with a non-positive capacity.
const DefaultAuditCapacity = 1000

// MemoryAuditLogger is a bounded in-process AuditLogger.
//
// It keeps the most recent events in memory so operators can inspect
// what the engine has been asked to do without standing up a SIEM.
// When the buffer is full the oldest events are evicted. Nothing is
// persisted; a restart clears the trail.
//
// Intended for local deployments, debugging and tests. Compliance
// deployments need a durable enterprise implementation.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryAuditLogger struct {
	mu       sync.Mutex
	events   []AuditEvent
	capacity int
}

// NewMemoryAuditLogger creates a MemoryAuditLogger holding at most
// capacity events. A non-positive capacity uses DefaultAuditCapacity.
func NewMemoryAuditLogger(capacity int) *MemoryAuditLogger {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &MemoryAuditLogger{
		events:   make([]AuditEvent, 0, capacity),
		capacity: capacity,
	}
}

// Log records the event, evicting the oldest when at capacity.
func (l *MemoryAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.EventType == "" {
		return fmt.Errorf("audit event missing EventType")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.UserID == "" {
		event.UserID = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= l.capacity {
		l.events = l.events[1:]
	}
	l.events = append(l.events, event)
	return nil
}

// Query returns buffered events matching the filter, newest first.
func (l *MemoryAuditLogger) Query(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = l.capacity
	}

	matched := make([]AuditEvent, 0, limit)
	skipped := 0
	for i := len(l.events) - 1; i >= 0; i-- {
		event := l.events[i]
		if !matchesFilter(event, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		matched = append(matched, event)
		if len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

// Flush is a no-op; events are already in memory.
func (l *MemoryAuditLogger) Flush(_ context.Context) error {
	return nil
}

// Len returns the number of buffered events.
func (l *MemoryAuditLogger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// matchesFilter reports whether the event passes every set field of the
// filter.
func matchesFilter(event AuditEvent, filter AuditFilter) bool {
	if len(filter.EventTypes) > 0 {
		found := false
		for _, et := range filter.EventTypes {
			if event.EventType == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.UserID != "" && event.UserID != filter.UserID {
		return false
	}
	if filter.ResourceType != "" && event.ResourceType != filter.ResourceType {
		return false
	}
	if filter.ResourceID != "" && event.ResourceID != filter.ResourceID {
		return false
	}
	if filter.Outcome != "" && event.Outcome != filter.Outcome {
		return false
	}
	if !filter.StartTime.IsZero() && event.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && !event.Timestamp.Before(filter.EndTime) {
		return false
	}
	return true
}

// Compile-time interface compliance check.
var _ AuditLogger = (*MemoryAuditLogger)(nil)
