// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines extension points for the notebook server.
//
// The audit trail records every change the server makes to a notebook:
// opening, saving, closing and applying edits. The default NopAuditLogger
// discards events. MemoryAuditLogger keeps a bounded, queryable history
// and can mirror events to a slog logger.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Audit event types.
const (
	EventNotebookOpen  = "notebook.open"
	EventNotebookSave  = "notebook.save"
	EventNotebookClose = "notebook.close"
	EventCellsReplace  = "notebook.cells"
	EventEditApply     = "notebook.edit"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent records one change made to a notebook.
//
// Example:
//
//	event := AuditEvent{
//	    EventType: EventEditApply,
//	    SessionID: s.ID(),
//	    Path:      s.Path(),
//	    Outcome:   OutcomeSuccess,
//	    Metadata: map[string]any{
//	        "modified_cells": 2,
//	        "was_granular":   true,
//	    },
//	}
type AuditEvent struct {
	// EventType categorizes the event. Format: "category.action".
	EventType string `json:"event_type"`

	// Timestamp is when the event occurred. Set to time.Now().UTC() by
	// Log when zero.
	Timestamp time.Time `json:"timestamp"`

	// RequestID correlates the event with the HTTP request.
	RequestID string `json:"request_id,omitempty"`

	// SessionID identifies the notebook session.
	SessionID string `json:"session_id,omitempty"`

	// Path is the notebook file.
	Path string `json:"path,omitempty"`

	// Outcome is OutcomeSuccess or OutcomeFailure.
	Outcome string `json:"outcome"`

	// Error describes a failure.
	Error string `json:"error,omitempty"`

	// Metadata holds event-specific details.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditFilter selects events for Query. Zero fields match everything.
type AuditFilter struct {
	// EventTypes limits results to specific event types.
	EventTypes []string

	// SessionID limits results to one session.
	SessionID string

	// StartTime is the earliest event timestamp to include (inclusive).
	StartTime time.Time

	// Outcome limits results to one outcome.
	Outcome string

	// Limit is the maximum number of events to return. Zero means all.
	Limit int
}

func (f AuditFilter) matches(e AuditEvent) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if f.Outcome != "" && f.Outcome != e.Outcome {
		return false
	}
	return true
}

// AuditLogger records notebook changes.
type AuditLogger interface {
	// Log records an event. Implementations set Timestamp when zero and
	// must return quickly.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists buffered events. Call before shutdown.
	Flush(ctx context.Context) error
}

// =============================================================================
// NOP
// =============================================================================

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error { return nil }

// Query returns an empty slice.
func (l *NopAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(ctx context.Context) error { return nil }

// =============================================================================
// MEMORY
// =============================================================================

// DefaultAuditCapacity is the history kept by NewMemoryAuditLogger when
// capacity is not positive.
const DefaultAuditCapacity = 1000

// MemoryAuditLogger keeps the most recent events in a ring buffer.
//
// Thread Safety:
//
//	Safe for concurrent use.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
	next   int
	full   bool
	sink   *slog.Logger
}

// NewMemoryAuditLogger creates a logger that keeps capacity events. When
// sink is non-nil every event is also written to it at Info level.
func NewMemoryAuditLogger(capacity int, sink *slog.Logger) *MemoryAuditLogger {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &MemoryAuditLogger{events: make([]AuditEvent, capacity), sink: sink}
}

// Log stores the event, evicting the oldest when full.
func (l *MemoryAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.events[l.next] = event
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.InfoContext(ctx, "audit",
			slog.String("event_type", event.EventType),
			slog.String("session_id", event.SessionID),
			slog.String("path", event.Path),
			slog.String("outcome", event.Outcome),
			slog.String("request_id", event.RequestID),
			slog.Any("metadata", event.Metadata),
		)
	}
	return nil
}

// Query returns matching events, newest first.
func (l *MemoryAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.events)
	}
	out := []AuditEvent{}
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.events)) % len(l.events)
		e := l.events[idx]
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Flush is a no-op; events are stored synchronously.
func (l *MemoryAuditLogger) Flush(ctx context.Context) error { return nil }

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
