// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracer

import (
	"errors"
	"time"

	"github.com/AleutianAI/AleutianPulse/services/pulse/propagation"
)

// Sentinel errors for the tracer.
var (
	// ErrTraceNotFound indicates no trace with the given ID exists in
	// memory or in the record store.
	ErrTraceNotFound = errors.New("trace not found")

	// ErrTracerStopped indicates the tracer has been shut down.
	ErrTracerStopped = errors.New("tracer stopped")
)

// Status is a span's lifecycle state.
type Status string

const (
	// StatusStarted marks an in-flight span.
	StatusStarted Status = "started"

	// StatusCompleted marks a span that finished successfully.
	StatusCompleted Status = "completed"

	// StatusError marks a span that finished with an error.
	StatusError Status = "error"
)

// LogEntry is a timestamped structured log attached to a span.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// SpanData is the immutable snapshot of a finished span.
//
// Mutated only by its owning Span until Finish; after submission to
// the recorder it is never modified.
type SpanData struct {
	Context       propagation.TraceContext `json:"context"`
	OperationName string                   `json:"operation_name"`
	Component     string                   `json:"component,omitempty"`
	Service       string                   `json:"service,omitempty"`
	StartTime     time.Time                `json:"start_time"`
	EndTime       time.Time                `json:"end_time"`
	Duration      time.Duration            `json:"duration"`
	Status        Status                   `json:"status"`
	Tags          map[string]any           `json:"tags,omitempty"`
	Logs          []LogEntry               `json:"logs,omitempty"`
}

// TraceRecord is the stable persisted form of a trace (storage-agnostic).
type TraceRecord struct {
	TraceID   string        `json:"trace_id"`
	Spans     []SpanData    `json:"spans"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	SpanCount int           `json:"span_count"`
	Service   string        `json:"service,omitempty"`
}

// BuildTraceRecord assembles a TraceRecord from finished spans.
//
// Start/end times span the earliest start and latest end across all
// spans. The service is taken from the first span that names one.
func BuildTraceRecord(traceID string, spans []SpanData) TraceRecord {
	rec := TraceRecord{
		TraceID:   traceID,
		Spans:     spans,
		SpanCount: len(spans),
	}
	for _, s := range spans {
		if rec.StartTime.IsZero() || s.StartTime.Before(rec.StartTime) {
			rec.StartTime = s.StartTime
		}
		if s.EndTime.After(rec.EndTime) {
			rec.EndTime = s.EndTime
		}
		if rec.Service == "" && s.Service != "" {
			rec.Service = s.Service
		}
	}
	if !rec.StartTime.IsZero() && !rec.EndTime.IsZero() {
		rec.Duration = rec.EndTime.Sub(rec.StartTime)
	}
	return rec
}

// Query filters trace searches.
//
// Zero-value fields are ignored. Limit bounds the result set; a
// non-positive limit falls back to DefaultSearchLimit.
type Query struct {
	Service     string        `json:"service,omitempty" form:"service"`
	Operation   string        `json:"operation,omitempty" form:"operation"`
	Status      Status        `json:"status,omitempty" form:"status"`
	MinDuration time.Duration `json:"min_duration,omitempty" form:"min_duration"`
	MaxDuration time.Duration `json:"max_duration,omitempty" form:"max_duration"`
	Limit       int           `json:"limit,omitempty" form:"limit"`
}

// DefaultSearchLimit bounds searches that don't specify a limit.
const DefaultSearchLimit = 50

// Matches reports whether a trace record satisfies the query.
func (q Query) Matches(rec TraceRecord) bool {
	if q.Service != "" && rec.Service != q.Service {
		return false
	}
	if q.MinDuration > 0 && rec.Duration < q.MinDuration {
		return false
	}
	if q.MaxDuration > 0 && rec.Duration > q.MaxDuration {
		return false
	}
	if q.Operation != "" {
		found := false
		for _, s := range rec.Spans {
			if s.OperationName == q.Operation {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Status != "" {
		found := false
		for _, s := range rec.Spans {
			if s.Status == q.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RecordStore is the persistence collaborator for finished traces.
//
// Implementations must be safe for concurrent use. The tracer treats
// every error as retryable: failed saves are logged and the in-memory
// bucket is retained for the next sweep (at-least-once persistence).
type RecordStore interface {
	SaveTrace(rec TraceRecord) error
	GetTrace(traceID string) (TraceRecord, bool, error)
	SearchTraces(q Query, limit int) ([]TraceRecord, error)
	PurgeTracesBefore(cutoff time.Time) (int, error)
}
