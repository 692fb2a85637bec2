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
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPulse/services/pulse/propagation"
)

// Span is a timed unit of work within a trace.
//
// Two variants exist: an active span owned by the Tracer, and a no-op
// span returned when tracing is disabled or the operation was sampled
// out. Callers never branch on the variant; every method is safe on
// both.
type Span interface {
	// Context returns the span's trace context. Valid on both
	// variants so propagation keeps working for sampled-out calls.
	Context() propagation.TraceContext

	// SetTag attaches a key-value tag.
	SetTag(key string, value any)

	// LogFields appends a timestamped structured log entry.
	LogFields(message string, fields map[string]any)

	// SetStatus overrides the terminal status ahead of Finish.
	SetStatus(status Status)

	// SetError marks the span failed and records the error message.
	// A nil error is ignored.
	SetError(err error)

	// Finish transitions the span to its terminal state and submits
	// it to the recorder exactly once. A second Finish is a no-op.
	Finish()

	// IsRecording reports whether the span is actually recorded.
	IsRecording() bool
}

// activeSpan is the recorded Span variant.
//
// Mutable state is guarded by mu; the owning goroutine typically calls
// SetTag/LogFields, but the shutdown drain may race a force-finish
// against a late Finish.
type activeSpan struct {
	tracer *Tracer

	mu       sync.Mutex
	data     SpanData
	finished bool
}

func (s *activeSpan) Context() propagation.TraceContext {
	return s.data.Context
}

func (s *activeSpan) SetTag(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if s.data.Tags == nil {
		s.data.Tags = map[string]any{}
	}
	s.data.Tags[key] = value
}

func (s *activeSpan) LogFields(message string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.data.Logs = append(s.data.Logs, LogEntry{
		Timestamp: time.Now(),
		Message:   message,
		Fields:    fields,
	})
}

func (s *activeSpan) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.data.Status = status
}

func (s *activeSpan) SetError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.data.Status = StatusError
	s.data.Logs = append(s.data.Logs, LogEntry{
		Timestamp: time.Now(),
		Message:   "error",
		Fields:    map[string]any{"error": err.Error()},
	})
	s.mu.Unlock()
}

func (s *activeSpan) Finish() {
	s.finishAt(time.Now())
}

// finishAt finalizes the span at the given instant. Idempotent: only
// the first call snapshots and submits the span.
func (s *activeSpan) finishAt(end time.Time) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.data.EndTime = end
	s.data.Duration = end.Sub(s.data.StartTime)
	if s.data.Status == StatusStarted {
		s.data.Status = StatusCompleted
	}
	snapshot := s.data
	s.mu.Unlock()

	s.tracer.submitFinished(snapshot)
}

func (s *activeSpan) IsRecording() bool {
	return true
}

// noopSpan is the variant returned when tracing is disabled or the
// call was probabilistically excluded by the sampling rate.
//
// It still carries a trace context so child derivation and carrier
// injection behave normally; nothing is ever recorded.
type noopSpan struct {
	ctx propagation.TraceContext
}

func (s noopSpan) Context() propagation.TraceContext { return s.ctx }
func (s noopSpan) SetTag(string, any)                {}
func (s noopSpan) LogFields(string, map[string]any)  {}
func (s noopSpan) SetStatus(Status)                  {}
func (s noopSpan) SetError(error)                    {}
func (s noopSpan) Finish()                           {}
func (s noopSpan) IsRecording() bool                 { return false }

// SpanOption customizes span creation.
type SpanOption func(*spanOptions)

type spanOptions struct {
	parent    *propagation.TraceContext
	component string
	service   string
	tags      map[string]any
}

// WithParent links the new span under an existing trace context.
// Without it the span starts a new root trace.
func WithParent(ctx propagation.TraceContext) SpanOption {
	return func(o *spanOptions) { o.parent = &ctx }
}

// WithComponent names the subsystem the operation belongs to.
func WithComponent(component string) SpanOption {
	return func(o *spanOptions) { o.component = component }
}

// WithService overrides the tracer's configured service name.
func WithService(service string) SpanOption {
	return func(o *spanOptions) { o.service = service }
}

// WithTags seeds initial tags on the span.
func WithTags(tags map[string]any) SpanOption {
	return func(o *spanOptions) { o.tags = tags }
}
