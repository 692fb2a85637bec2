// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracer records span lifecycles and groups finished spans
// into traces.
//
// Collaborators instrument their own operations through StartSpan and
// Span.Finish; the tracer never inspects operation semantics. Finished
// spans accumulate in per-trace buckets. A trace is flushed to the
// record store when it is complete (no active span anywhere still
// references its trace ID) or when its span count reaches the
// configured ceiling, whichever comes first. A periodic retention
// sweep retries failed flushes and evicts traces past the retention
// horizon.
package tracer

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianPulse/services/pulse/propagation"
)

// Config controls tracer behavior.
type Config struct {
	// Enabled toggles recording. When false every StartSpan returns a
	// no-op span.
	Enabled bool `yaml:"enabled"`

	// ServiceName stamps each span unless overridden per span.
	ServiceName string `yaml:"service_name"`

	// SamplingRate is the probability (0..1) that a span is recorded
	// rather than discarded as a no-op. The draw is made per span, not
	// per trace, so at rates below 1.0 a trace may persist with only a
	// subset of its spans.
	SamplingRate float64 `yaml:"sampling_rate"`

	// MaxSpansPerTrace bounds memory for malformed or never-completing
	// traces; a trace is force-flushed when its finished-span bucket
	// reaches this size. Default: 1000.
	MaxSpansPerTrace int `yaml:"max_spans_per_trace"`

	// Retention is the horizon past which unflushed traces are evicted
	// without persisting and persisted records are purged. Default: 24h.
	Retention time.Duration `yaml:"retention"`

	// SweepInterval is the period of the retention sweep. Default: 1m.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns production defaults with tracing enabled and
// every span sampled.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		ServiceName:      "pulse",
		SamplingRate:     1.0,
		MaxSpansPerTrace: 1000,
		Retention:        24 * time.Hour,
		SweepInterval:    time.Minute,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxSpansPerTrace <= 0 {
		c.MaxSpansPerTrace = 1000
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Tracer is the owning component for the active-span set and the
// per-trace finished-span buckets.
//
// # Thread Safety
//
// Safe for concurrent use. Span creation and finish may happen
// concurrently from many collaborators; bucket insertion is
// append-only (entries are never lost to concurrent writers).
type Tracer struct {
	cfg    Config
	store  RecordStore
	logger *slog.Logger

	mu          sync.Mutex
	active      map[string]*activeSpan // keyed by span_id
	liveByTrace map[string]int         // trace_id -> live span count
	finished    map[string][]SpanData  // trace_id -> finished spans
	stopped     bool
	loopRunning bool

	stopCh chan struct{}
	doneCh chan struct{}

	spansStarted    *prometheus.CounterVec
	tracesFlushed   prometheus.Counter
	persistFailures prometheus.Counter
}

// Option customizes the Tracer.
type Option func(*Tracer)

// WithRegisterer registers self-instrumentation counters on the given
// registerer. Tests pass a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracer) {
		factory := promauto.With(reg)
		t.spansStarted = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_spans_started_total",
			Help: "Spans created, by sampling decision.",
		}, []string{"sampled"})
		t.tracesFlushed = factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_traces_flushed_total",
			Help: "Traces persisted and evicted from memory.",
		})
		t.persistFailures = factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_trace_persist_failures_total",
			Help: "Failed trace persistence attempts (retried by the sweep).",
		})
	}
}

// New creates a Tracer backed by the given record store.
//
// The store may be nil, in which case flushes evict without
// persisting and queries only see in-memory traces.
func New(cfg Config, store RecordStore, logger *slog.Logger, opts ...Option) *Tracer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracer{
		cfg:         cfg,
		store:       store,
		logger:      logger.With(slog.String("component", "tracer")),
		active:      map[string]*activeSpan{},
		liveByTrace: map[string]int{},
		finished:    map[string][]SpanData{},
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.spansStarted == nil {
		WithRegisterer(prometheus.DefaultRegisterer)(t)
	}
	return t
}

// StartSpan begins a span for the named operation.
//
// When tracing is disabled, the tracer is stopped, or the call is
// probabilistically excluded by the sampling rate, the returned span
// is a no-op whose every method is safe. Callers must not branch on
// the sampling decision.
func (t *Tracer) StartSpan(operationName string, opts ...SpanOption) Span {
	var o spanOptions
	for _, opt := range opts {
		opt(&o)
	}

	var ctx propagation.TraceContext
	if o.parent != nil && o.parent.Valid() {
		ctx = propagation.DeriveChild(*o.parent)
	} else {
		ctx = propagation.NewRoot()
	}

	if !t.sample() {
		t.spansStarted.WithLabelValues("false").Inc()
		return noopSpan{ctx: ctx}
	}

	service := o.service
	if service == "" {
		service = t.cfg.ServiceName
	}

	span := &activeSpan{
		tracer: t,
		data: SpanData{
			Context:       ctx,
			OperationName: operationName,
			Component:     o.component,
			Service:       service,
			StartTime:     time.Now(),
			Status:        StatusStarted,
			Tags:          o.tags,
		},
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return noopSpan{ctx: ctx}
	}
	t.active[ctx.SpanID] = span
	t.liveByTrace[ctx.TraceID]++
	t.mu.Unlock()

	t.spansStarted.WithLabelValues("true").Inc()
	return span
}

// StartChildSpan begins a span under an existing parent span.
func (t *Tracer) StartChildSpan(operationName string, parent Span, opts ...SpanOption) Span {
	if parent != nil {
		opts = append(opts, WithParent(parent.Context()))
	}
	return t.StartSpan(operationName, opts...)
}

// StartSpanFromCarrier begins a span continuing a trace extracted from
// a propagation carrier. A malformed carrier starts a new root trace.
func (t *Tracer) StartSpanFromCarrier(operationName string, carrier map[string]string, opts ...SpanOption) Span {
	opts = append(opts, WithParent(propagation.Extract(carrier)))
	return t.StartSpan(operationName, opts...)
}

func (t *Tracer) sample() bool {
	if !t.cfg.Enabled {
		return false
	}
	if t.cfg.SamplingRate >= 1.0 {
		return true
	}
	if t.cfg.SamplingRate <= 0 {
		return false
	}
	return rand.Float64() < t.cfg.SamplingRate
}

// submitFinished moves a finished span from the active set into its
// trace's bucket, then flushes the trace if it became complete or hit
// the span ceiling.
func (t *Tracer) submitFinished(data SpanData) {
	traceID := data.Context.TraceID

	t.mu.Lock()
	delete(t.active, data.Context.SpanID)
	if n := t.liveByTrace[traceID] - 1; n > 0 {
		t.liveByTrace[traceID] = n
	} else {
		delete(t.liveByTrace, traceID)
	}
	t.finished[traceID] = append(t.finished[traceID], data)

	_, stillLive := t.liveByTrace[traceID]
	bucket := t.finished[traceID]
	shouldFlush := !stillLive || len(bucket) >= t.cfg.MaxSpansPerTrace
	if shouldFlush {
		delete(t.finished, traceID)
	}
	t.mu.Unlock()

	if shouldFlush {
		t.flushTrace(traceID, bucket)
	}
}

// flushTrace persists a trace's finished spans, then evicts them.
//
// On persistence failure the bucket is restored for the next sweep:
// at-least-once, not exactly-once.
func (t *Tracer) flushTrace(traceID string, spans []SpanData) {
	if t.store == nil {
		t.tracesFlushed.Inc()
		return
	}

	rec := BuildTraceRecord(traceID, spans)
	if err := t.store.SaveTrace(rec); err != nil {
		t.persistFailures.Inc()
		t.logger.Warn("trace persistence failed, retaining for retry",
			"trace_id", traceID,
			"span_count", len(spans),
			"error", err,
		)
		t.mu.Lock()
		t.finished[traceID] = append(spans, t.finished[traceID]...)
		t.mu.Unlock()
		return
	}

	t.tracesFlushed.Inc()
	t.logger.Debug("trace flushed", "trace_id", traceID, "span_count", len(spans))
}

// Start launches the retention sweep loop. Calling Start twice is a
// no-op.
func (t *Tracer) Start() {
	t.mu.Lock()
	if t.loopRunning || t.stopped {
		t.mu.Unlock()
		return
	}
	t.loopRunning = true
	t.mu.Unlock()
	go t.run()
}

func (t *Tracer) run() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	t.logger.Debug("retention sweep started", "interval", t.cfg.SweepInterval)

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Sweep runs one retention pass.
//
// Retries flushing complete traces whose earlier persistence failed,
// evicts (without persisting) traces whose oldest span exceeds the
// retention horizon, and purges persisted records past the same
// horizon. Eviction without persistence is an intentional data-loss
// boundary, not an error.
func (t *Tracer) Sweep() {
	cutoff := time.Now().Add(-t.cfg.Retention)

	type pending struct {
		traceID string
		spans   []SpanData
	}
	var retry []pending
	var evicted int

	t.mu.Lock()
	for traceID, bucket := range t.finished {
		oldest := bucket[0].StartTime
		for _, s := range bucket {
			if s.StartTime.Before(oldest) {
				oldest = s.StartTime
			}
		}
		if oldest.Before(cutoff) {
			delete(t.finished, traceID)
			evicted++
			continue
		}
		if _, stillLive := t.liveByTrace[traceID]; !stillLive {
			delete(t.finished, traceID)
			retry = append(retry, pending{traceID: traceID, spans: bucket})
		}
	}
	t.mu.Unlock()

	if evicted > 0 {
		t.logger.Warn("evicted expired traces without persisting", "count", evicted)
	}
	for _, p := range retry {
		t.flushTrace(p.traceID, p.spans)
	}

	if t.store != nil {
		if n, err := t.store.PurgeTracesBefore(cutoff); err != nil {
			t.logger.Warn("trace record purge failed", "error", err)
		} else if n > 0 {
			t.logger.Debug("purged expired trace records", "count", n)
		}
	}
}

// GetTrace returns a trace by ID, checking memory first and falling
// back to the record store.
//
// In-memory traces may still be incomplete; callers get the finished
// spans recorded so far.
func (t *Tracer) GetTrace(traceID string) (TraceRecord, error) {
	t.mu.Lock()
	bucket, ok := t.finished[traceID]
	if ok {
		bucket = append([]SpanData(nil), bucket...)
	}
	t.mu.Unlock()

	if ok {
		return BuildTraceRecord(traceID, bucket), nil
	}

	if t.store != nil {
		rec, found, err := t.store.GetTrace(traceID)
		if err != nil {
			return TraceRecord{}, err
		}
		if found {
			return rec, nil
		}
	}
	return TraceRecord{}, ErrTraceNotFound
}

// SearchTraces returns traces matching the query, in-memory traces
// first, then the record store until the limit is reached.
func (t *Tracer) SearchTraces(q Query) ([]TraceRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	t.mu.Lock()
	inMemory := make([]TraceRecord, 0, len(t.finished))
	for traceID, bucket := range t.finished {
		inMemory = append(inMemory, BuildTraceRecord(traceID, append([]SpanData(nil), bucket...)))
	}
	t.mu.Unlock()

	var out []TraceRecord
	seen := map[string]bool{}
	for _, rec := range inMemory {
		if len(out) >= limit {
			return out, nil
		}
		if q.Matches(rec) {
			out = append(out, rec)
			seen[rec.TraceID] = true
		}
	}

	if t.store != nil && len(out) < limit {
		stored, err := t.store.SearchTraces(q, limit-len(out))
		if err != nil {
			return out, err
		}
		for _, rec := range stored {
			if len(out) >= limit {
				break
			}
			if !seen[rec.TraceID] {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// Stats reports tracer occupancy for the system status surface.
type Stats struct {
	ActiveSpans   int `json:"active_spans"`
	PendingTraces int `json:"pending_traces"`
}

// Snapshot returns current occupancy.
func (t *Tracer) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		ActiveSpans:   len(t.active),
		PendingTraces: len(t.finished),
	}
}

// Shutdown drains and stops the tracer.
//
// All active spans are force-finished with their end time set to the
// shutdown instant, every in-memory trace is flushed, and the sweep
// loop is released. Spans started after Shutdown return no-ops.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	loopRunning := t.loopRunning
	remaining := make([]*activeSpan, 0, len(t.active))
	for _, s := range t.active {
		remaining = append(remaining, s)
	}
	t.mu.Unlock()

	instant := time.Now()
	for _, s := range remaining {
		s.finishAt(instant)
	}

	// Flush whatever buckets are left, complete or not.
	t.mu.Lock()
	buckets := t.finished
	t.finished = map[string][]SpanData{}
	t.mu.Unlock()
	for traceID, spans := range buckets {
		t.flushTrace(traceID, spans)
	}

	close(t.stopCh)
	if loopRunning {
		select {
		case <-t.doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
