// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics provides the bounded metric window shared by health
// evaluation, alerting, and SLA tracking.
//
// Measurements are appended to a fixed-capacity ring buffer; oldest
// entries are evicted once capacity is exceeded. Metrics are immutable
// once recorded. All mutation goes through the Store so that metrics
// recorded within one scheduler tick are visible to that tick's rule
// evaluation.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Type classifies a measurement.
type Type string

const (
	// TypeGauge is a point-in-time value (queue depth, memory).
	TypeGauge Type = "gauge"

	// TypeCounter is a monotonically meaningful count delta.
	TypeCounter Type = "counter"

	// TypeHealth is a boolean health outcome encoded as 1/0.
	TypeHealth Type = "health"

	// TypePerformance is a latency or duration measurement.
	TypePerformance Type = "performance"
)

// Metric is a named, typed, timestamped measurement.
//
// Immutable once recorded.
type Metric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Type      Type              `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Sink receives a copy of every recorded metric.
//
// Implementations must not block; the Store calls Write on the
// recording goroutine.
type Sink interface {
	Write(m Metric)
}

// Store is the owning component for the metric ring buffer.
//
// # Thread Safety
//
// Safe for concurrent use. Collaborators record through Record/
// RecordMetric only; there is no raw buffer access.
type Store struct {
	mu   sync.RWMutex
	ring *Ring[Metric]
	sink Sink

	recordedTotal *prometheus.CounterVec
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithSink mirrors every recorded metric to an external sink
// (for example the InfluxDB exporter).
func WithSink(sink Sink) StoreOption {
	return func(s *Store) { s.sink = sink }
}

// WithRegisterer registers the store's self-instrumentation counters
// on the given registerer instead of the default one. Tests pass a
// private registry to avoid duplicate-registration panics.
func WithRegisterer(reg prometheus.Registerer) StoreOption {
	return func(s *Store) {
		s.recordedTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_metrics_recorded_total",
			Help: "Total metrics recorded into the ring buffer, by type.",
		}, []string{"type"})
	}
}

// NewStore creates a Store with the given ring capacity.
func NewStore(capacity int, opts ...StoreOption) *Store {
	s := &Store{ring: NewRing[Metric](capacity)}
	for _, opt := range opts {
		opt(s)
	}
	if s.recordedTotal == nil {
		WithRegisterer(prometheus.DefaultRegisterer)(s)
	}
	return s
}

// Record appends a measurement stamped with the current time.
//
// Fire-and-forget: never returns an error, never blocks on the sink's
// downstream I/O.
func (s *Store) Record(name string, value float64, typ Type, tags map[string]string) {
	s.RecordMetric(Metric{
		Name:      name,
		Value:     value,
		Type:      typ,
		Timestamp: time.Now(),
		Tags:      tags,
	})
}

// RecordMetric appends a fully-formed measurement.
//
// A zero Timestamp is replaced with the current time.
func (s *Store) RecordMetric(m Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.ring.Append(m)
	s.mu.Unlock()

	s.recordedTotal.WithLabelValues(string(m.Type)).Inc()

	if s.sink != nil {
		s.sink.Write(m)
	}
}

// Since returns all metrics with an in-window timestamp, in the order
// they were recorded.
//
// Append order is not timestamp order: RecordMetric accepts
// caller-stamped samples, so a backfilled entry may sit between fresh
// ones. The scan therefore visits the whole ring and filters, rather
// than stopping at the first stale timestamp.
func (s *Store) Since(window time.Duration) []Metric {
	cutoff := time.Now().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Metric
	s.ring.ReverseEach(func(m Metric) bool {
		if !m.Timestamp.Before(cutoff) {
			out = append(out, m)
		}
		return true
	})

	// ReverseEach yields newest-appended first; flip to record order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SinceNamed returns metrics with the given name and an in-window
// timestamp, in the order they were recorded.
func (s *Store) SinceNamed(name string, window time.Duration) []Metric {
	all := s.Since(window)
	out := all[:0]
	for _, m := range all {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// Latest returns the most recent metric with the given name.
func (s *Store) Latest(name string) (Metric, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found Metric
	ok := false
	s.ring.ReverseEach(func(m Metric) bool {
		if m.Name == name {
			found = m
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// Len returns the number of metrics currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Len()
}

// WindowStats summarizes metrics with one name over a window.
type WindowStats struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// AggregateWindow computes summary statistics for a named metric over
// the lookback window. The second return is false when no samples
// exist in the window.
func (s *Store) AggregateWindow(name string, window time.Duration) (WindowStats, bool) {
	samples := s.SinceNamed(name, window)
	if len(samples) == 0 {
		return WindowStats{}, false
	}

	stats := WindowStats{
		Count: len(samples),
		Min:   math.Inf(1),
		Max:   math.Inf(-1),
	}
	for _, m := range samples {
		stats.Sum += m.Value
		if m.Value < stats.Min {
			stats.Min = m.Value
		}
		if m.Value > stats.Max {
			stats.Max = m.Value
		}
	}
	stats.Avg = stats.Sum / float64(stats.Count)
	return stats, true
}
