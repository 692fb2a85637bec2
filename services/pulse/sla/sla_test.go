// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sla_test

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianPulse/services/pulse/metrics"
	"github.com/AleutianAI/AleutianPulse/services/pulse/sla"
)

type memReportStore struct {
	mu      sync.Mutex
	reports []sla.Report
}

func (m *memReportStore) SaveReport(r sla.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *memReportStore) PurgeReportsBefore(cutoff time.Time) (int, error) {
	return 0, nil
}

func (m *memReportStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

func (m *memReportStore) last() sla.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reports[len(m.reports)-1]
}

func newTestStore(t *testing.T) *metrics.Store {
	t.Helper()
	return metrics.NewStore(256, metrics.WithRegisterer(prometheus.NewRegistry()))
}

func TestRegisterValidation(t *testing.T) {
	tracker := sla.NewTracker(time.Minute, newTestStore(t), slog.Default())

	cases := []struct {
		name string
		def  sla.SLA
	}{
		{"missing name", sla.SLA{Metric: "latency", Direction: sla.LowerIsBetter, MeasurementWindow: time.Minute}},
		{"missing metric", sla.SLA{Name: "latency", Direction: sla.LowerIsBetter, MeasurementWindow: time.Minute}},
		{"bad direction", sla.SLA{Name: "latency", Metric: "latency", Direction: "sideways", MeasurementWindow: time.Minute}},
		{"zero window", sla.SLA{Name: "latency", Metric: "latency", Direction: sla.LowerIsBetter}},
	}
	for _, tc := range cases {
		if err := tracker.Register(tc.def); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}

	valid := sla.SLA{
		Name:              "api_latency",
		Metric:            "response_time",
		Target:            200,
		WarningThreshold:  250,
		CriticalThreshold: 300,
		MeasurementWindow: time.Minute,
		Direction:         sla.LowerIsBetter,
	}
	if err := tracker.Register(valid); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := tracker.Register(valid); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestDirectionalCompliance(t *testing.T) {
	cases := []struct {
		name      string
		def       sla.SLA
		value     float64
		compliant bool
	}{
		{
			name: "lower_is_better under target",
			def: sla.SLA{
				Name: "latency", Metric: "latency",
				Target: 200, WarningThreshold: 250, CriticalThreshold: 300,
				MeasurementWindow: time.Minute, Direction: sla.LowerIsBetter,
			},
			value: 150, compliant: true,
		},
		{
			name: "lower_is_better over target",
			def: sla.SLA{
				Name: "latency", Metric: "latency",
				Target: 200, WarningThreshold: 250, CriticalThreshold: 300,
				MeasurementWindow: time.Minute, Direction: sla.LowerIsBetter,
			},
			value: 250, compliant: false,
		},
		{
			name: "higher_is_better over target",
			def: sla.SLA{
				Name: "availability", Metric: "availability",
				Target: 99.9, WarningThreshold: 99.5, CriticalThreshold: 99.0,
				MeasurementWindow: time.Minute, Direction: sla.HigherIsBetter,
			},
			value: 99.95, compliant: true,
		},
		{
			name: "higher_is_better under target",
			def: sla.SLA{
				Name: "availability", Metric: "availability",
				Target: 99.9, WarningThreshold: 99.5, CriticalThreshold: 99.0,
				MeasurementWindow: time.Minute, Direction: sla.HigherIsBetter,
			},
			value: 99.0, compliant: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t)
			tracker := sla.NewTracker(time.Minute, store, slog.Default())
			if err := tracker.Register(tc.def); err != nil {
				t.Fatalf("Register: %v", err)
			}

			store.Record(tc.def.Metric, tc.value, metrics.TypePerformance, nil)
			tracker.Tick()

			status := tracker.Statuses()[tc.def.Name]
			if status.TotalMeasurements != 1 {
				t.Fatalf("TotalMeasurements = %d, want 1", status.TotalMeasurements)
			}
			gotCompliant := status.SuccessfulMeasurements == 1
			if gotCompliant != tc.compliant {
				t.Errorf("compliant = %v, want %v (value %v)", gotCompliant, tc.compliant, tc.value)
			}
			wantState := sla.StateHealthy
			if !tc.compliant {
				wantState = sla.StateCritical
			}
			if status.State != wantState {
				t.Errorf("State = %s, want %s", status.State, wantState)
			}
		})
	}
}

// TestEdgeTriggeredEvents drives one SLA through healthy, critical and
// back to healthy, asserting exactly one violation and one recovery
// event fire even though the critical state persists for several ticks.
func TestEdgeTriggeredEvents(t *testing.T) {
	const window = 300 * time.Millisecond

	store := newTestStore(t)
	var mu sync.Mutex
	var events []sla.Event
	tracker := sla.NewTracker(time.Minute, store, slog.Default(),
		sla.WithEventSink(func(ev sla.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}),
	)

	err := tracker.Register(sla.SLA{
		Name:              "api_latency",
		Metric:            "response_time",
		Target:            200,
		WarningThreshold:  250,
		CriticalThreshold: 300,
		MeasurementWindow: window,
		Direction:         sla.LowerIsBetter,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	snapshot := func() []sla.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]sla.Event(nil), events...)
	}

	// Healthy baseline.
	store.Record("response_time", 100, metrics.TypePerformance, nil)
	tracker.Tick()
	if got := snapshot(); len(got) != 0 {
		t.Fatalf("healthy tick emitted %d events", len(got))
	}

	// Let the healthy sample age out, then breach the critical
	// threshold and hold it there for three ticks.
	time.Sleep(window + 100*time.Millisecond)
	store.Record("response_time", 500, metrics.TypePerformance, nil)
	tracker.Tick()
	tracker.Tick()
	tracker.Tick()

	got := snapshot()
	if len(got) != 1 {
		t.Fatalf("sustained violation emitted %d events, want 1", len(got))
	}
	if got[0].Type != sla.EventViolation || got[0].State != sla.StateCritical {
		t.Fatalf("event = %+v, want critical violation", got[0])
	}
	status := tracker.Statuses()["api_latency"]
	if status.ConsecutiveViolations != 3 {
		t.Errorf("ConsecutiveViolations = %d, want 3", status.ConsecutiveViolations)
	}

	// Recover.
	time.Sleep(window + 100*time.Millisecond)
	store.Record("response_time", 100, metrics.TypePerformance, nil)
	tracker.Tick()

	got = snapshot()
	if len(got) != 2 {
		t.Fatalf("recovery emitted %d total events, want 2", len(got))
	}
	if got[1].Type != sla.EventRecovery || got[1].State != sla.StateHealthy {
		t.Fatalf("event = %+v, want recovery", got[1])
	}
	status = tracker.Statuses()["api_latency"]
	if status.ConsecutiveViolations != 0 {
		t.Errorf("ConsecutiveViolations = %d after recovery, want 0", status.ConsecutiveViolations)
	}
}

// TestEscalationEmitsSecondViolation verifies that a warning that
// worsens to critical is a state change and fires again.
func TestEscalationEmitsSecondViolation(t *testing.T) {
	const window = 300 * time.Millisecond

	store := newTestStore(t)
	var events []sla.Event
	tracker := sla.NewTracker(time.Minute, store, slog.Default(),
		sla.WithEventSink(func(ev sla.Event) { events = append(events, ev) }),
	)

	err := tracker.Register(sla.SLA{
		Name:              "api_latency",
		Metric:            "response_time",
		Target:            200,
		WarningThreshold:  250,
		CriticalThreshold: 300,
		MeasurementWindow: window,
		Direction:         sla.LowerIsBetter,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Over target but under critical: warning.
	store.Record("response_time", 220, metrics.TypePerformance, nil)
	tracker.Tick()
	if len(events) != 1 || events[0].State != sla.StateWarning {
		t.Fatalf("events = %+v, want one warning violation", events)
	}

	time.Sleep(window + 100*time.Millisecond)
	store.Record("response_time", 400, metrics.TypePerformance, nil)
	tracker.Tick()
	if len(events) != 2 || events[1].State != sla.StateCritical {
		t.Fatalf("events = %+v, want escalation to critical", events)
	}
}

func TestNoDataLeavesStatusUnchanged(t *testing.T) {
	store := newTestStore(t)
	tracker := sla.NewTracker(time.Minute, store, slog.Default())

	err := tracker.Register(sla.SLA{
		Name:              "availability",
		Metric:            "availability",
		Target:            99.9,
		WarningThreshold:  99.5,
		CriticalThreshold: 99.0,
		MeasurementWindow: time.Minute,
		Direction:         sla.HigherIsBetter,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tracker.Tick()
	tracker.Tick()

	status := tracker.Statuses()["availability"]
	if status.TotalMeasurements != 0 {
		t.Errorf("TotalMeasurements = %d with no data, want 0", status.TotalMeasurements)
	}
	if status.State != sla.StateHealthy {
		t.Errorf("State = %s with no data, want healthy", status.State)
	}
	if !status.LastEvaluated.IsZero() {
		t.Error("LastEvaluated set despite no measurements")
	}
}

func TestCompliancePercentage(t *testing.T) {
	const window = 300 * time.Millisecond

	store := newTestStore(t)
	tracker := sla.NewTracker(time.Minute, store, slog.Default())

	err := tracker.Register(sla.SLA{
		Name:              "api_latency",
		Metric:            "response_time",
		Target:            200,
		WarningThreshold:  250,
		CriticalThreshold: 300,
		MeasurementWindow: window,
		Direction:         sla.LowerIsBetter,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Three compliant ticks, then one violating tick: 75%.
	store.Record("response_time", 100, metrics.TypePerformance, nil)
	tracker.Tick()
	tracker.Tick()
	tracker.Tick()

	time.Sleep(window + 100*time.Millisecond)
	store.Record("response_time", 500, metrics.TypePerformance, nil)
	tracker.Tick()

	status := tracker.Statuses()["api_latency"]
	if status.TotalMeasurements != 4 || status.SuccessfulMeasurements != 3 {
		t.Fatalf("measurements = %d/%d, want 3/4",
			status.SuccessfulMeasurements, status.TotalMeasurements)
	}
	if status.CompliancePct != 75 {
		t.Errorf("CompliancePct = %v, want 75", status.CompliancePct)
	}
}

func TestReportPersistedEachTick(t *testing.T) {
	store := newTestStore(t)
	reports := &memReportStore{}
	tracker := sla.NewTracker(time.Minute, store, slog.Default(),
		sla.WithReportStore(reports),
	)

	err := tracker.Register(sla.SLA{
		Name:              "api_latency",
		Metric:            "response_time",
		Target:            200,
		WarningThreshold:  250,
		CriticalThreshold: 300,
		MeasurementWindow: time.Minute,
		Direction:         sla.LowerIsBetter,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	err = tracker.Register(sla.SLA{
		Name:              "availability",
		Metric:            "availability",
		Target:            99.9,
		WarningThreshold:  99.5,
		CriticalThreshold: 99.0,
		MeasurementWindow: time.Minute,
		Direction:         sla.HigherIsBetter,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	store.Record("response_time", 100, metrics.TypePerformance, nil)
	store.Record("availability", 99.0, metrics.TypePerformance, nil)
	tracker.Tick()
	tracker.Tick()

	if reports.count() != 2 {
		t.Fatalf("persisted %d reports, want 2", reports.count())
	}

	last := reports.last()
	if len(last.SLAs) != 2 {
		t.Fatalf("report covers %d SLAs, want 2", len(last.SLAs))
	}
	if last.Summary.Healthy != 1 || last.Summary.Critical != 1 {
		t.Errorf("summary = %+v, want 1 healthy / 1 critical", last.Summary)
	}
	// 100% and 0% compliance averaged.
	if last.OverallCompliance != 50 {
		t.Errorf("OverallCompliance = %v, want 50", last.OverallCompliance)
	}
}

func TestTrackerStartStop(t *testing.T) {
	store := newTestStore(t)
	tracker := sla.NewTracker(20*time.Millisecond, store, slog.Default())

	err := tracker.Register(sla.SLA{
		Name:              "api_latency",
		Metric:            "response_time",
		Target:            200,
		WarningThreshold:  250,
		CriticalThreshold: 300,
		MeasurementWindow: time.Minute,
		Direction:         sla.LowerIsBetter,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	store.Record("response_time", 100, metrics.TypePerformance, nil)

	tracker.Start()
	tracker.Start() // second Start is a no-op

	deadline := time.After(2 * time.Second)
	for {
		if tracker.Statuses()["api_latency"].TotalMeasurements > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("loop never evaluated the SLA")
		case <-time.After(5 * time.Millisecond):
		}
	}

	tracker.Stop()
	tracker.Stop() // idempotent
}

func TestStopWithoutStart(t *testing.T) {
	tracker := sla.NewTracker(time.Minute, newTestStore(t), slog.Default())
	done := make(chan struct{})
	go func() {
		tracker.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running loop")
	}
}
