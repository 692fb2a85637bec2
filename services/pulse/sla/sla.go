// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sla tracks service-level agreement compliance over windowed
// metric aggregates.
//
// Each SLA is a target/threshold triple plus a direction. Every tick
// the tracker sources the current measurement from the metric store,
// classifies compliance directionally, maintains running compliance
// percentages, and emits edge-triggered violation and recovery events:
// a state change emits exactly once, and repeated consecutive
// violations at the same severity stay silent to avoid alert storms.
package sla

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPulse/services/pulse/metrics"
)

// Sentinel errors for the tracker.
var (
	// ErrSLAExists indicates an SLA with the same name is already
	// registered.
	ErrSLAExists = errors.New("sla already registered")

	// ErrSLAInvalid indicates an SLA definition failed validation.
	ErrSLAInvalid = errors.New("invalid sla definition")
)

// Direction orients the compliance comparison.
type Direction string

const (
	// LowerIsBetter suits latency-style SLAs: compliant when the
	// measurement is at or below the target.
	LowerIsBetter Direction = "lower_is_better"

	// HigherIsBetter suits availability-style SLAs: compliant when
	// the measurement is at or above the target.
	HigherIsBetter Direction = "higher_is_better"
)

// State is the SLA's current classification.
type State string

const (
	StateHealthy  State = "healthy"
	StateWarning  State = "warning"
	StateCritical State = "critical"
)

// SLA defines one tracked agreement.
type SLA struct {
	// Name uniquely identifies the SLA.
	Name string `yaml:"name" json:"name"`

	// Metric names the measurement in the metric store, aggregated
	// (average) over MeasurementWindow each tick.
	Metric string `yaml:"metric" json:"metric"`

	Target            float64       `yaml:"target" json:"target"`
	WarningThreshold  float64       `yaml:"warning_threshold" json:"warning_threshold"`
	CriticalThreshold float64       `yaml:"critical_threshold" json:"critical_threshold"`
	MeasurementWindow time.Duration `yaml:"measurement_window" json:"measurement_window"`
	Direction         Direction     `yaml:"direction" json:"direction"`
}

// Status is the running evaluation state, mutated only by the tracker
// on each evaluation tick.
type Status struct {
	State                  State     `json:"status"`
	CompliancePct          float64   `json:"compliance_pct"`
	ConsecutiveViolations  int       `json:"consecutive_violations"`
	TotalMeasurements      int       `json:"total_measurements"`
	SuccessfulMeasurements int       `json:"successful_measurements"`
	LastValue              float64   `json:"last_value"`
	LastEvaluated          time.Time `json:"last_evaluated,omitzero"`
}

// EventType distinguishes violation from recovery notifications.
type EventType string

const (
	EventViolation EventType = "violation"
	EventRecovery  EventType = "recovery"
)

// Event is an edge-triggered SLA state-change notification.
type Event struct {
	Type      EventType `json:"type"`
	SLAName   string    `json:"sla_name"`
	State     State     `json:"state"`
	Value     float64   `json:"value"`
	Target    float64   `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// Report aggregates all SLA statuses at one instant.
type Report struct {
	Timestamp         time.Time         `json:"timestamp"`
	OverallCompliance float64           `json:"overall_compliance"`
	SLAs              map[string]Status `json:"slas"`
	Summary           ReportSummary     `json:"summary"`
}

// ReportSummary counts SLAs per state.
type ReportSummary struct {
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

// ReportStore is the persistence collaborator for compliance reports.
type ReportStore interface {
	SaveReport(r Report) error
	PurgeReportsBefore(cutoff time.Time) (int, error)
}

type tracked struct {
	sla    SLA
	status Status
}

// Tracker evaluates all registered SLAs on a periodic tick.
//
// # Thread Safety
//
// Safe for concurrent use. Status is mutated only by the tracker.
type Tracker struct {
	store       *metrics.Store
	reportStore ReportStore
	logger      *slog.Logger
	interval    time.Duration

	mu          sync.Mutex
	slas        map[string]*tracked
	stopped     bool
	loopRunning bool

	onEvent func(Event)

	stopCh chan struct{}
	doneCh chan struct{}
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithEventSink installs the violation/recovery event hook. The
// coordinator bridges these into the alerting notification channels.
func WithEventSink(fn func(Event)) TrackerOption {
	return func(t *Tracker) { t.onEvent = fn }
}

// WithReportStore persists a compliance report every tick.
func WithReportStore(rs ReportStore) TrackerOption {
	return func(t *Tracker) { t.reportStore = rs }
}

// NewTracker creates a Tracker evaluating on the given interval.
func NewTracker(interval time.Duration, store *metrics.Store, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:    store,
		logger:   logger.With(slog.String("component", "sla_tracker")),
		interval: interval,
		slas:     map[string]*tracked{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register adds an SLA to track.
func (t *Tracker) Register(s SLA) error {
	if s.Name == "" || s.Metric == "" {
		return fmt.Errorf("%w: name and metric are required", ErrSLAInvalid)
	}
	if s.Direction != LowerIsBetter && s.Direction != HigherIsBetter {
		return fmt.Errorf("%w: %s: direction must be lower_is_better or higher_is_better", ErrSLAInvalid, s.Name)
	}
	if s.MeasurementWindow <= 0 {
		return fmt.Errorf("%w: %s: measurement window must be positive", ErrSLAInvalid, s.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.slas[s.Name]; exists {
		return fmt.Errorf("%w: %s", ErrSLAExists, s.Name)
	}
	t.slas[s.Name] = &tracked{
		sla:    s,
		status: Status{State: StateHealthy},
	}
	t.logger.Info("sla registered",
		"sla", s.Name,
		"metric", s.Metric,
		"target", s.Target,
		"direction", s.Direction,
	)
	return nil
}

// Start launches the evaluation loop. Calling Start twice is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.loopRunning || t.stopped {
		t.mu.Unlock()
		return
	}
	t.loopRunning = true
	t.mu.Unlock()
	go t.run()
}

func (t *Tracker) run() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick evaluates every SLA against its current windowed measurement
// and persists a compliance report.
//
// SLAs whose metric has no samples in the window are left unchanged;
// absence of data is a health-check concern.
func (t *Tracker) Tick() {
	now := time.Now()
	var events []Event

	t.mu.Lock()
	for _, tr := range t.slas {
		stats, ok := t.store.AggregateWindow(tr.sla.Metric, tr.sla.MeasurementWindow)
		if !ok {
			continue
		}
		if ev := t.evaluate(tr, stats.Avg, now); ev != nil {
			events = append(events, *ev)
		}
	}
	report := t.buildReportLocked(now)
	t.mu.Unlock()

	for _, ev := range events {
		t.logger.Warn("sla state change",
			"sla", ev.SLAName,
			"event", ev.Type,
			"state", ev.State,
			"value", ev.Value,
		)
		if t.onEvent != nil {
			t.onEvent(ev)
		}
	}

	if t.reportStore != nil {
		if err := t.reportStore.SaveReport(report); err != nil {
			t.logger.Warn("compliance report persistence failed", "error", err)
		}
	}
}

// evaluate applies one measurement to one SLA. Caller holds t.mu.
func (t *Tracker) evaluate(tr *tracked, value float64, now time.Time) *Event {
	s := &tr.status
	s.LastValue = value
	s.LastEvaluated = now
	s.TotalMeasurements++

	compliant := t.compliant(tr.sla, value)
	var event *Event

	if compliant {
		s.SuccessfulMeasurements++
		s.ConsecutiveViolations = 0
		if s.State != StateHealthy {
			s.State = StateHealthy
			event = &Event{
				Type:      EventRecovery,
				SLAName:   tr.sla.Name,
				State:     StateHealthy,
				Value:     value,
				Target:    tr.sla.Target,
				Timestamp: now,
			}
		}
	} else {
		s.ConsecutiveViolations++
		newState := t.violationState(tr.sla, value)
		// Edge-triggered: emit only on a state change, so repeated
		// consecutive violations at the same severity stay silent.
		if newState != s.State {
			s.State = newState
			event = &Event{
				Type:      EventViolation,
				SLAName:   tr.sla.Name,
				State:     newState,
				Value:     value,
				Target:    tr.sla.Target,
				Timestamp: now,
			}
		}
	}

	// Compliance percentage updates every tick regardless of events.
	s.CompliancePct = float64(s.SuccessfulMeasurements) / float64(s.TotalMeasurements) * 100
	return event
}

func (t *Tracker) compliant(s SLA, value float64) bool {
	if s.Direction == LowerIsBetter {
		return value <= s.Target
	}
	return value >= s.Target
}

// violationState grades a non-compliant measurement against the
// thresholds in the same directional sense as the target comparison.
func (t *Tracker) violationState(s SLA, value float64) State {
	if s.Direction == LowerIsBetter {
		if value >= s.CriticalThreshold {
			return StateCritical
		}
		return StateWarning
	}
	if value <= s.CriticalThreshold {
		return StateCritical
	}
	return StateWarning
}

// buildReportLocked assembles a Report. Caller holds t.mu.
func (t *Tracker) buildReportLocked(now time.Time) Report {
	report := Report{
		Timestamp: now,
		SLAs:      make(map[string]Status, len(t.slas)),
	}
	evaluated := 0
	for name, tr := range t.slas {
		report.SLAs[name] = tr.status
		switch tr.status.State {
		case StateWarning:
			report.Summary.Warning++
		case StateCritical:
			report.Summary.Critical++
		default:
			report.Summary.Healthy++
		}
		if tr.status.TotalMeasurements > 0 {
			report.OverallCompliance += tr.status.CompliancePct
			evaluated++
		}
	}
	if evaluated > 0 {
		report.OverallCompliance /= float64(evaluated)
	} else {
		report.OverallCompliance = 100
	}
	return report
}

// Statuses returns a snapshot of every SLA's status keyed by name.
func (t *Tracker) Statuses() map[string]Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Status, len(t.slas))
	for name, tr := range t.slas {
		out[name] = tr.status
	}
	return out
}

// BuildReport returns a point-in-time compliance report.
func (t *Tracker) BuildReport() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buildReportLocked(time.Now())
}

// Stop halts the evaluation loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	loopRunning := t.loopRunning
	t.mu.Unlock()

	close(t.stopCh)
	if loopRunning {
		<-t.doneCh
	}
}
