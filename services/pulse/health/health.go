// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health runs registered probes on independent intervals and
// feeds their outcomes into the metric store.
//
// Each check owns a tiny state machine (idle -> running -> idle) and
// transitions to running only if it is not already running and its
// interval has elapsed. Checks are independent: one check's failure or
// timeout never blocks another's execution. A probe is raced against
// its timeout; the timeout elapsing is treated identically to the
// probe returning unhealthy with an explicit timeout error. Probe
// cancellation on timeout is best-effort - a slow probe may keep
// running in the background, but its result is discarded and the
// check stays running until it returns.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianPulse/services/pulse/metrics"
)

// Sentinel errors for the scheduler.
var (
	// ErrCheckExists indicates a check with the same name is already
	// registered.
	ErrCheckExists = errors.New("health check already registered")

	// ErrSchedulerStopped indicates the scheduler has been shut down.
	ErrSchedulerStopped = errors.New("health scheduler stopped")
)

// Metric names emitted for every probe outcome.
const (
	MetricHealthCheck  = "health_check"
	MetricResponseTime = "response_time"
)

// Result is a probe outcome.
type Result struct {
	Healthy      bool           `json:"healthy"`
	ResponseTime time.Duration  `json:"response_time"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Probe is a collaborator-supplied check closure.
//
// The context carries the check's timeout; well-behaved probes honor
// cancellation, but the scheduler does not rely on it.
type Probe func(ctx context.Context) Result

// check holds per-check scheduling state.
type check struct {
	id       string
	name     string
	interval time.Duration
	timeout  time.Duration
	probe    Probe

	mu                  sync.Mutex
	running             bool
	lastRun             time.Time
	lastResult          *Result
	consecutiveFailures int
}

// CheckStatus is a point-in-time snapshot of one check.
type CheckStatus struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Interval            time.Duration `json:"interval"`
	Timeout             time.Duration `json:"timeout"`
	Running             bool          `json:"running"`
	LastRun             time.Time     `json:"last_run"`
	LastResult          *Result       `json:"last_result,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Scheduler owns the health-check registry and the global tick loop.
//
// # Thread Safety
//
// Safe for concurrent use. The only per-check mutual exclusion is the
// running flag, which prevents re-entrant execution of a slow probe.
type Scheduler struct {
	store        *metrics.Store
	logger       *slog.Logger
	tickInterval time.Duration

	mu          sync.RWMutex
	checks      map[string]*check // keyed by name
	stopped     bool
	loopRunning bool

	afterTick func()

	stopCh chan struct{}
	doneCh chan struct{}
	runs   sync.WaitGroup

	probeDuration *prometheus.HistogramVec
	probeFailures *prometheus.CounterVec
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRegisterer registers self-instrumentation on the given
// registerer. Tests pass a private registry.
func WithRegisterer(reg prometheus.Registerer) SchedulerOption {
	return func(s *Scheduler) {
		factory := promauto.With(reg)
		s.probeDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulse_probe_duration_seconds",
			Help:    "Health probe execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"check"})
		s.probeFailures = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_probe_failures_total",
			Help: "Unhealthy or timed-out probe outcomes.",
		}, []string{"check"})
	}
}

// WithAfterTick installs a callback invoked after every scheduler
// sweep, once all due checks have completed or timed out. The alert
// engine hooks its evaluation here so rules see the metrics the sweep
// just recorded.
func WithAfterTick(fn func()) SchedulerOption {
	return func(s *Scheduler) { s.afterTick = fn }
}

// NewScheduler creates a Scheduler recording outcomes into store.
func NewScheduler(tickInterval time.Duration, store *metrics.Store, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		logger:       logger.With(slog.String("component", "health_scheduler")),
		tickInterval: tickInterval,
		checks:       map[string]*check{},
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.probeDuration == nil {
		WithRegisterer(prometheus.DefaultRegisterer)(s)
	}
	return s
}

// Register adds a probe under a unique name.
//
// Inputs:
//
//	name - Unique check name, used as the metric tag.
//	interval - Minimum time between executions. Must be positive.
//	timeout - Per-execution deadline. Must be positive.
//	probe - The check closure. Must not be nil.
//
// Outputs:
//
//	string - The generated check ID.
//	error - ErrCheckExists if the name is taken, or a validation error.
func (s *Scheduler) Register(name string, interval, timeout time.Duration, probe Probe) (string, error) {
	if name == "" {
		return "", errors.New("check name is required")
	}
	if interval <= 0 || timeout <= 0 {
		return "", fmt.Errorf("check %q: interval and timeout must be positive", name)
	}
	if probe == nil {
		return "", fmt.Errorf("check %q: probe must not be nil", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrSchedulerStopped
	}
	if _, exists := s.checks[name]; exists {
		return "", fmt.Errorf("%w: %s", ErrCheckExists, name)
	}

	c := &check{
		id:       uuid.NewString(),
		name:     name,
		interval: interval,
		timeout:  timeout,
		probe:    probe,
	}
	s.checks[name] = c
	s.logger.Info("health check registered",
		"check", name,
		"interval", interval,
		"timeout", timeout,
	)
	return c.id, nil
}

// Start launches the global tick loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.loopRunning || s.stopped {
		s.mu.Unlock()
		return
	}
	s.loopRunning = true
	s.mu.Unlock()
	go s.run()
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.logger.Debug("health scheduler started", "tick_interval", s.tickInterval)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one scheduler sweep: every due check is invoked
// concurrently, and the sweep waits for each to complete or time out
// before the after-tick callback fires.
func (s *Scheduler) Tick() {
	s.mu.RLock()
	due := make([]*check, 0, len(s.checks))
	for _, c := range s.checks {
		if c.tryStart() {
			due = append(due, c)
		}
	}
	s.mu.RUnlock()

	var sweep sync.WaitGroup
	for _, c := range due {
		sweep.Add(1)
		s.runs.Add(1)
		go func(c *check) {
			defer sweep.Done()
			defer s.runs.Done()
			s.execute(c)
		}(c)
	}
	sweep.Wait()

	if s.afterTick != nil {
		s.afterTick()
	}
}

// tryStart transitions idle -> running if the check is due.
func (c *check) tryStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	if !c.lastRun.IsZero() && time.Since(c.lastRun) < c.interval {
		return false
	}
	c.running = true
	c.lastRun = time.Now()
	return true
}

// execute races the probe against its timeout and records the outcome.
func (s *Scheduler) execute(c *check) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan Result, 1)

	go func() {
		defer func() {
			// The probe returned (possibly long after the timeout);
			// only now does the check leave the running state.
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
		}()
		resultCh <- c.probe(ctx)
	}()

	var result Result
	select {
	case result = <-resultCh:
		if result.ResponseTime == 0 {
			result.ResponseTime = time.Since(start)
		}
	case <-ctx.Done():
		result = Result{
			Healthy:      false,
			ResponseTime: time.Since(start),
			Error:        fmt.Sprintf("probe timed out after %s", c.timeout),
		}
	}

	s.record(c, result)
}

func (s *Scheduler) record(c *check, result Result) {
	c.mu.Lock()
	c.lastResult = &result
	if result.Healthy {
		c.consecutiveFailures = 0
	} else {
		c.consecutiveFailures++
	}
	failures := c.consecutiveFailures
	c.mu.Unlock()

	healthValue := 0.0
	if result.Healthy {
		healthValue = 1.0
	}
	tags := map[string]string{"check": c.name}
	s.store.Record(MetricHealthCheck, healthValue, metrics.TypeHealth, tags)
	s.store.Record(MetricResponseTime, float64(result.ResponseTime.Milliseconds()), metrics.TypePerformance, tags)

	s.probeDuration.WithLabelValues(c.name).Observe(result.ResponseTime.Seconds())
	if !result.Healthy {
		s.probeFailures.WithLabelValues(c.name).Inc()
		s.logger.Warn("health check failed",
			"check", c.name,
			"error", result.Error,
			"consecutive_failures", failures,
		)
	} else {
		s.logger.Debug("health check passed",
			"check", c.name,
			"response_time", result.ResponseTime,
		)
	}
}

// Statuses returns a snapshot of every registered check.
func (s *Scheduler) Statuses() []CheckStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CheckStatus, 0, len(s.checks))
	for _, c := range s.checks {
		c.mu.Lock()
		st := CheckStatus{
			ID:                  c.id,
			Name:                c.name,
			Interval:            c.interval,
			Timeout:             c.timeout,
			Running:             c.running,
			LastRun:             c.lastRun,
			ConsecutiveFailures: c.consecutiveFailures,
		}
		if c.lastResult != nil {
			cp := *c.lastResult
			st.LastResult = &cp
		}
		c.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Stop halts the tick loop and waits for in-flight sweeps to settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	loopRunning := s.loopRunning
	s.mu.Unlock()

	close(s.stopCh)
	if loopRunning {
		<-s.doneCh
	}
	s.runs.Wait()
}
