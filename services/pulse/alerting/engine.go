// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package alerting

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianPulse/services/pulse/metrics"
)

// DefaultLookback is the metric window rules are evaluated against.
const DefaultLookback = 5 * time.Minute

// Config controls engine behavior.
type Config struct {
	// Lookback is the metric window conditions see. Default: 5m.
	Lookback time.Duration `yaml:"lookback"`

	// Interval is the standalone evaluation timer period. The engine
	// also evaluates after every health-check sweep. Default: 30s.
	Interval time.Duration `yaml:"interval"`
}

func (c *Config) applyDefaults() {
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
}

// Engine owns the alert-rule registry and the active-alert map.
//
// # Thread Safety
//
// Safe for concurrent use. Rule mutation is exposed only through
// AddRule/SetEnabled/replaceFileRules; there is no raw iteration.
type Engine struct {
	cfg        Config
	store      *metrics.Store
	alertStore AlertStore
	logger     *slog.Logger

	mu          sync.Mutex
	rules       map[string]*Rule // keyed by name
	active      map[string]*Alert
	stopped     bool
	loopRunning bool

	// publish fans each fired alert out to live subscribers (the
	// websocket hub). Must not block.
	publish func(Alert)

	stopCh chan struct{}
	doneCh chan struct{}

	rulesEvaluated prometheus.Counter
	ruleErrors     prometheus.Counter
	alertsFired    *prometheus.CounterVec
}

// Option customizes the Engine.
type Option func(*Engine)

// WithRegisterer registers self-instrumentation on the given
// registerer. Tests pass a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		factory := promauto.With(reg)
		e.rulesEvaluated = factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_alert_rules_evaluated_total",
			Help: "Rule condition evaluations.",
		})
		e.ruleErrors = factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_alert_rule_errors_total",
			Help: "Rule evaluations that panicked and were isolated.",
		})
		e.alertsFired = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_alerts_fired_total",
			Help: "Alerts fired, by severity.",
		}, []string{"severity"})
	}
}

// WithPublisher installs the live-subscriber fan-out hook.
func WithPublisher(publish func(Alert)) Option {
	return func(e *Engine) { e.publish = publish }
}

// NewEngine creates an Engine evaluating rules against store.
//
// alertStore may be nil; fired alerts then live only in memory.
func NewEngine(cfg Config, store *metrics.Store, alertStore AlertStore, logger *slog.Logger, opts ...Option) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:        cfg,
		store:      store,
		alertStore: alertStore,
		logger:     logger.With(slog.String("component", "alert_engine")),
		rules:      map[string]*Rule{},
		active:     map[string]*Alert{},
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rulesEvaluated == nil {
		WithRegisterer(prometheus.DefaultRegisterer)(e)
	}
	return e
}

// RuleConfig declares a rule to register.
type RuleConfig struct {
	Name     string
	Cond     Condition
	Severity Severity
	Cooldown time.Duration
	Channels []Channel
	Disabled bool
}

// AddRule registers a rule.
func (e *Engine) AddRule(cfg RuleConfig) (string, error) {
	rule, err := buildRule(cfg, false)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.Name]; exists {
		return "", fmt.Errorf("%w: %s", ErrRuleExists, rule.Name)
	}
	e.rules[rule.Name] = rule
	e.logger.Info("alert rule registered",
		"rule", rule.Name,
		"severity", rule.Severity,
		"cooldown", rule.Cooldown,
		"condition", rule.Cond.Describe(),
	)
	return rule.ID, nil
}

func buildRule(cfg RuleConfig, fromFile bool) (*Rule, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrRuleInvalid)
	}
	if cfg.Cond == nil {
		return nil, fmt.Errorf("%w: %s: condition is required", ErrRuleInvalid, cfg.Name)
	}
	if cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("%w: %s: cooldown must be positive", ErrRuleInvalid, cfg.Name)
	}
	severity := cfg.Severity
	if severity == "" {
		severity = SeverityWarning
	}
	return &Rule{
		ID:       uuid.NewString(),
		Name:     cfg.Name,
		Cond:     cfg.Cond,
		Severity: severity,
		Cooldown: cfg.Cooldown,
		Channels: cfg.Channels,
		Enabled:  !cfg.Disabled,
		fromFile: fromFile,
	}, nil
}

// SetEnabled toggles a rule by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("%w: no rule named %s", ErrRuleInvalid, name)
	}
	rule.Enabled = enabled
	return nil
}

// replaceFileRules swaps out all file-sourced rules, preserving
// trigger state for rules whose name survives the reload so a reload
// doesn't defeat cooldowns.
func (e *Engine) replaceFileRules(rules []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := map[string]*Rule{}
	for name, r := range e.rules {
		if r.fromFile {
			old[name] = r
			delete(e.rules, name)
		}
	}
	for _, r := range rules {
		if prev, ok := old[r.Name]; ok {
			r.lastTriggered = prev.lastTriggered
			r.triggerCount = prev.triggerCount
		}
		e.rules[r.Name] = r
	}
}

// Start launches the standalone evaluation timer. Health-check sweeps
// additionally call Evaluate directly.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.loopRunning || e.stopped {
		e.mu.Unlock()
		return
	}
	e.loopRunning = true
	e.mu.Unlock()
	go e.run()
}

func (e *Engine) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Evaluate()
		}
	}
}

// Evaluate runs one evaluation tick over the current metric window.
//
// Each enabled rule outside its cooldown is applied to the metrics
// recorded within the lookback window. Evaluation is isolated per
// rule: a panicking condition is caught, logged, and skipped for this
// tick only.
func (e *Engine) Evaluate() {
	window := e.store.Since(e.cfg.Lookback)
	now := time.Now()

	e.mu.Lock()
	due := make([]*Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		// Cooldown measured from the last firing, not from when the
		// condition first became true.
		if !rule.lastTriggered.IsZero() && now.Sub(rule.lastTriggered) < rule.Cooldown {
			continue
		}
		due = append(due, rule)
	}
	e.mu.Unlock()

	for _, rule := range due {
		e.rulesEvaluated.Inc()
		held, err := e.safeEvaluate(rule, window)
		if err != nil {
			e.ruleErrors.Inc()
			e.logger.Error("rule evaluation failed, skipping for this tick",
				"rule", rule.Name,
				"error", err,
			)
			continue
		}
		if held {
			e.fire(rule, window, now)
		}
	}
}

// safeEvaluate isolates a panicking condition so one bad rule never
// prevents the rest from being evaluated.
func (e *Engine) safeEvaluate(rule *Rule, window []metrics.Metric) (held bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			held = false
			err = fmt.Errorf("condition panicked: %v", r)
		}
	}()
	return rule.Cond.Evaluate(window), nil
}

func (e *Engine) fire(rule *Rule, window []metrics.Metric, now time.Time) {
	alert := &Alert{
		ID:                uuid.NewString(),
		RuleID:            rule.ID,
		RuleName:          rule.Name,
		Severity:          rule.Severity,
		Timestamp:         now,
		TriggeringMetrics: window,
		Status:            AlertFiring,
	}

	e.mu.Lock()
	rule.lastTriggered = now
	rule.triggerCount++
	e.active[alert.ID] = alert
	channels := rule.Channels
	e.mu.Unlock()

	e.alertsFired.WithLabelValues(string(alert.Severity)).Inc()
	e.logger.Warn("alert fired",
		"alert_id", alert.ID,
		"rule", rule.Name,
		"severity", alert.Severity,
	)

	// Dispatch must not block subsequent rule evaluation; failures
	// are logged, never propagated.
	snapshot := *alert
	for _, ch := range channels {
		go func(ch Channel) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("notification channel panicked",
						"channel", ch.Name(), "panic", r)
				}
			}()
			if err := ch.Deliver(snapshot); err != nil {
				e.logger.Error("alert delivery failed",
					"channel", ch.Name(),
					"alert_id", snapshot.ID,
					"error", err,
				)
			}
		}(ch)
	}

	if e.publish != nil {
		e.publish(snapshot)
	}

	if e.alertStore != nil {
		if err := e.alertStore.SaveAlert(snapshot); err != nil {
			e.logger.Warn("alert persistence failed", "alert_id", snapshot.ID, "error", err)
		}
	}
}

// Resolve transitions an active alert to its terminal resolved state.
func (e *Engine) Resolve(alertID string) error {
	e.mu.Lock()
	alert, ok := e.active[alertID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	alert.Status = AlertResolved
	alert.ResolvedAt = time.Now()
	delete(e.active, alertID)
	snapshot := *alert
	e.mu.Unlock()

	e.logger.Info("alert resolved", "alert_id", alertID, "rule", snapshot.RuleName)
	if e.alertStore != nil {
		if err := e.alertStore.SaveAlert(snapshot); err != nil {
			e.logger.Warn("resolved alert persistence failed", "alert_id", alertID, "error", err)
		}
	}
	return nil
}

// ActiveAlerts returns snapshots of all currently firing alerts.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	return out
}

// RuleStatuses returns snapshots of all registered rules.
func (e *Engine) RuleStatuses() []RuleStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RuleStatus, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, RuleStatus{
			ID:            r.ID,
			Name:          r.Name,
			Severity:      r.Severity,
			Cooldown:      r.Cooldown,
			Enabled:       r.Enabled,
			LastTriggered: r.lastTriggered,
			TriggerCount:  r.triggerCount,
		})
	}
	return out
}

// Stop halts the standalone evaluation timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	loopRunning := e.loopRunning
	e.mu.Unlock()

	close(e.stopCh)
	if loopRunning {
		<-e.doneCh
	}
}
