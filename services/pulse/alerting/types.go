// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package alerting evaluates predicate rules over a recent metric
// window and emits alerts through notification channels.
//
// A rule fires only when its condition holds over the current window
// and the cooldown since its last firing has elapsed, so a
// continuously-failing condition fires once per cooldown period rather
// than once per tick. Conditions are a tagged union of built-in
// predicate kinds (threshold, rate-over-window, composite AND/OR) plus
// an escape hatch for a code-registered pure function, which keeps
// file-loaded rules serializable instead of opaque closures.
package alerting

import (
	"errors"
	"time"

	"github.com/AleutianAI/AleutianPulse/services/pulse/metrics"
)

// Sentinel errors for the engine.
var (
	// ErrRuleExists indicates a rule with the same name is already
	// registered.
	ErrRuleExists = errors.New("alert rule already registered")

	// ErrRuleInvalid indicates a rule failed validation.
	ErrRuleInvalid = errors.New("invalid alert rule")

	// ErrAlertNotFound indicates no active alert with the given ID.
	ErrAlertNotFound = errors.New("alert not found")

	// ErrUnknownChannel indicates a rule references a channel name
	// with no registered implementation.
	ErrUnknownChannel = errors.New("unknown notification channel")
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertStatus is an alert's lifecycle state. Alerts are immutable
// after creation except for the terminal resolved transition.
type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// Alert is one firing of a rule.
type Alert struct {
	ID                string           `json:"id"`
	RuleID            string           `json:"rule_id"`
	RuleName          string           `json:"rule_name"`
	Severity          Severity         `json:"severity"`
	Timestamp         time.Time        `json:"timestamp"`
	TriggeringMetrics []metrics.Metric `json:"triggering_metrics,omitempty"`
	Status            AlertStatus      `json:"status"`
	ResolvedAt        time.Time        `json:"resolved_at,omitzero"`
}

// Channel delivers alerts to an operator-facing destination.
//
// The engine invokes Deliver without knowing delivery guarantees; a
// delivery failure is caught and logged, never propagated to abort
// the evaluation tick.
type Channel interface {
	Name() string
	Deliver(alert Alert) error
}

// Rule pairs a condition with firing policy.
//
// Trigger state (lastTriggered, triggerCount) is owned by the engine.
type Rule struct {
	ID       string
	Name     string
	Cond     Condition
	Severity Severity
	Cooldown time.Duration
	Channels []Channel
	Enabled  bool

	// fromFile marks rules loaded from the rules file so a hot reload
	// replaces them without touching code-registered rules.
	fromFile bool

	lastTriggered time.Time
	triggerCount  int
}

// RuleStatus is the externally visible snapshot of a rule.
type RuleStatus struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Severity      Severity      `json:"severity"`
	Cooldown      time.Duration `json:"cooldown"`
	Enabled       bool          `json:"enabled"`
	LastTriggered time.Time     `json:"last_triggered,omitzero"`
	TriggerCount  int           `json:"trigger_count"`
}

// AlertStore is the persistence collaborator for fired alerts.
type AlertStore interface {
	SaveAlert(alert Alert) error
	PurgeAlertsBefore(cutoff time.Time) (int, error)
}
