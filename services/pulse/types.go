// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pulse

import (
	"time"

	"github.com/AleutianAI/AleutianPulse/services/pulse/alerting"
	"github.com/AleutianAI/AleutianPulse/services/pulse/health"
	"github.com/AleutianAI/AleutianPulse/services/pulse/sla"
)

// ServiceVersion is the monitor's API version.
const ServiceVersion = "0.1.0"

// ErrorResponse is the uniform error body for all endpoints.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// RecordMetricRequest is the body for POST /v1/pulse/metrics.
type RecordMetricRequest struct {
	Name  string            `json:"name" binding:"required"`
	Value float64           `json:"value"`
	Type  string            `json:"type"`
	Tags  map[string]string `json:"tags,omitempty"`

	// Timestamp is optional; zero means receipt time.
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// RecordMetricResponse acknowledges an ingested metric.
type RecordMetricResponse struct {
	Name     string `json:"name"`
	Recorded bool   `json:"recorded"`
}

// AlertsResponse lists active alerts and rule trigger state, plus
// persisted history when requested.
type AlertsResponse struct {
	Active  []alerting.Alert      `json:"active"`
	Rules   []alerting.RuleStatus `json:"rules"`
	History []alerting.Alert      `json:"history,omitempty"`
}

// SLAResponse pairs per-SLA status with a point-in-time report.
type SLAResponse struct {
	SLAs   map[string]sla.Status `json:"slas"`
	Report sla.Report            `json:"report"`
}

// HealthResponse reports per-check outcomes.
type HealthResponse struct {
	Status string               `json:"status"`
	Checks []health.CheckStatus `json:"checks"`
}
