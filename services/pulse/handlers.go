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
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianPulse/pkg/validation"
	"github.com/AleutianAI/AleutianPulse/services/pulse/alerting"
	"github.com/AleutianAI/AleutianPulse/services/pulse/metrics"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tracer"
)

// Handlers contains the HTTP handlers for the monitor API.
type Handlers struct {
	mon *Monitor
}

// NewHandlers creates handlers for the given monitor.
func NewHandlers(mon *Monitor) *Handlers {
	return &Handlers{mon: mon}
}

// HandleRecordMetric handles POST /v1/pulse/metrics.
//
// Request Body:
//
//	RecordMetricRequest
//
// Response:
//
//	200 OK: RecordMetricResponse
//	400 Bad Request: Validation error
func (h *Handlers) HandleRecordMetric(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRecordMetric")

	var req RecordMetricRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	// Metric names and tags become storage keys and time-series writes;
	// reject anything that could smuggle a delimiter.
	if err := validation.ValidateName(req.Name); err != nil {
		logger.Warn("Invalid metric name", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_METRIC_NAME",
		})
		return
	}
	if err := validation.ValidateTags(req.Tags); err != nil {
		logger.Warn("Invalid metric tags", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_METRIC_TAGS",
		})
		return
	}

	typ := metrics.Type(req.Type)
	if typ == "" {
		typ = metrics.TypeGauge
	}
	switch typ {
	case metrics.TypeGauge, metrics.TypeCounter, metrics.TypeHealth, metrics.TypePerformance:
	default:
		logger.Warn("Unknown metric type", "type", req.Type)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Unknown metric type: " + req.Type,
			Code:  "INVALID_METRIC_TYPE",
		})
		return
	}

	h.mon.Metrics.RecordMetric(metrics.Metric{
		Name:      req.Name,
		Value:     req.Value,
		Type:      typ,
		Timestamp: req.Timestamp,
		Tags:      req.Tags,
	})

	c.JSON(http.StatusOK, RecordMetricResponse{Name: req.Name, Recorded: true})
}

// HandleGetTrace handles GET /v1/pulse/traces/:id.
//
// Response:
//
//	200 OK: tracer.TraceRecord
//	404 Not Found: No trace with the given ID
//	500 Internal Server Error: Storage error
func (h *Handlers) HandleGetTrace(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetTrace")

	traceID := c.Param("id")
	rec, err := h.mon.Tracer.GetTrace(traceID)
	if err != nil {
		if errors.Is(err, tracer.ErrTraceNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "Trace not found: " + traceID,
				Code:  "TRACE_NOT_FOUND",
			})
			return
		}
		logger.Error("Trace lookup failed", "trace_id", traceID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "TRACE_LOOKUP_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// HandleSearchTraces handles GET /v1/pulse/traces.
//
// Query Parameters:
//
//	service, operation, status, min_duration, max_duration, limit
//
// Response:
//
//	200 OK: {"traces": [...], "count": N}
//	400 Bad Request: Unparsable query
func (h *Handlers) HandleSearchTraces(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSearchTraces")

	var q tracer.Query
	if err := c.ShouldBindQuery(&q); err != nil {
		logger.Warn("Invalid query parameters", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid query parameters",
			Code:  "INVALID_QUERY",
		})
		return
	}

	results, err := h.mon.Tracer.SearchTraces(q)
	if err != nil {
		logger.Error("Trace search failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "TRACE_SEARCH_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"traces": results,
		"count":  len(results),
	})
}

// HandleSLAs handles GET /v1/pulse/slas.
func (h *Handlers) HandleSLAs(c *gin.Context) {
	c.JSON(http.StatusOK, SLAResponse{
		SLAs:   h.mon.SLA.Statuses(),
		Report: h.mon.SLA.BuildReport(),
	})
}

// HandleAlerts handles GET /v1/pulse/alerts.
//
// Query Parameters:
//
//	history: when "true", include persisted alert history
//	limit: maximum history entries (default 50)
func (h *Handlers) HandleAlerts(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAlerts")

	resp := AlertsResponse{
		Active: h.mon.Alerts.ActiveAlerts(),
		Rules:  h.mon.Alerts.RuleStatuses(),
	}

	if c.Query("history") == "true" {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		history, err := h.mon.Records.RecentAlerts(limit)
		if err != nil {
			logger.Error("Alert history lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error: err.Error(),
				Code:  "ALERT_HISTORY_FAILED",
			})
			return
		}
		resp.History = history
	}

	c.JSON(http.StatusOK, resp)
}

// HandleResolveAlert handles POST /v1/pulse/alerts/:id/resolve.
//
// Response:
//
//	200 OK: {"resolved": true}
//	404 Not Found: No active alert with the given ID
func (h *Handlers) HandleResolveAlert(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleResolveAlert")

	alertID := c.Param("id")
	if err := h.mon.Alerts.Resolve(alertID); err != nil {
		if errors.Is(err, alerting.ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "Alert not found: " + alertID,
				Code:  "ALERT_NOT_FOUND",
			})
			return
		}
		logger.Error("Alert resolution failed", "alert_id", alertID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "ALERT_RESOLVE_FAILED",
		})
		return
	}

	logger.Info("Alert resolved", "alert_id", alertID)
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

// HandleStatus handles GET /v1/pulse/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.mon.GetSystemStatus())
}

// HandleHealth handles GET /health.
//
// Always 200; the status field reports "ok" or "degraded" so load
// balancers keep routing while operators investigate.
func (h *Handlers) HandleHealth(c *gin.Context) {
	checks := h.mon.Health.Statuses()
	status := "ok"
	for _, check := range checks {
		if check.LastResult != nil && !check.LastResult.Healthy {
			status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, HealthResponse{Status: status, Checks: checks})
}

// HandleReady handles GET /ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.mon.GetSystemStatus().Running {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true, "version": ServiceVersion})
}

// getOrCreateRequestID returns the request's correlation ID, creating
// one when the client didn't send X-Request-ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
