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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianPulse/services/pulse/alerting"
	"github.com/AleutianAI/AleutianPulse/services/pulse/config"
	"github.com/AleutianAI/AleutianPulse/services/pulse/health"
	"github.com/AleutianAI/AleutianPulse/services/pulse/metrics"
	"github.com/AleutianAI/AleutianPulse/services/pulse/sla"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tracer"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

// testConfig returns an in-memory configuration whose background
// intervals are long enough that only explicit Tick calls drive the
// components under test.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Health.TickInterval = time.Hour
	cfg.Alerting.Interval = time.Hour
	cfg.SLA.Interval = time.Hour
	cfg.Tracing.SweepInterval = time.Hour
	return cfg
}

func newTestMonitor(t *testing.T, cfg config.Config) *Monitor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mon, err := NewMonitor(cfg, logger)
	if err != nil {
		t.Fatalf("NewMonitor error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mon.Stop(ctx); err != nil {
			t.Errorf("Stop error = %v", err)
		}
	})
	if err := mon.Start(); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	return mon
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestMonitor_StartStopIdempotent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mon, err := NewMonitor(testConfig(), logger)
	if err != nil {
		t.Fatalf("NewMonitor error = %v", err)
	}

	if err := mon.Start(); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	if err := mon.Start(); err != nil {
		t.Fatalf("second Start error = %v", err)
	}

	status := mon.GetSystemStatus()
	if !status.Running {
		t.Error("expected Running=true after Start")
	}
	if status.Service != "pulse" {
		t.Errorf("expected service 'pulse', got %q", status.Service)
	}

	ctx := context.Background()
	if err := mon.Stop(ctx); err != nil {
		t.Fatalf("Stop error = %v", err)
	}
	if err := mon.Stop(ctx); err != nil {
		t.Fatalf("second Stop error = %v", err)
	}
	if mon.GetSystemStatus().Running {
		t.Error("expected Running=false after Stop")
	}
}

func TestHandlers_HandleRecordMetric(t *testing.T) {
	mon := newTestMonitor(t, testConfig())
	router := NewRouter(mon)

	body := `{"name": "latency", "value": 42.5, "type": "performance", "tags": {"endpoint": "/v1/query"}}`
	req, _ := http.NewRequest("POST", "/v1/pulse/metrics", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp RecordMetricResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !resp.Recorded || resp.Name != "latency" {
		t.Errorf("unexpected response: %+v", resp)
	}

	if got := mon.Metrics.Len(); got != 1 {
		t.Errorf("expected 1 metric in window, got %d", got)
	}
	stats, ok := mon.Metrics.AggregateWindow("latency", time.Minute)
	if !ok || stats.Avg != 42.5 {
		t.Errorf("AggregateWindow = %+v, ok=%v", stats, ok)
	}
}

func TestHandlers_HandleRecordMetric_InvalidRequests(t *testing.T) {
	mon := newTestMonitor(t, testConfig())
	router := NewRouter(mon)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing name",
			body:       `{"value": 1}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "unparsable body",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "injection in name",
			body:       `{"name": "latency,host=evil value=1", "value": 1}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_METRIC_NAME",
		},
		{
			name:       "control characters in tag",
			body:       `{"name": "latency", "value": 1, "tags": {"endpoint": "a\nb"}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_METRIC_TAGS",
		},
		{
			name:       "unknown type",
			body:       `{"name": "x", "value": 1, "type": "histogram"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_METRIC_TYPE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", "/v1/pulse/metrics", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestTraceRequests_RecordsServerSpan(t *testing.T) {
	mon := newTestMonitor(t, testConfig())
	router := NewRouter(mon)

	req, _ := http.NewRequest("GET", "/v1/pulse/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	traceID := w.Header().Get("Pulse-Trace-Id")
	if traceID == "" {
		t.Fatal("expected trace context in response headers")
	}

	// The root span flushes synchronously on Finish, so the trace is
	// queryable as soon as the response is written.
	rec, err := mon.Tracer.GetTrace(traceID)
	if err != nil {
		t.Fatalf("GetTrace error = %v", err)
	}
	if rec.SpanCount != 1 {
		t.Errorf("expected 1 span, got %d", rec.SpanCount)
	}
	if op := rec.Spans[0].OperationName; op != "http GET /v1/pulse/status" {
		t.Errorf("unexpected operation name %q", op)
	}
	if parent := rec.Spans[0].Context.ParentSpanID; parent != "" {
		t.Errorf("header-less request must record a root span, got parent %q", parent)
	}

	getReq, _ := http.NewRequest("GET", "/v1/pulse/traces/"+traceID, nil)
	getW := httptest.NewRecorder()
	router.ServeHTTP(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Errorf("expected status %d fetching trace, got %d", http.StatusOK, getW.Code)
	}
}

func TestTraceRequests_ContinuesCallerTrace(t *testing.T) {
	mon := newTestMonitor(t, testConfig())
	router := NewRouter(mon)

	callerTrace := strings.Repeat("ab", 16)
	callerSpan := strings.Repeat("cd", 8)

	req, _ := http.NewRequest("GET", "/v1/pulse/status", nil)
	req.Header.Set("Pulse-Trace-Id", callerTrace)
	req.Header.Set("Pulse-Span-Id", callerSpan)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Pulse-Trace-Id"); got != callerTrace {
		t.Errorf("expected trace %q to continue, got %q", callerTrace, got)
	}
	rec, err := mon.Tracer.GetTrace(callerTrace)
	if err != nil {
		t.Fatalf("GetTrace error = %v", err)
	}
	if parent := rec.Spans[0].Context.ParentSpanID; parent != callerSpan {
		t.Errorf("expected parent span %q, got %q", callerSpan, parent)
	}
}

func TestHandlers_HandleGetTrace_NotFound(t *testing.T) {
	mon := newTestMonitor(t, testConfig())
	router := NewRouter(mon)

	req, _ := http.NewRequest("GET", "/v1/pulse/traces/deadbeef", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Code != "TRACE_NOT_FOUND" {
		t.Errorf("expected code TRACE_NOT_FOUND, got %q", resp.Code)
	}
}

func TestHandlers_SearchTraces(t *testing.T) {
	mon := newTestMonitor(t, testConfig())
	router := NewRouter(mon)

	// Each request through the traced group produces one stored trace.
	for range 3 {
		req, _ := http.NewRequest("GET", "/v1/pulse/status", nil)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	req, _ := http.NewRequest("GET", "/v1/pulse/traces?operation=http%20GET%20/v1/pulse/status&limit=2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp struct {
		Traces []tracer.TraceRecord `json:"traces"`
		Count  int                  `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Count != 2 || len(resp.Traces) != 2 {
		t.Errorf("expected 2 traces, got count=%d len=%d", resp.Count, len(resp.Traces))
	}
}

func TestHandlers_AlertLifecycle(t *testing.T) {
	mon := newTestMonitor(t, testConfig())
	router := NewRouter(mon)

	_, err := mon.Alerts.AddRule(alerting.RuleConfig{
		Name:     "high-latency",
		Cond:     alerting.Threshold{Metric: "latency", Op: alerting.OpGT, Value: 100},
		Severity: alerting.SeverityCritical,
		Cooldown: time.Minute,
		Channels: []alerting.Channel{alerting.NewLogChannel(nil)},
	})
	if err != nil {
		t.Fatalf("AddRule error = %v", err)
	}

	mon.Metrics.Record("latency", 250, metrics.TypePerformance, nil)
	mon.Alerts.Evaluate()

	req, _ := http.NewRequest("GET", "/v1/pulse/alerts?history=true", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp AlertsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(resp.Active) != 1 {
		t.Fatalf("expected 1 active alert, got %d", len(resp.Active))
	}
	if len(resp.History) != 1 {
		t.Errorf("expected 1 persisted alert, got %d", len(resp.History))
	}

	alertID := resp.Active[0].ID
	resolveReq, _ := http.NewRequest("POST", "/v1/pulse/alerts/"+alertID+"/resolve", nil)
	resolveW := httptest.NewRecorder()
	router.ServeHTTP(resolveW, resolveReq)
	if resolveW.Code != http.StatusOK {
		t.Fatalf("expected status %d resolving, got %d", http.StatusOK, resolveW.Code)
	}

	againW := httptest.NewRecorder()
	againReq, _ := http.NewRequest("POST", "/v1/pulse/alerts/"+alertID+"/resolve", nil)
	router.ServeHTTP(againW, againReq)
	if againW.Code != http.StatusNotFound {
		t.Errorf("expected status %d on second resolve, got %d", http.StatusNotFound, againW.Code)
	}
}

func TestHandlers_HandleSLAs(t *testing.T) {
	cfg := testConfig()
	cfg.SLA.Definitions = []sla.SLA{{
		Name:              "api-latency",
		Metric:            "latency",
		Target:            200,
		WarningThreshold:  250,
		CriticalThreshold: 400,
		MeasurementWindow: time.Minute,
		Direction:         sla.LowerIsBetter,
	}}
	mon := newTestMonitor(t, cfg)
	router := NewRouter(mon)

	mon.Metrics.Record("latency", 150, metrics.TypePerformance, nil)
	mon.SLA.Tick()

	req, _ := http.NewRequest("GET", "/v1/pulse/slas", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp SLAResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(resp.SLAs) != 1 {
		t.Fatalf("expected 1 SLA status, got %d", len(resp.SLAs))
	}
	st, ok := resp.SLAs["api-latency"]
	if !ok || st.State != sla.StateHealthy {
		t.Errorf("unexpected SLA status: %+v", resp.SLAs)
	}
	if resp.Report.OverallCompliance != 100 {
		t.Errorf("expected 100%% compliance, got %v", resp.Report.OverallCompliance)
	}
}

func TestMonitor_SLAViolationNotifiesAndPersists(t *testing.T) {
	cfg := testConfig()
	cfg.SLA.Definitions = []sla.SLA{{
		Name:              "api-latency",
		Metric:            "latency",
		Target:            200,
		WarningThreshold:  250,
		CriticalThreshold: 400,
		MeasurementWindow: time.Minute,
		Direction:         sla.LowerIsBetter,
	}}
	mon := newTestMonitor(t, cfg)

	mon.Metrics.Record("latency", 500, metrics.TypePerformance, nil)
	mon.SLA.Tick()

	history, err := mon.Records.RecentAlerts(10)
	if err != nil {
		t.Fatalf("RecentAlerts error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 persisted SLA alert, got %d", len(history))
	}
	if history[0].RuleName != "sla:api-latency" {
		t.Errorf("unexpected rule name %q", history[0].RuleName)
	}
	if history[0].Severity != alerting.SeverityCritical {
		t.Errorf("expected critical severity, got %q", history[0].Severity)
	}
}

func TestHandlers_HealthDegradedOnFailingCheck(t *testing.T) {
	mon := newTestMonitor(t, testConfig())
	router := NewRouter(mon)

	_, err := mon.Health.Register("backend", time.Millisecond, time.Second,
		func(ctx context.Context) health.Result {
			return health.Result{Healthy: false, Error: "connection refused"}
		})
	if err != nil {
		t.Fatalf("Register error = %v", err)
	}
	mon.Health.Tick()

	req, _ := http.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected status 'degraded', got %q", resp.Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("expected 1 check, got %d", len(resp.Checks))
	}

	if got := mon.GetSystemStatus().Components; got.Unhealthy != 1 {
		t.Errorf("expected 1 unhealthy component, got %+v", got)
	}
}

func TestHandlers_HandleReady(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mon, err := NewMonitor(testConfig(), logger)
	if err != nil {
		t.Fatalf("NewMonitor error = %v", err)
	}
	router := NewRouter(mon)

	req, _ := http.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d before Start, got %d", http.StatusServiceUnavailable, w.Code)
	}

	if err := mon.Start(); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	defer mon.Stop(context.Background())

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/ready", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d after Start, got %d", http.StatusOK, w.Code)
	}
}

func TestStream_BroadcastReachesWebsocketClient(t *testing.T) {
	mon := newTestMonitor(t, testConfig())
	srv := httptest.NewServer(NewRouter(mon))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/pulse/alerts/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	waitFor(t, 2*time.Second, func() bool { return mon.Stream.ClientCount() == 1 })

	sent := alerting.Alert{
		ID:       "a-1",
		RuleName: "high-latency",
		Severity: alerting.SeverityWarning,
		Status:   alerting.AlertFiring,
	}
	mon.Stream.Broadcast(sent)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got alerting.Alert
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON error = %v", err)
	}
	if got.ID != sent.ID || got.RuleName != sent.RuleName {
		t.Errorf("received alert %+v, want %+v", got, sent)
	}
}
