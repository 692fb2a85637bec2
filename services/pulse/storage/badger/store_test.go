// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger_test

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianPulse/services/pulse/alerting"
	"github.com/AleutianAI/AleutianPulse/services/pulse/sla"
	badgerstore "github.com/AleutianAI/AleutianPulse/services/pulse/storage/badger"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tracer"
)

func newTestStore(t *testing.T) *badgerstore.RecordStore {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return badgerstore.NewRecordStore(db, slog.Default())
}

func traceRecord(id string, end time.Time, operations ...string) tracer.TraceRecord {
	spans := make([]tracer.SpanData, 0, len(operations))
	start := end.Add(-time.Duration(len(operations)) * 10 * time.Millisecond)
	for i, op := range operations {
		spans = append(spans, tracer.SpanData{
			OperationName: op,
			Service:       "api",
			StartTime:     start.Add(time.Duration(i) * 10 * time.Millisecond),
			EndTime:       end,
			Duration:      10 * time.Millisecond,
			Status:        tracer.StatusCompleted,
		})
	}
	return tracer.BuildTraceRecord(id, spans)
}

func TestSaveAndGetTrace(t *testing.T) {
	store := newTestStore(t)

	rec := traceRecord("trace-a", time.Now(), "http.request", "db.query")
	if err := store.SaveTrace(rec); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}

	got, found, err := store.GetTrace("trace-a")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if !found {
		t.Fatal("trace not found after save")
	}
	if got.TraceID != "trace-a" || got.SpanCount != 2 {
		t.Errorf("got %s with %d spans, want trace-a with 2", got.TraceID, got.SpanCount)
	}
	if got.Spans[0].OperationName != "http.request" {
		t.Errorf("first span = %s, want http.request", got.Spans[0].OperationName)
	}

	_, found, err = store.GetTrace("missing")
	if err != nil {
		t.Fatalf("GetTrace(missing): %v", err)
	}
	if found {
		t.Error("found a trace that was never saved")
	}
}

// TestResaveMergesSpans covers the force-flush case: a trace persisted
// in two chunks must end up as one merged record, not two.
func TestResaveMergesSpans(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	if err := store.SaveTrace(traceRecord("trace-a", now, "chunk.one")); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}
	if err := store.SaveTrace(traceRecord("trace-a", now.Add(50*time.Millisecond), "chunk.two")); err != nil {
		t.Fatalf("SaveTrace resave: %v", err)
	}

	got, found, err := store.GetTrace("trace-a")
	if err != nil || !found {
		t.Fatalf("GetTrace: found=%v err=%v", found, err)
	}
	if got.SpanCount != 2 || len(got.Spans) != 2 {
		t.Fatalf("merged record has %d spans, want 2", got.SpanCount)
	}

	// The replaced record must not surface as a duplicate in search.
	results, err := store.SearchTraces(tracer.Query{}, 10)
	if err != nil {
		t.Fatalf("SearchTraces: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("search returned %d records after resave, want 1", len(results))
	}
}

func TestSearchTracesNewestFirstWithFilters(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		op := "http.request"
		if i == 3 {
			op = "worker.job"
		}
		rec := traceRecord(fmt.Sprintf("trace-%d", i), base.Add(time.Duration(i)*time.Second), op)
		if err := store.SaveTrace(rec); err != nil {
			t.Fatalf("SaveTrace %d: %v", i, err)
		}
	}

	all, err := store.SearchTraces(tracer.Query{}, 10)
	if err != nil {
		t.Fatalf("SearchTraces: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d records, want 5", len(all))
	}
	if all[0].TraceID != "trace-4" || all[4].TraceID != "trace-0" {
		t.Errorf("order = %s..%s, want trace-4..trace-0", all[0].TraceID, all[4].TraceID)
	}

	jobs, err := store.SearchTraces(tracer.Query{Operation: "worker.job"}, 10)
	if err != nil {
		t.Fatalf("SearchTraces filtered: %v", err)
	}
	if len(jobs) != 1 || jobs[0].TraceID != "trace-3" {
		t.Errorf("filtered = %+v, want only trace-3", jobs)
	}

	limited, err := store.SearchTraces(tracer.Query{}, 2)
	if err != nil {
		t.Fatalf("SearchTraces limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit ignored: got %d records", len(limited))
	}
}

func TestPurgeTracesBefore(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	old := traceRecord("trace-old", now.Add(-2*time.Hour), "http.request")
	fresh := traceRecord("trace-fresh", now, "http.request")
	if err := store.SaveTrace(old); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}
	if err := store.SaveTrace(fresh); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}

	n, err := store.PurgeTracesBefore(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeTracesBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d traces, want 1", n)
	}

	if _, found, _ := store.GetTrace("trace-old"); found {
		t.Error("purged trace still retrievable by ID")
	}
	if _, found, _ := store.GetTrace("trace-fresh"); !found {
		t.Error("fresh trace was purged")
	}

	results, err := store.SearchTraces(tracer.Query{}, 10)
	if err != nil {
		t.Fatalf("SearchTraces: %v", err)
	}
	if len(results) != 1 || results[0].TraceID != "trace-fresh" {
		t.Errorf("post-purge search = %+v, want only trace-fresh", results)
	}
}

func TestAlertLifecyclePersistence(t *testing.T) {
	store := newTestStore(t)

	fired := alerting.Alert{
		ID:        "alert-1",
		RuleID:    "rule-1",
		RuleName:  "high latency",
		Severity:  alerting.SeverityCritical,
		Timestamp: time.Now(),
		Status:    alerting.AlertFiring,
	}
	if err := store.SaveAlert(fired); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	// Persisting the resolved snapshot replaces the firing record.
	resolved := fired
	resolved.Status = alerting.AlertResolved
	resolved.ResolvedAt = time.Now()
	if err := store.SaveAlert(resolved); err != nil {
		t.Fatalf("SaveAlert resolved: %v", err)
	}

	alerts, err := store.RecentAlerts(10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("got %d alert records, want 1", len(alerts))
	}
	if alerts[0].Status != alerting.AlertResolved {
		t.Errorf("status = %s, want resolved", alerts[0].Status)
	}
	if alerts[0].ResolvedAt.IsZero() {
		t.Error("resolved snapshot lost its resolution time")
	}
}

func TestRecentAlertsOrderAndPurge(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	for i := 0; i < 4; i++ {
		a := alerting.Alert{
			ID:        fmt.Sprintf("alert-%d", i),
			RuleName:  "rule",
			Severity:  alerting.SeverityWarning,
			Timestamp: now.Add(time.Duration(i-3) * time.Hour),
			Status:    alerting.AlertFiring,
		}
		if err := store.SaveAlert(a); err != nil {
			t.Fatalf("SaveAlert %d: %v", i, err)
		}
	}

	alerts, err := store.RecentAlerts(2)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(alerts) != 2 || alerts[0].ID != "alert-3" || alerts[1].ID != "alert-2" {
		t.Fatalf("recent = %+v, want alert-3 then alert-2", alerts)
	}

	n, err := store.PurgeAlertsBefore(now.Add(-90 * time.Minute))
	if err != nil {
		t.Fatalf("PurgeAlertsBefore: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d alerts, want 2", n)
	}
	remaining, _ := store.RecentAlerts(10)
	if len(remaining) != 2 {
		t.Errorf("%d alerts remain, want 2", len(remaining))
	}
}

func TestReportRoundTripAndPurge(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	for i := 0; i < 3; i++ {
		r := sla.Report{
			Timestamp:         now.Add(time.Duration(i-2) * time.Hour),
			OverallCompliance: float64(90 + i),
			SLAs: map[string]sla.Status{
				"api_latency": {State: sla.StateHealthy, CompliancePct: float64(90 + i)},
			},
			Summary: sla.ReportSummary{Healthy: 1},
		}
		if err := store.SaveReport(r); err != nil {
			t.Fatalf("SaveReport %d: %v", i, err)
		}
	}

	reports, err := store.RecentReports(2)
	if err != nil {
		t.Fatalf("RecentReports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if reports[0].OverallCompliance != 92 {
		t.Errorf("newest OverallCompliance = %v, want 92", reports[0].OverallCompliance)
	}
	if _, ok := reports[0].SLAs["api_latency"]; !ok {
		t.Error("per-SLA status lost in round trip")
	}

	n, err := store.PurgeReportsBefore(now.Add(-30 * time.Minute))
	if err != nil {
		t.Fatalf("PurgeReportsBefore: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d reports, want 2", n)
	}
}
