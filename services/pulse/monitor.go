// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pulse wires the observability components into one monitor:
// trace recording, scheduled health checks, the metric window, alert
// rules, SLA compliance tracking and the persistence layer, exposed
// over an HTTP API.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AleutianAI/AleutianPulse/services/pulse/alerting"
	"github.com/AleutianAI/AleutianPulse/services/pulse/config"
	"github.com/AleutianAI/AleutianPulse/services/pulse/health"
	"github.com/AleutianAI/AleutianPulse/services/pulse/metrics"
	"github.com/AleutianAI/AleutianPulse/services/pulse/sla"
	badgerstore "github.com/AleutianAI/AleutianPulse/services/pulse/storage/badger"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tracer"
)

// Monitor owns every observability component and their lifecycles.
//
// Construction wires the data paths: health probe outcomes land in
// the metric store, the alert engine evaluates that store after every
// health sweep, SLA violations feed the notification channels, and
// finished traces, fired alerts and compliance reports share one
// embedded database.
//
// # Thread Safety
//
// Safe for concurrent use after NewMonitor returns.
type Monitor struct {
	cfg    config.Config
	logger *slog.Logger

	registry *prometheus.Registry

	db      *badgerstore.DB
	Records *badgerstore.RecordStore
	Metrics *metrics.Store
	Tracer  *tracer.Tracer
	Health  *health.Scheduler
	Alerts  *alerting.Engine
	SLA     *sla.Tracker
	Stream  *Hub

	channels map[string]alerting.Channel
	influx   *metrics.InfluxSink

	mu             sync.Mutex
	running        bool
	startedAt      time.Time
	stopRulesWatch func()
}

// NewMonitor builds a fully wired but not yet started monitor.
func NewMonitor(cfg config.Config, logger *slog.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	db, err := badgerstore.OpenDB(badgerstore.Config{
		Path:       cfg.Storage.Path,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		GCInterval: cfg.Storage.GCInterval,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open record database: %w", err)
	}
	m.db = db
	m.Records = badgerstore.NewRecordStore(db, logger)

	storeOpts := []metrics.StoreOption{metrics.WithRegisterer(m.registry)}
	if cfg.Metrics.Influx.Enabled {
		m.influx = metrics.NewInfluxSink(cfg.Metrics.Influx.Sink, logger)
		storeOpts = append(storeOpts, metrics.WithSink(m.influx))
	}
	m.Metrics = metrics.NewStore(cfg.Metrics.WindowCapacity, storeOpts...)

	m.Tracer = tracer.New(tracer.Config{
		Enabled:          cfg.Tracing.Enabled,
		ServiceName:      cfg.Service.Name,
		SamplingRate:     cfg.Tracing.SamplingRate,
		MaxSpansPerTrace: cfg.Tracing.MaxSpansPerTrace,
		Retention:        cfg.Tracing.Retention,
		SweepInterval:    cfg.Tracing.SweepInterval,
	}, m.Records, logger, tracer.WithRegisterer(m.registry))

	m.Stream = NewHub(logger)

	m.Alerts = alerting.NewEngine(alerting.Config{
		Lookback: cfg.Alerting.Lookback,
		Interval: cfg.Alerting.Interval,
	}, m.Metrics, m.Records, logger,
		alerting.WithRegisterer(m.registry),
		alerting.WithPublisher(m.Stream.Broadcast),
	)

	m.channels = map[string]alerting.Channel{
		"log": alerting.NewLogChannel(logger),
	}
	if cfg.Alerting.AlertsLogPath != "" {
		m.channels["file"] = alerting.NewFileChannel(cfg.Alerting.AlertsLogPath)
	}
	if cfg.Alerting.Webhook.URL != "" {
		m.channels["webhook"] = alerting.NewWebhookChannel(
			cfg.Alerting.Webhook.URL, cfg.Alerting.Webhook.PerMinute)
	}
	if cfg.Alerting.RulesFile != "" {
		if err := m.Alerts.LoadRules(cfg.Alerting.RulesFile, m.channels); err != nil {
			db.Close()
			return nil, fmt.Errorf("load alert rules: %w", err)
		}
	}

	// A full probe sweep triggers rule evaluation so alerts see fresh
	// health metrics without waiting for the engine's own timer.
	m.Health = health.NewScheduler(cfg.Health.TickInterval, m.Metrics, logger,
		health.WithRegisterer(m.registry),
		health.WithAfterTick(m.Alerts.Evaluate),
	)

	m.SLA = sla.NewTracker(cfg.SLA.Interval, m.Metrics, logger,
		sla.WithReportStore(m.Records),
		sla.WithEventSink(m.handleSLAEvent),
	)
	for _, def := range cfg.SLA.Definitions {
		if err := m.SLA.Register(def); err != nil {
			db.Close()
			return nil, fmt.Errorf("register sla: %w", err)
		}
	}

	return m, nil
}

// Registry exposes the self-instrumentation registry for the /metrics
// endpoint.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Channels returns the configured notification channels by name.
func (m *Monitor) Channels() map[string]alerting.Channel {
	return m.channels
}

// handleSLAEvent turns an SLA state change into an alert and pushes
// it through the same notification paths rule firings use.
func (m *Monitor) handleSLAEvent(ev sla.Event) {
	alert := alerting.Alert{
		ID:        uuid.NewString(),
		RuleName:  "sla:" + ev.SLAName,
		Timestamp: ev.Timestamp,
		Status:    alerting.AlertFiring,
	}
	switch {
	case ev.Type == sla.EventRecovery:
		alert.Severity = alerting.SeverityInfo
		alert.Status = alerting.AlertResolved
		alert.ResolvedAt = ev.Timestamp
	case ev.State == sla.StateCritical:
		alert.Severity = alerting.SeverityCritical
	default:
		alert.Severity = alerting.SeverityWarning
	}

	for name, ch := range m.channels {
		go func(name string, ch alerting.Channel) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("sla notification channel panicked",
						"channel", name, "panic", r)
				}
			}()
			if err := ch.Deliver(alert); err != nil {
				m.logger.Warn("sla notification delivery failed",
					"channel", name, "error", err)
			}
		}(name, ch)
	}
	m.Stream.Broadcast(alert)

	if err := m.Records.SaveAlert(alert); err != nil {
		m.logger.Warn("sla alert persistence failed", "error", err)
	}
}

// Start launches all component loops. Idempotent.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	m.Tracer.Start()
	m.Health.Start()
	m.Alerts.Start()
	m.SLA.Start()

	if m.cfg.Alerting.WatchRules {
		stop, err := m.Alerts.WatchRules(m.cfg.Alerting.RulesFile, m.channels, m.logger)
		if err != nil {
			return fmt.Errorf("watch alert rules: %w", err)
		}
		m.stopRulesWatch = stop
	}

	m.running = true
	m.startedAt = time.Now()
	m.logger.Info("monitor started", "service", m.cfg.Service.Name)
	return nil
}

// Stop drains and shuts down in dependency order: probes stop feeding
// metrics, the rule engine and SLA tracker take a final pass, then
// in-flight spans are force-finished and flushed before the database
// closes.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopWatch := m.stopRulesWatch
	m.stopRulesWatch = nil
	m.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}

	m.Health.Stop()
	m.Alerts.Stop()

	// Final compliance report over whatever the window still holds.
	m.SLA.Tick()
	m.SLA.Stop()

	var errs []error
	if err := m.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}

	m.Stream.Close()
	if m.influx != nil {
		m.influx.Close()
	}
	if err := m.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close record database: %w", err))
	}

	m.logger.Info("monitor stopped", "service", m.cfg.Service.Name)
	return errors.Join(errs...)
}

// ComponentSummary counts registered health checks by outcome.
type ComponentSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// SystemStatus is the aggregate view served by the status endpoint.
type SystemStatus struct {
	Service           string           `json:"service"`
	Running           bool             `json:"running"`
	UptimeSeconds     float64          `json:"uptime_seconds"`
	Components        ComponentSummary `json:"components"`
	ActiveAlerts      int              `json:"active_alerts"`
	RecentMetricCount int              `json:"recent_metric_count"`
	Tracing           tracer.Stats     `json:"tracing"`
	StreamClients     int              `json:"stream_clients"`
}

// GetSystemStatus assembles the aggregate health view.
//
// Checks that have not produced a result yet count as unhealthy: a
// component is healthy only on evidence.
func (m *Monitor) GetSystemStatus() SystemStatus {
	m.mu.Lock()
	running := m.running
	startedAt := m.startedAt
	m.mu.Unlock()

	status := SystemStatus{
		Service:           m.cfg.Service.Name,
		Running:           running,
		ActiveAlerts:      len(m.Alerts.ActiveAlerts()),
		RecentMetricCount: m.Metrics.Len(),
		Tracing:           m.Tracer.Snapshot(),
		StreamClients:     m.Stream.ClientCount(),
	}
	if running {
		status.UptimeSeconds = time.Since(startedAt).Seconds()
	}

	for _, check := range m.Health.Statuses() {
		status.Components.Total++
		if check.LastResult != nil && check.LastResult.Healthy {
			status.Components.Healthy++
		} else {
			status.Components.Unhealthy++
		}
	}
	return status
}
