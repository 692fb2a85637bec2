// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the monitor's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPulse/services/pulse/metrics"
	"github.com/AleutianAI/AleutianPulse/services/pulse/sla"
)

// configValidate is the shared validator instance for config structs.
var configValidate = validator.New()

// Config is the full monitor configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Health   HealthConfig   `yaml:"health"`
	Alerting AlertingConfig `yaml:"alerting"`
	SLA      SLAConfig      `yaml:"sla"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServiceConfig identifies this monitor instance.
type ServiceConfig struct {
	// Name tags every span, metric and log line from this instance.
	Name string `yaml:"name" validate:"required"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port" validate:"gte=1,lte=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// TracingConfig configures span recording.
type TracingConfig struct {
	Enabled          bool          `yaml:"enabled"`
	SamplingRate     float64       `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MaxSpansPerTrace int           `yaml:"max_spans_per_trace" validate:"gte=0"`
	Retention        time.Duration `yaml:"retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// MetricsConfig configures the metric window and optional mirror sink.
type MetricsConfig struct {
	// WindowCapacity bounds the in-memory metric ring buffer.
	WindowCapacity int `yaml:"window_capacity" validate:"gt=0"`

	// Influx optionally mirrors every metric to InfluxDB.
	Influx InfluxConfig `yaml:"influx"`
}

// InfluxConfig wraps the metric sink settings with an enable switch.
type InfluxConfig struct {
	Enabled bool                 `yaml:"enabled"`
	Sink    metrics.InfluxConfig `yaml:",inline"`
}

// HealthConfig configures the health check scheduler.
type HealthConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// AlertingConfig configures the alert rule engine.
type AlertingConfig struct {
	Interval time.Duration `yaml:"interval"`
	Lookback time.Duration `yaml:"lookback"`

	// RulesFile is an optional YAML rules file, hot-reloaded when
	// WatchRules is set.
	RulesFile  string `yaml:"rules_file"`
	WatchRules bool   `yaml:"watch_rules"`

	// AlertsLogPath enables the file notification channel.
	AlertsLogPath string `yaml:"alerts_log_path"`

	// Webhook enables the webhook notification channel.
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig configures the webhook notification channel.
type WebhookConfig struct {
	URL       string `yaml:"url" validate:"omitempty,url"`
	PerMinute int    `yaml:"per_minute" validate:"gte=0"`
}

// SLAConfig configures compliance tracking.
type SLAConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Definitions []sla.SLA     `yaml:"definitions" validate:"dive"`
}

// StorageConfig configures the embedded record database.
type StorageConfig struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// Default returns a runnable configuration: in-memory storage, full
// sampling, notifications to the log channel only.
func Default() Config {
	return Config{
		Service: ServiceConfig{Name: "pulse"},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8844,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: true},
		Tracing: TracingConfig{
			Enabled:          true,
			SamplingRate:     1.0,
			MaxSpansPerTrace: 1000,
			Retention:        24 * time.Hour,
			SweepInterval:    time.Minute,
		},
		Metrics: MetricsConfig{WindowCapacity: 4096},
		Health:  HealthConfig{TickInterval: time.Second},
		Alerting: AlertingConfig{
			Interval: 30 * time.Second,
			Lookback: 5 * time.Minute,
		},
		SLA: SLAConfig{Interval: 30 * time.Second},
		Storage: StorageConfig{
			InMemory:   true,
			SyncWrites: false,
			GCInterval: 5 * time.Minute,
		},
	}
}

// Load reads a YAML config file over the defaults and validates the
// result. An empty path returns validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("invalid config: storage.path is required when storage is persistent")
	}
	if c.Alerting.WatchRules && c.Alerting.RulesFile == "" {
		return fmt.Errorf("invalid config: alerting.watch_rules requires alerting.rules_file")
	}
	for _, def := range c.SLA.Definitions {
		if def.Direction != sla.LowerIsBetter && def.Direction != sla.HigherIsBetter {
			return fmt.Errorf("invalid config: sla %q: bad direction %q", def.Name, def.Direction)
		}
	}
	return nil
}
