// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxConfig configures the optional InfluxDB metric mirror.
type InfluxConfig struct {
	// URL is the InfluxDB endpoint, e.g. "http://influxdb:8086".
	URL string `yaml:"url"`

	// Token is the API token. Leave empty for unauthenticated dev setups.
	Token string `yaml:"token"`

	// Org is the InfluxDB organization.
	Org string `yaml:"org"`

	// Bucket receives the mirrored measurements.
	Bucket string `yaml:"bucket"`
}

// InfluxSink mirrors every recorded metric to InfluxDB.
//
// # Description
//
// Uses the client's non-blocking write API: points are buffered and
// flushed in batches on a background goroutine, so Write never blocks
// the recording path. Write errors are logged by the error listener
// and otherwise dropped; a metric mirror must not fail the pipeline
// that produced the measurement.
//
// # Thread Safety
//
// Safe for concurrent use.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *slog.Logger
}

// NewInfluxSink creates a sink writing to the configured bucket.
//
// Call Close on shutdown to flush buffered points.
func NewInfluxSink(cfg InfluxConfig, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	sink := &InfluxSink{
		client:   client,
		writeAPI: writeAPI,
		logger:   logger.With(slog.String("component", "influx_sink")),
	}

	go func() {
		for err := range writeAPI.Errors() {
			sink.logger.Warn("influx write failed", "error", err)
		}
	}()

	return sink
}

// Write buffers one metric as an InfluxDB point.
func (s *InfluxSink) Write(m Metric) {
	tags := map[string]string{"type": string(m.Type)}
	for k, v := range m.Tags {
		tags[k] = v
	}
	p := influxdb2.NewPoint(
		m.Name,
		tags,
		map[string]interface{}{"value": m.Value},
		m.Timestamp,
	)
	s.writeAPI.WritePoint(p)
}

// Close flushes buffered points and releases the client.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}
