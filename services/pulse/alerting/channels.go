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
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LogChannel writes alerts to the structured log.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a console/log notification channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger.With(slog.String("component", "alert_log_channel"))}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(alert Alert) error {
	c.logger.Warn("ALERT",
		"alert_id", alert.ID,
		"rule", alert.RuleName,
		"severity", alert.Severity,
		"triggering_metrics", len(alert.TriggeringMetrics),
	)
	return nil
}

// FileChannel appends alerts as JSON lines to a durable file.
type FileChannel struct {
	mu   sync.Mutex
	path string
}

// NewFileChannel creates a durable file notification channel.
// The file is opened per delivery so rotation by external tooling
// works without coordination.
func NewFileChannel(path string) *FileChannel {
	return &FileChannel{path: path}
}

func (c *FileChannel) Name() string { return "file" }

func (c *FileChannel) Deliver(alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open alert file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(alert); err != nil {
		return fmt.Errorf("append alert record: %w", err)
	}
	return nil
}

// WebhookChannel POSTs alerts as JSON to an HTTP endpoint.
//
// Deliveries are rate-limited; when the limiter has no token the
// delivery is dropped with an error rather than blocking the
// dispatching goroutine behind a slow or storming endpoint.
type WebhookChannel struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookChannel creates a webhook channel.
//
// Inputs:
//
//	url - The endpoint receiving POSTed alerts.
//	perMinute - Maximum deliveries per minute. Non-positive means 60.
func NewWebhookChannel(url string, perMinute int) *WebhookChannel {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &WebhookChannel{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(alert Alert) error {
	if !c.limiter.Allow() {
		return fmt.Errorf("webhook %s: delivery rate limit exceeded, alert %s dropped", c.url, alert.ID)
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post alert to %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", c.url, resp.StatusCode)
	}
	return nil
}
