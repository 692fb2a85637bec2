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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianPulse/services/pulse/propagation"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tracer"
)

// TraceRequests is gin middleware that records a server span per
// request, continuing the caller's trace when the propagation headers
// are present and starting a fresh one otherwise.
func TraceRequests(t *tracer.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		operation := c.FullPath()
		if operation == "" {
			operation = c.Request.URL.Path
		}

		opts := []tracer.SpanOption{
			tracer.WithComponent("http"),
			tracer.WithTags(map[string]any{
				"http.method": c.Request.Method,
				"http.path":   c.Request.URL.Path,
			}),
		}
		// Without an incoming carrier the server span IS the root;
		// deriving from a minted context would record a parent span
		// that does not exist.
		if parent, ok := propagation.ExtractHTTPContext(c.Request.Header); ok {
			opts = append(opts, tracer.WithParent(parent))
		}
		span := t.StartSpan("http "+c.Request.Method+" "+operation, opts...)
		propagation.InjectHTTP(span.Context(), c.Writer.Header())

		c.Next()

		span.SetTag("http.status", c.Writer.Status())
		if c.Writer.Status() >= 500 {
			span.SetStatus(tracer.StatusError)
		}
		span.Finish()
	}
}

// RegisterRoutes registers the monitor API on the given router group.
//
// Endpoints:
//
//	POST /v1/pulse/metrics - Ingest a metric sample
//	GET  /v1/pulse/traces - Search stored traces
//	GET  /v1/pulse/traces/:id - Fetch one trace
//	GET  /v1/pulse/slas - SLA statuses and compliance report
//	GET  /v1/pulse/alerts - Active alerts and rule state
//	POST /v1/pulse/alerts/:id/resolve - Resolve an active alert
//	GET  /v1/pulse/status - Aggregate system status
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	p := rg.Group("/pulse")
	{
		p.POST("/metrics", handlers.HandleRecordMetric)

		p.GET("/traces", handlers.HandleSearchTraces)
		p.GET("/traces/:id", handlers.HandleGetTrace)

		p.GET("/slas", handlers.HandleSLAs)

		p.GET("/alerts", handlers.HandleAlerts)
		p.POST("/alerts/:id/resolve", handlers.HandleResolveAlert)

		p.GET("/status", handlers.HandleStatus)
	}
}

// NewRouter builds the full gin engine: the versioned API with trace
// middleware, plus the operational endpoints (/health, /ready,
// /metrics) and the websocket alert stream, which skip tracing.
func NewRouter(mon *Monitor) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	handlers := NewHandlers(mon)

	router.GET("/health", handlers.HandleHealth)
	router.GET("/ready", handlers.HandleReady)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		mon.Registry(), promhttp.HandlerOpts{})))

	// The stream holds its connection open for the client's lifetime,
	// so it stays outside the traced group.
	router.GET("/v1/pulse/alerts/stream", mon.Stream.HandleStream)

	v1 := router.Group("/v1")
	v1.Use(TraceRequests(mon.Tracer))
	RegisterRoutes(v1, handlers)

	return router
}
