// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package propagation generates and propagates trace context across
// asynchronous pipeline stages.
//
// A TraceContext is pure data: a trace identifier shared by an entire
// causally-linked operation tree, a per-span identifier, an optional
// parent span identifier, and a baggage map copied verbatim into every
// child context. Contexts cross process or stage boundaries through a
// transport-agnostic string-keyed carrier.
package propagation

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
)

// Carrier keys. Baggage entries use the prefix followed by the key name.
const (
	TraceIDKey       = "pulse-trace-id"
	SpanIDKey        = "pulse-span-id"
	ParentSpanIDKey  = "pulse-parent-id"
	BaggagePrefix    = "pulse-baggage-"
	traceIDHexLength = 32 // 128 bits
	spanIDHexLength  = 16 // 64 bits
)

// TraceContext identifies a span within a trace, plus propagated baggage.
//
// Baggage flows one direction only: a child receives a copy of its
// parent's baggage at derivation time, and later mutations on the child
// never flow back to the parent.
type TraceContext struct {
	// TraceID is stable for an entire causally-linked operation tree.
	// 128 bits, hex-encoded.
	TraceID string `json:"trace_id"`

	// SpanID is unique per span. 64 bits, hex-encoded.
	SpanID string `json:"span_id"`

	// ParentSpanID references the span that derived this context.
	// Empty for root contexts.
	ParentSpanID string `json:"parent_span_id,omitempty"`

	// Baggage is key-value metadata propagated to all descendants.
	Baggage map[string]string `json:"baggage,omitempty"`
}

// NewRoot creates a fresh root context.
//
// Identifiers are drawn from crypto/rand: 128 bits for the trace ID and
// 64 bits for the span ID, wide enough to make collision negligible.
func NewRoot() TraceContext {
	return TraceContext{
		TraceID: randomHex(traceIDHexLength / 2),
		SpanID:  randomHex(spanIDHexLength / 2),
		Baggage: map[string]string{},
	}
}

// DeriveChild creates a child context from ctx.
//
// The child shares the trace ID, gets a fresh span ID, records ctx's
// span ID as its parent, and receives a by-value copy of the baggage.
func DeriveChild(ctx TraceContext) TraceContext {
	child := TraceContext{
		TraceID:      ctx.TraceID,
		SpanID:       randomHex(spanIDHexLength / 2),
		ParentSpanID: ctx.SpanID,
		Baggage:      make(map[string]string, len(ctx.Baggage)),
	}
	for k, v := range ctx.Baggage {
		child.Baggage[k] = v
	}
	return child
}

// SetBaggage stores a baggage item on the context.
//
// Only descendants derived after the call observe the value.
func (tc *TraceContext) SetBaggage(key, value string) {
	if tc.Baggage == nil {
		tc.Baggage = map[string]string{}
	}
	tc.Baggage[key] = value
}

// GetBaggage returns a baggage item, or "" if absent.
func (tc TraceContext) GetBaggage(key string) string {
	return tc.Baggage[key]
}

// Valid reports whether the context carries well-formed identifiers.
func (tc TraceContext) Valid() bool {
	return isHex(tc.TraceID, traceIDHexLength) && isHex(tc.SpanID, spanIDHexLength)
}

// Inject writes the context into a string-keyed carrier map.
//
// The carrier may be any transport representation (message headers,
// task metadata). Existing baggage keys in the carrier are overwritten.
func Inject(tc TraceContext, carrier map[string]string) {
	if carrier == nil {
		return
	}
	carrier[TraceIDKey] = tc.TraceID
	carrier[SpanIDKey] = tc.SpanID
	if tc.ParentSpanID != "" {
		carrier[ParentSpanIDKey] = tc.ParentSpanID
	}
	for k, v := range tc.Baggage {
		carrier[BaggagePrefix+k] = v
	}
}

// Extract reads a context from a carrier map.
//
// A nil, missing, or malformed carrier never produces an error: the
// caller gets a fresh root context instead. Telemetry must not fail a
// collaborator's own operation.
func Extract(carrier map[string]string) TraceContext {
	if carrier == nil {
		return NewRoot()
	}

	tc := TraceContext{
		TraceID:      carrier[TraceIDKey],
		SpanID:       carrier[SpanIDKey],
		ParentSpanID: carrier[ParentSpanIDKey],
		Baggage:      map[string]string{},
	}
	if !tc.Valid() {
		return NewRoot()
	}
	for k, v := range carrier {
		if strings.HasPrefix(k, BaggagePrefix) {
			tc.Baggage[strings.TrimPrefix(k, BaggagePrefix)] = v
		}
	}
	return tc
}

// InjectHTTP writes the context into outgoing HTTP headers.
func InjectHTTP(tc TraceContext, headers http.Header) {
	if headers == nil {
		return
	}
	carrier := map[string]string{}
	Inject(tc, carrier)
	for k, v := range carrier {
		headers.Set(k, v)
	}
}

// ExtractHTTP reads a context from incoming HTTP headers, falling back
// to a new root when headers are absent or malformed.
func ExtractHTTP(headers http.Header) TraceContext {
	tc, ok := ExtractHTTPContext(headers)
	if !ok {
		return NewRoot()
	}
	return tc
}

// ExtractHTTPContext reads a context from incoming HTTP headers,
// reporting whether the caller actually sent a well-formed carrier.
// Callers that treat "no carrier" differently from "continue this
// trace" (for example, starting a root span instead of a child) branch
// on the second return.
func ExtractHTTPContext(headers http.Header) (TraceContext, bool) {
	if headers == nil {
		return TraceContext{}, false
	}
	carrier := map[string]string{}
	for k, vs := range headers {
		if len(vs) == 0 {
			continue
		}
		lk := strings.ToLower(k)
		if lk == TraceIDKey || lk == SpanIDKey || lk == ParentSpanIDKey || strings.HasPrefix(lk, BaggagePrefix) {
			carrier[lk] = vs[0]
		}
	}

	tc := TraceContext{
		TraceID:      carrier[TraceIDKey],
		SpanID:       carrier[SpanIDKey],
		ParentSpanID: carrier[ParentSpanIDKey],
		Baggage:      map[string]string{},
	}
	if !tc.Valid() {
		return TraceContext{}, false
	}
	for k, v := range carrier {
		if strings.HasPrefix(k, BaggagePrefix) {
			tc.Baggage[strings.TrimPrefix(k, BaggagePrefix)] = v
		}
	}
	return tc, true
}

func randomHex(nBytes int) string {
	buf := make([]byte, nBytes)
	// rand.Read on crypto/rand never fails on supported platforms.
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func isHex(s string, wantLen int) bool {
	if len(s) != wantLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
