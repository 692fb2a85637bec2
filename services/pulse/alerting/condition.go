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
	"fmt"

	"github.com/AleutianAI/AleutianPulse/services/pulse/metrics"
)

// Condition is a pure predicate over the recent metric window.
//
// Implementations must be side-effect-free over their input; the
// engine re-evaluates them every tick against a fresh window snapshot.
type Condition interface {
	// Evaluate reports whether the condition holds over the window.
	Evaluate(window []metrics.Metric) bool

	// Describe returns a human-readable summary for logs.
	Describe() string
}

// Op is a comparison operator.
type Op string

const (
	OpGT  Op = "gt"
	OpGTE Op = "gte"
	OpLT  Op = "lt"
	OpLTE Op = "lte"
	OpEQ  Op = "eq"
)

func (o Op) compare(a, b float64) bool {
	switch o {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	case OpEQ:
		return a == b
	default:
		return false
	}
}

// Aggregate selects how threshold conditions reduce the window.
type Aggregate string

const (
	AggAvg    Aggregate = "avg"
	AggMin    Aggregate = "min"
	AggMax    Aggregate = "max"
	AggSum    Aggregate = "sum"
	AggCount  Aggregate = "count"
	AggLatest Aggregate = "latest"
)

// Threshold fires when an aggregate of a named metric crosses a value.
//
// With no samples in the window the condition is false; absence of
// data is a health-check concern, not an alert.
type Threshold struct {
	Metric    string
	Aggregate Aggregate
	Op        Op
	Value     float64
}

func (t Threshold) Evaluate(window []metrics.Metric) bool {
	var samples []float64
	for _, m := range window {
		if m.Name == t.Metric {
			samples = append(samples, m.Value)
		}
	}
	if len(samples) == 0 {
		return false
	}

	var v float64
	switch t.Aggregate {
	case AggMin:
		v = samples[0]
		for _, s := range samples[1:] {
			if s < v {
				v = s
			}
		}
	case AggMax:
		v = samples[0]
		for _, s := range samples[1:] {
			if s > v {
				v = s
			}
		}
	case AggSum:
		for _, s := range samples {
			v += s
		}
	case AggCount:
		v = float64(len(samples))
	case AggLatest:
		v = samples[len(samples)-1]
	default: // avg
		for _, s := range samples {
			v += s
		}
		v /= float64(len(samples))
	}
	return t.Op.compare(v, t.Value)
}

func (t Threshold) Describe() string {
	agg := t.Aggregate
	if agg == "" {
		agg = AggAvg
	}
	return fmt.Sprintf("%s(%s) %s %g", agg, t.Metric, t.Op, t.Value)
}

// Rate fires when the fraction of window samples matching a comparison
// meets MinRatio. Used for error-rate style rules ("more than 20% of
// health_check samples were 0 in the last five minutes").
type Rate struct {
	Metric   string
	Op       Op
	Value    float64
	MinRatio float64
}

func (r Rate) Evaluate(window []metrics.Metric) bool {
	total, matching := 0, 0
	for _, m := range window {
		if m.Name != r.Metric {
			continue
		}
		total++
		if r.Op.compare(m.Value, r.Value) {
			matching++
		}
	}
	if total == 0 {
		return false
	}
	return float64(matching)/float64(total) >= r.MinRatio
}

func (r Rate) Describe() string {
	return fmt.Sprintf("ratio(%s %s %g) >= %g", r.Metric, r.Op, r.Value, r.MinRatio)
}

// CompositeMode combines child conditions.
type CompositeMode string

const (
	ModeAll CompositeMode = "all" // AND
	ModeAny CompositeMode = "any" // OR
)

// Composite combines child conditions with AND/OR semantics.
type Composite struct {
	Mode     CompositeMode
	Children []Condition
}

func (c Composite) Evaluate(window []metrics.Metric) bool {
	if len(c.Children) == 0 {
		return false
	}
	for _, child := range c.Children {
		held := child.Evaluate(window)
		if c.Mode == ModeAny && held {
			return true
		}
		if c.Mode != ModeAny && !held {
			return false
		}
	}
	return c.Mode != ModeAny
}

func (c Composite) Describe() string {
	return fmt.Sprintf("%s of %d conditions", c.Mode, len(c.Children))
}

// Func is the escape hatch for a user-supplied pure predicate.
// Not serializable; registered from code only.
type Func struct {
	Name string
	Fn   func(window []metrics.Metric) bool
}

func (f Func) Evaluate(window []metrics.Metric) bool {
	return f.Fn(window)
}

func (f Func) Describe() string {
	return fmt.Sprintf("func(%s)", f.Name)
}
