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
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ConditionSpec is the serializable form of a built-in condition.
//
// Exactly one of the kinds applies; the Func escape hatch is not
// expressible in a rules file.
type ConditionSpec struct {
	Kind string `yaml:"kind"` // threshold | rate | all | any

	// threshold / rate fields
	Metric    string  `yaml:"metric,omitempty"`
	Aggregate string  `yaml:"aggregate,omitempty"`
	Op        string  `yaml:"op,omitempty"`
	Value     float64 `yaml:"value,omitempty"`
	MinRatio  float64 `yaml:"min_ratio,omitempty"`

	// composite children
	Conditions []ConditionSpec `yaml:"conditions,omitempty"`
}

// Compile turns a spec into an executable Condition.
func (s ConditionSpec) Compile() (Condition, error) {
	switch s.Kind {
	case "threshold":
		if s.Metric == "" || s.Op == "" {
			return nil, fmt.Errorf("%w: threshold needs metric and op", ErrRuleInvalid)
		}
		return Threshold{
			Metric:    s.Metric,
			Aggregate: Aggregate(s.Aggregate),
			Op:        Op(s.Op),
			Value:     s.Value,
		}, nil
	case "rate":
		if s.Metric == "" || s.Op == "" || s.MinRatio <= 0 {
			return nil, fmt.Errorf("%w: rate needs metric, op and min_ratio", ErrRuleInvalid)
		}
		return Rate{
			Metric:   s.Metric,
			Op:       Op(s.Op),
			Value:    s.Value,
			MinRatio: s.MinRatio,
		}, nil
	case "all", "any":
		if len(s.Conditions) == 0 {
			return nil, fmt.Errorf("%w: composite needs child conditions", ErrRuleInvalid)
		}
		children := make([]Condition, 0, len(s.Conditions))
		for _, cs := range s.Conditions {
			child, err := cs.Compile()
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		mode := ModeAll
		if s.Kind == "any" {
			mode = ModeAny
		}
		return Composite{Mode: mode, Children: children}, nil
	default:
		return nil, fmt.Errorf("%w: unknown condition kind %q", ErrRuleInvalid, s.Kind)
	}
}

// RuleSpec is one rule in the rules file.
type RuleSpec struct {
	Name      string        `yaml:"name"`
	Severity  string        `yaml:"severity,omitempty"`
	Cooldown  time.Duration `yaml:"cooldown"`
	Channels  []string      `yaml:"channels,omitempty"`
	Disabled  bool          `yaml:"disabled,omitempty"`
	Condition ConditionSpec `yaml:"condition"`
}

// RulesFile is the top-level rules document.
type RulesFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// LoadRulesFile parses a YAML rules file.
func LoadRulesFile(path string) (RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RulesFile{}, fmt.Errorf("read rules file: %w", err)
	}
	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return RulesFile{}, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return rf, nil
}

// LoadRules compiles a rules file and installs its rules on the
// engine, replacing any previously file-loaded rules. Channel names in
// the file are resolved against the given registry.
func (e *Engine) LoadRules(path string, channels map[string]Channel) error {
	rf, err := LoadRulesFile(path)
	if err != nil {
		return err
	}

	compiled := make([]*Rule, 0, len(rf.Rules))
	for _, spec := range rf.Rules {
		cond, err := spec.Condition.Compile()
		if err != nil {
			return fmt.Errorf("rule %s: %w", spec.Name, err)
		}
		var chs []Channel
		for _, name := range spec.Channels {
			ch, ok := channels[name]
			if !ok {
				return fmt.Errorf("rule %s: %w: %s", spec.Name, ErrUnknownChannel, name)
			}
			chs = append(chs, ch)
		}
		rule, err := buildRule(RuleConfig{
			Name:     spec.Name,
			Cond:     cond,
			Severity: Severity(spec.Severity),
			Cooldown: spec.Cooldown,
			Channels: chs,
			Disabled: spec.Disabled,
		}, true)
		if err != nil {
			return err
		}
		compiled = append(compiled, rule)
	}

	e.replaceFileRules(compiled)
	e.logger.Info("alert rules loaded", "path", path, "count", len(compiled))
	return nil
}

// WatchRules reloads the rules file whenever it changes on disk.
//
// Watches the containing directory rather than the file itself so
// editors and config-management tools that replace the file via
// rename keep triggering reloads. A reload that fails to parse keeps
// the previous rules and logs the error. Returns a stop function.
func (e *Engine) WatchRules(path string, channels map[string]Channel, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = e.logger
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rules watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch rules dir %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := e.LoadRules(path, channels); err != nil {
					logger.Error("rules reload failed, keeping previous rules",
						"path", path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("rules watcher error", "error", err)
			}
		}
	}()

	return func() {
		watcher.Close()
		<-done
	}, nil
}
