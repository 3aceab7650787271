// Package handoff decides which segment a finished task moves to next.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/workqueue/internal/bus"
	"github.com/basket/workqueue/internal/persistence"
)

// File is the on-disk shape of handoff.yaml.
type File struct {
	Rules []persistence.HandoffRule `yaml:"rules"`
}

type Router struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func NewRouter(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: store, bus: eventBus, logger: logger}
}

// ResolveNext returns the rule for (segment, status): an exact match first,
// then the segment's wildcard rule. It never creates tasks.
func (r *Router) ResolveNext(ctx context.Context, segment, status string) (*persistence.HandoffRule, bool, error) {
	if status != "" {
		rule, err := r.store.FindHandoffRule(ctx, segment, status)
		if err == nil {
			return rule, true, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return nil, false, err
		}
	}
	rule, err := r.store.FindHandoffRule(ctx, segment, "")
	if err == nil {
		return rule, true, nil
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, false, nil
	}
	return nil, false, err
}

// LoadFile parses and checks a rules file. A missing file is an empty rule set.
func LoadFile(path string) ([]persistence.HandoffRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read handoff rules: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse handoff rules: %w", err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		rule := &f.Rules[i]
		rule.CurrentSegment = strings.TrimSpace(rule.CurrentSegment)
		rule.StatusCode = strings.TrimSpace(rule.StatusCode)
		rule.NextSegment = strings.TrimSpace(rule.NextSegment)
		if rule.CurrentSegment == "" || rule.NextSegment == "" {
			return nil, fmt.Errorf("handoff rule %d: segment and next are required", i)
		}
		if rule.CurrentSegment == rule.NextSegment {
			return nil, fmt.Errorf("handoff rule %d: %s hands off to itself", i, rule.CurrentSegment)
		}
		key := rule.CurrentSegment + "/" + rule.StatusCode
		if seen[key] {
			return nil, fmt.Errorf("handoff rule %d: duplicate rule for %s", i, key)
		}
		seen[key] = true
	}
	return f.Rules, nil
}

// Sync replaces the stored rules with the file's contents in one transaction.
func (r *Router) Sync(ctx context.Context, path string) (int, error) {
	rules, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	if err := r.store.ReplaceHandoffRules(ctx, rules); err != nil {
		return 0, err
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicHandoffRulesReloaded, bus.HandoffRulesReloaded{Count: len(rules), Path: path})
	}
	r.logger.InfoContext(ctx, "handoff: rules synced", "path", path, "count", len(rules))
	return len(rules), nil
}

func (r *Router) List(ctx context.Context) ([]persistence.HandoffRule, error) {
	return r.store.ListHandoffRules(ctx)
}
