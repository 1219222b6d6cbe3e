package sched

import (
	"fmt"
	"strings"
)

// Selector names an LLM target: either "group.tier" (e.g. "plan.echelon1")
// or a bare polling-pool name (e.g. "single_turn").
type Selector struct {
	// Group and Tier are set for group.tier selectors.
	Group string
	Tier  string

	// Pool is set for bare pool-name selectors.
	Pool string
}

// String returns the selector's textual form.
func (s Selector) String() string {
	if s.Pool != "" {
		return s.Pool
	}
	return s.Group + "." + s.Tier
}

// ParseSelector parses a selector string. "a.b" parses as group "a",
// tier "b"; anything without a dot is a pool name.
func ParseSelector(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Selector{}, fmt.Errorf("empty selector")
	}
	if !strings.Contains(raw, ".") {
		return Selector{Pool: raw}, nil
	}
	parts := strings.SplitN(raw, ".", 2)
	if parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], ".") {
		return Selector{}, fmt.Errorf("malformed selector %q: want group.tier or pool name", raw)
	}
	return Selector{Group: parts[0], Tier: parts[1]}, nil
}

// TargetID identifies one admission-controlled target: a model within a
// tier of a group.
type TargetID struct {
	Group string
	Tier  string
	Model string
}

// String returns "group.tier.model".
func (t TargetID) String() string {
	return t.Group + "." + t.Tier + "." + t.Model
}
