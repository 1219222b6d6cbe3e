// Package sched provides the LLM task-group scheduler: selector
// resolution, admission control (rate limits, concurrency permits,
// circuit breakers), fallback across tiers and groups, polling-pool
// rotation, and per-request fallback sessions.
package sched

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Config.SetDefaults.
const (
	DefaultTimeout             = 30 * time.Second
	DefaultMaxRetries          = 3
	DefaultMaxFallbackAttempts = 8
	DefaultAdmissionWait       = 500 * time.Millisecond
	DefaultConcurrencyWait     = 2 * time.Second
	DefaultFailureThreshold    = 5
	DefaultRecoveryTime        = 60 * time.Second
	DefaultFailureRateWindow   = 20
	DefaultHealthInterval      = 30 * time.Second
	DefaultSessionBuffer       = 256
	DefaultBurst               = 10
)

// Duration is a time.Duration that decodes from YAML as either a bare
// number of seconds ("timeout: 30") or a Go duration string
// ("timeout: 500ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds float64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Tier is one rung of a task group: interchangeable models of similar
// quality and cost, with shared admission limits.
type Tier struct {
	// Name is unique within the group.
	Name string `yaml:"-"`

	// Models is the ordered candidate list for intra-tier rotation.
	Models []string `yaml:"models"`

	// ConcurrencyLimit caps outstanding calls per target. Zero means
	// unlimited.
	ConcurrencyLimit int `yaml:"concurrency_limit"`

	// RPMLimit caps admitted calls per target per minute. Zero disables
	// rate limiting.
	RPMLimit int `yaml:"rpm_limit"`

	// Burst is the token-bucket burst size. Zero uses the default.
	Burst int `yaml:"burst"`

	// Priority orders tiers within a group; lower tries first. Tiers
	// with equal priority keep document order.
	Priority int `yaml:"priority"`

	// Timeout is the per-call budget for this tier's models.
	Timeout Duration `yaml:"timeout"`

	// MaxRetries is the tier's retry budget, exposed through
	// Scheduler.TierFor. Neither the scheduler nor the engine applies it.
	MaxRetries int `yaml:"max_retries"`
}

// FallbackStrategy selects how a group behaves when a tier is exhausted.
type FallbackStrategy string

const (
	// EchelonDown descends to the group's next tier.
	EchelonDown FallbackStrategy = "echelon_down"

	// NoFallback fails as soon as the selected tier is exhausted.
	NoFallback FallbackStrategy = "none"
)

// TaskGroup is a named, ordered set of tiers plus the group-level
// fallback policy.
type TaskGroup struct {
	// Name is the group name, the first component of a selector.
	Name string `yaml:"-"`

	// Tiers in descent order.
	Tiers []Tier `yaml:"-"`

	// FallbackStrategy governs tier descent. Defaults to EchelonDown.
	FallbackStrategy FallbackStrategy `yaml:"fallback_strategy"`

	// FallbackGroups lists selectors to try after this group is
	// exhausted.
	FallbackGroups []string `yaml:"fallback_groups"`
}

// Tier returns the named tier and whether it exists.
func (g *TaskGroup) Tier(name string) (*Tier, bool) {
	for i := range g.Tiers {
		if g.Tiers[i].Name == name {
			return &g.Tiers[i], true
		}
	}
	return nil, false
}

// UnmarshalYAML decodes the group's mapping form, where tier entries and
// group-level keys share one mapping and tier document order is
// significant:
//
//	plan:
//	  echelon1: { models: [gpt-4], concurrency_limit: 10, rpm_limit: 100 }
//	  echelon2: { models: [gpt-3.5], concurrency_limit: 50 }
//	  fallback_strategy: echelon_down
func (g *TaskGroup) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("task group must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]
		switch key {
		case "fallback_strategy":
			g.FallbackStrategy = FallbackStrategy(value.Value)
		case "fallback_groups":
			if err := value.Decode(&g.FallbackGroups); err != nil {
				return fmt.Errorf("fallback_groups: %w", err)
			}
		default:
			var tier Tier
			if err := value.Decode(&tier); err != nil {
				return fmt.Errorf("tier %s: %w", key, err)
			}
			tier.Name = key
			g.Tiers = append(g.Tiers, tier)
		}
	}
	return nil
}

// PoolStrategy selects how a polling pool rotates across its targets.
type PoolStrategy string

const (
	// RoundRobin cycles a monotonic counter over the targets.
	RoundRobin PoolStrategy = "round_robin"

	// LeastUsed picks the target with the fewest outstanding calls.
	LeastUsed PoolStrategy = "least_used"

	// Weighted picks by weighted random, weights inverse to recent
	// latency scaled by (1 - failure rate).
	Weighted PoolStrategy = "weighted"
)

// RateLimitAlgorithm selects the per-target limiter implementation.
type RateLimitAlgorithm string

const (
	// TokenBucket is a refill-rate limiter with burst capacity.
	TokenBucket RateLimitAlgorithm = "token_bucket"

	// SlidingWindow counts admissions over a trailing 60s window.
	SlidingWindow RateLimitAlgorithm = "sliding_window"
)

// RateLimitConfig configures the limiter of a pool's targets. Only
// Algorithm is applied; each target's burst comes from its tier's Burst.
type RateLimitConfig struct {
	Algorithm RateLimitAlgorithm `yaml:"algorithm"`
	Burst     int                `yaml:"burst"`
}

// PoolConfig is a named polling pool: selectors rotated per request.
type PoolConfig struct {
	// Name is the pool name; a selector matching it resolves here.
	Name string `yaml:"-"`

	// Targets are group.tier selectors in rotation order.
	Targets []string `yaml:"targets"`

	// Strategy selects the rotation policy. Defaults to RoundRobin.
	Strategy PoolStrategy `yaml:"strategy"`

	// HealthCheckInterval is parsed but not applied: half-open probing
	// runs at Config.HealthCheckInterval for every target, pooled or not.
	HealthCheckInterval Duration `yaml:"health_check_interval"`

	// RateLimiting configures the limiter algorithm for the pool's
	// targets.
	RateLimiting RateLimitConfig `yaml:"rate_limiting"`
}

// CircuitConfig configures the per-target circuit breaker.
type CircuitConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// classified failures.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeSec is how long an open circuit waits before allowing
	// a half-open probe.
	RecoveryTimeSec int `yaml:"recovery_time_sec"`

	// FailureRateThreshold opens the circuit when the windowed failure
	// rate reaches it (0 disables rate-based opening).
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`

	// WindowSize is the number of recent outcomes in the failure-rate
	// window.
	WindowSize int `yaml:"window_size"`
}

// RecoveryTime returns the configured recovery duration.
func (c CircuitConfig) RecoveryTime() time.Duration {
	return time.Duration(c.RecoveryTimeSec) * time.Second
}

// Config is the scheduler configuration document.
type Config struct {
	TaskGroups   map[string]*TaskGroup  `yaml:"task_groups"`
	PollingPools map[string]*PoolConfig `yaml:"polling_pools"`
	Circuit      CircuitConfig          `yaml:"circuit_breaker"`

	// MaxFallbackAttempts caps backend calls per logical request.
	MaxFallbackAttempts int `yaml:"max_fallback_attempts"`

	// AdmissionWait bounds how long admission waits for a rate token.
	AdmissionWait Duration `yaml:"admission_wait"`

	// ConcurrencyWait bounds how long admission waits for a concurrency
	// permit before moving to the next candidate.
	ConcurrencyWait Duration `yaml:"concurrency_wait"`

	// HealthCheckInterval is the half-open probe cadence. Negative
	// disables background probing.
	HealthCheckInterval Duration `yaml:"health_check_interval"`

	// SessionBufferSize is the fallback-session ring buffer capacity.
	SessionBufferSize int `yaml:"session_buffer_size"`

	// ResetCircuitOnGroupFallback, when true, ignores circuit state for
	// targets reached through fallback_groups. Default false: circuit
	// state is honored across fallback boundaries.
	ResetCircuitOnGroupFallback bool `yaml:"reset_circuit_on_group_fallback"`
}

// LoadConfig reads and validates a scheduler config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses, defaults, and validates a scheduler config
// document.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields with the package defaults and sorts
// tiers by priority (stable, so document order breaks ties).
func (c *Config) SetDefaults() {
	if c.MaxFallbackAttempts <= 0 {
		c.MaxFallbackAttempts = DefaultMaxFallbackAttempts
	}
	if c.AdmissionWait <= 0 {
		c.AdmissionWait = Duration(DefaultAdmissionWait)
	}
	if c.ConcurrencyWait <= 0 {
		c.ConcurrencyWait = Duration(DefaultConcurrencyWait)
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = Duration(DefaultHealthInterval)
	}
	if c.SessionBufferSize <= 0 {
		c.SessionBufferSize = DefaultSessionBuffer
	}
	if c.Circuit.FailureThreshold <= 0 {
		c.Circuit.FailureThreshold = DefaultFailureThreshold
	}
	if c.Circuit.RecoveryTimeSec <= 0 {
		c.Circuit.RecoveryTimeSec = int(DefaultRecoveryTime / time.Second)
	}
	if c.Circuit.WindowSize <= 0 {
		c.Circuit.WindowSize = DefaultFailureRateWindow
	}

	for name, group := range c.TaskGroups {
		group.Name = name
		if group.FallbackStrategy == "" {
			group.FallbackStrategy = EchelonDown
		}
		sort.SliceStable(group.Tiers, func(i, j int) bool {
			return group.Tiers[i].Priority < group.Tiers[j].Priority
		})
		for i := range group.Tiers {
			tier := &group.Tiers[i]
			if tier.Timeout <= 0 {
				tier.Timeout = Duration(DefaultTimeout)
			}
			if tier.MaxRetries <= 0 {
				tier.MaxRetries = DefaultMaxRetries
			}
			if tier.Burst <= 0 {
				tier.Burst = DefaultBurst
			}
		}
	}
	for name, pool := range c.PollingPools {
		pool.Name = name
		if pool.Strategy == "" {
			pool.Strategy = RoundRobin
		}
		if pool.RateLimiting.Algorithm == "" {
			pool.RateLimiting.Algorithm = TokenBucket
		}
	}
}

// Validate checks structural invariants: tier names unique per group,
// every group has at least one tier with models, pool targets resolve to
// declared group.tier selectors, pool names don't shadow group names.
func (c *Config) Validate() error {
	for name, group := range c.TaskGroups {
		if len(group.Tiers) == 0 {
			return fmt.Errorf("task group %s: no tiers", name)
		}
		seen := make(map[string]bool, len(group.Tiers))
		for _, tier := range group.Tiers {
			if seen[tier.Name] {
				return fmt.Errorf("task group %s: duplicate tier %s", name, tier.Name)
			}
			seen[tier.Name] = true
			if len(tier.Models) == 0 {
				return fmt.Errorf("task group %s: tier %s has no models", name, tier.Name)
			}
		}
		for _, fallback := range group.FallbackGroups {
			if err := c.checkSelector(fallback); err != nil {
				return fmt.Errorf("task group %s: fallback %s: %w", name, fallback, err)
			}
		}
	}
	for name, pool := range c.PollingPools {
		if _, clash := c.TaskGroups[name]; clash {
			return fmt.Errorf("pool %s shadows a task group name", name)
		}
		if len(pool.Targets) == 0 {
			return fmt.Errorf("pool %s: no targets", name)
		}
		for _, target := range pool.Targets {
			sel, err := ParseSelector(target)
			if err != nil {
				return fmt.Errorf("pool %s: %w", name, err)
			}
			if sel.Pool != "" {
				return fmt.Errorf("pool %s: target %s must be group.tier", name, target)
			}
			if err := c.checkSelector(target); err != nil {
				return fmt.Errorf("pool %s: %w", name, err)
			}
		}
		switch pool.Strategy {
		case RoundRobin, LeastUsed, Weighted:
		default:
			return fmt.Errorf("pool %s: unknown strategy %q", name, pool.Strategy)
		}
	}
	return nil
}

// checkSelector verifies a selector names a declared pool or group.tier.
func (c *Config) checkSelector(raw string) error {
	sel, err := ParseSelector(raw)
	if err != nil {
		return err
	}
	if sel.Pool != "" {
		if _, ok := c.PollingPools[sel.Pool]; !ok {
			return fmt.Errorf("unknown pool %q", raw)
		}
		return nil
	}
	group, ok := c.TaskGroups[sel.Group]
	if !ok {
		return fmt.Errorf("unknown task group %q", sel.Group)
	}
	if _, ok := group.Tier(sel.Tier); !ok {
		return fmt.Errorf("unknown tier %q in group %q", sel.Tier, sel.Group)
	}
	return nil
}
