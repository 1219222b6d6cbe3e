package sched

import (
	"testing"
	"time"
)

const sampleConfig = `
task_groups:
  plan:
    echelon1: { models: [gpt-4, claude-opus], concurrency_limit: 10, rpm_limit: 100, timeout: 30, max_retries: 3 }
    echelon2: { models: [gpt-3.5, claude-sonnet], concurrency_limit: 50, rpm_limit: 500, timeout: 20 }
    fallback_strategy: echelon_down
  review:
    echelon1: { models: [claude-opus], concurrency_limit: 5, rpm_limit: 50 }
polling_pools:
  single_turn:
    targets: [plan.echelon1, plan.echelon2]
    strategy: round_robin
    rate_limiting: { algorithm: token_bucket, burst: 20 }
circuit_breaker:
  failure_threshold: 5
  recovery_time_sec: 60
  failure_rate_threshold: 0.5
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	plan, ok := cfg.TaskGroups["plan"]
	if !ok {
		t.Fatal("plan group missing")
	}
	if len(plan.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(plan.Tiers))
	}
	if plan.Tiers[0].Name != "echelon1" || plan.Tiers[1].Name != "echelon2" {
		t.Fatalf("tier order wrong: %s, %s", plan.Tiers[0].Name, plan.Tiers[1].Name)
	}
	if got := plan.Tiers[0].Timeout.Std(); got != 30*time.Second {
		t.Errorf("echelon1 timeout = %v, want 30s", got)
	}
	if plan.Tiers[0].Models[0] != "gpt-4" {
		t.Errorf("echelon1 first model = %s", plan.Tiers[0].Models[0])
	}
	if plan.FallbackStrategy != EchelonDown {
		t.Errorf("fallback strategy = %s", plan.FallbackStrategy)
	}

	pool, ok := cfg.PollingPools["single_turn"]
	if !ok {
		t.Fatal("single_turn pool missing")
	}
	if pool.Strategy != RoundRobin {
		t.Errorf("pool strategy = %s", pool.Strategy)
	}
	if pool.RateLimiting.Burst != 20 {
		t.Errorf("pool burst = %d", pool.RateLimiting.Burst)
	}

	if cfg.Circuit.FailureThreshold != 5 {
		t.Errorf("failure threshold = %d", cfg.Circuit.FailureThreshold)
	}
	if cfg.Circuit.RecoveryTime() != 60*time.Second {
		t.Errorf("recovery time = %v", cfg.Circuit.RecoveryTime())
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
task_groups:
  solo:
    only: { models: [m1] }
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	tier := cfg.TaskGroups["solo"].Tiers[0]
	if tier.Timeout.Std() != DefaultTimeout {
		t.Errorf("default timeout = %v", tier.Timeout.Std())
	}
	if tier.MaxRetries != DefaultMaxRetries {
		t.Errorf("default retries = %d", tier.MaxRetries)
	}
	if cfg.MaxFallbackAttempts != DefaultMaxFallbackAttempts {
		t.Errorf("default max fallback attempts = %d", cfg.MaxFallbackAttempts)
	}
	if cfg.Circuit.FailureThreshold != DefaultFailureThreshold {
		t.Errorf("default failure threshold = %d", cfg.Circuit.FailureThreshold)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "duplicate tier",
			// Two tiers cannot share a name; YAML mappings collapse
			// duplicate keys, so build the collision programmatically
			// below instead.
		},
		{
			name: "tier without models",
			yaml: `
task_groups:
  g:
    t1: { concurrency_limit: 1 }
`,
		},
		{
			name: "pool with unknown target",
			yaml: `
task_groups:
  g:
    t1: { models: [m1] }
polling_pools:
  p:
    targets: [g.missing]
`,
		},
		{
			name: "pool target not group.tier",
			yaml: `
task_groups:
  g:
    t1: { models: [m1] }
polling_pools:
  p:
    targets: [justaname]
`,
		},
		{
			name: "unknown fallback group",
			yaml: `
task_groups:
  g:
    t1: { models: [m1] }
    fallback_groups: [nope.t1]
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.yaml == "" {
				t.Skip("covered by TestConfigValidateDuplicateTier")
			}
			if _, err := ParseConfig([]byte(tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfigValidateDuplicateTier(t *testing.T) {
	cfg := &Config{
		TaskGroups: map[string]*TaskGroup{
			"g": {
				Tiers: []Tier{
					{Name: "t1", Models: []string{"m1"}},
					{Name: "t1", Models: []string{"m2"}},
				},
			},
		},
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("expected duplicate tier error")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
admission_wait: 250ms
concurrency_wait: 2
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.AdmissionWait.Std() != 250*time.Millisecond {
		t.Errorf("admission_wait = %v", cfg.AdmissionWait.Std())
	}
	if cfg.ConcurrencyWait.Std() != 2*time.Second {
		t.Errorf("concurrency_wait = %v", cfg.ConcurrencyWait.Std())
	}
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		raw     string
		want    Selector
		wantErr bool
	}{
		{raw: "plan.echelon1", want: Selector{Group: "plan", Tier: "echelon1"}},
		{raw: "single_turn", want: Selector{Pool: "single_turn"}},
		{raw: "", wantErr: true},
		{raw: "a.b.c", wantErr: true},
		{raw: ".tier", wantErr: true},
		{raw: "group.", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSelector(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSelector(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("ParseSelector(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}
