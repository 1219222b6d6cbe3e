package sched

import (
	"context"
	"testing"

	"github.com/kkkqkx123/open-agent/graph/model"
)

const poolConfig = `
task_groups:
  plan:
    t1: { models: [m1], concurrency_limit: 10, rpm_limit: 1000 }
    t2: { models: [m2], concurrency_limit: 10, rpm_limit: 1000 }
polling_pools:
  rotation:
    targets: [plan.t1, plan.t2]
    strategy: round_robin
circuit_breaker:
  failure_threshold: 1
  recovery_time_sec: 60
`

func TestPoolRoundRobinAlternates(t *testing.T) {
	m1 := &model.MockChatModel{Responses: []model.Response{{Text: "one"}}}
	m2 := &model.MockChatModel{Responses: []model.Response{{Text: "two"}}}
	s := newTestScheduler(t, poolConfig, model.StaticFactory{"m1": m1, "m2": m2})

	ctx := context.Background()
	first, err := s.Invoke(ctx, "rotation", model.Request{})
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	second, err := s.Invoke(ctx, "rotation", model.Request{})
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if first.Text == second.Text {
		t.Errorf("round robin did not alternate: %q then %q", first.Text, second.Text)
	}
	if m1.CallCount() != 1 || m2.CallCount() != 1 {
		t.Errorf("calls: m1=%d m2=%d, want 1 each", m1.CallCount(), m2.CallCount())
	}
}

func TestPoolRoundRobinSkipsOpenCircuit(t *testing.T) {
	m1 := &model.MockChatModel{Errs: []error{
		&model.Error{Class: model.ClassServiceUnavailable, Message: "503"},
	}}
	m2 := &model.MockChatModel{Responses: []model.Response{{Text: "two"}}}
	s := newTestScheduler(t, poolConfig, model.StaticFactory{"m1": m1, "m2": m2})

	ctx := context.Background()
	// First invoke lands on t1, fails (threshold 1 opens the circuit),
	// and rotates to t2.
	if _, err := s.Invoke(ctx, "rotation", model.Request{}); err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	calls := m1.CallCount()

	// Subsequent invokes must skip t1 entirely while its circuit is
	// open.
	for i := 0; i < 3; i++ {
		resp, err := s.Invoke(ctx, "rotation", model.Request{})
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
		if resp.Text != "two" {
			t.Errorf("invoke %d response = %q", i, resp.Text)
		}
	}
	if m1.CallCount() != calls {
		t.Errorf("m1 called while circuit open")
	}
}

func TestPoolLeastUsed(t *testing.T) {
	m1 := &model.MockChatModel{Responses: []model.Response{{Text: "one"}}}
	m2 := &model.MockChatModel{Responses: []model.Response{{Text: "two"}}}
	s := newTestScheduler(t, `
task_groups:
  plan:
    t1: { models: [m1], concurrency_limit: 10, rpm_limit: 1000 }
    t2: { models: [m2], concurrency_limit: 10, rpm_limit: 1000 }
polling_pools:
  balanced:
    targets: [plan.t1, plan.t2]
    strategy: least_used
`, model.StaticFactory{"m1": m1, "m2": m2})

	// With no load, least_used picks the first target; with equal load
	// it keeps doing so. Force load on t1 and watch it shift.
	t1 := s.target(TargetID{Group: "plan", Tier: "t1", Model: "m1"})
	t1.inflight.Add(5)

	resp, err := s.Invoke(context.Background(), "balanced", model.Request{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Text != "two" {
		t.Errorf("least_used picked %q, want the idle target", resp.Text)
	}
}

func TestPoolWeightedPrefersHealthy(t *testing.T) {
	m1 := &model.MockChatModel{Responses: []model.Response{{Text: "one"}}}
	m2 := &model.MockChatModel{Responses: []model.Response{{Text: "two"}}}
	s := newTestScheduler(t, `
task_groups:
  plan:
    t1: { models: [m1], concurrency_limit: 10, rpm_limit: 100000 }
    t2: { models: [m2], concurrency_limit: 10, rpm_limit: 100000 }
polling_pools:
  weighted_pool:
    targets: [plan.t1, plan.t2]
    strategy: weighted
`, model.StaticFactory{"m1": m1, "m2": m2})

	// Skew t1 to look slow; the weighted strategy should favor t2.
	t1 := s.target(TargetID{Group: "plan", Tier: "t1", Model: "m1"})
	t1.statsMu.Lock()
	t1.avgLatMS = 10000
	t1.statsMu.Unlock()
	t2 := s.target(TargetID{Group: "plan", Tier: "t2", Model: "m2"})
	t2.statsMu.Lock()
	t2.avgLatMS = 1
	t2.statsMu.Unlock()

	wins := map[string]int{}
	for i := 0; i < 50; i++ {
		resp, err := s.Invoke(context.Background(), "weighted_pool", model.Request{})
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
		wins[resp.Text]++
	}
	if wins["two"] <= wins["one"] {
		t.Errorf("weighted strategy: slow target won %d of %d", wins["one"], 50)
	}
}
