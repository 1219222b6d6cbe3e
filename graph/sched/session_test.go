package sched

import (
	"testing"
	"time"

	"github.com/kkkqkx123/open-agent/graph/model"
)

func TestSessionRingEviction(t *testing.T) {
	ring := newSessionRing(3)
	for i := 0; i < 5; i++ {
		ring.add(&FallbackSession{Selector: string(rune('a' + i))})
	}
	got := ring.snapshot()
	if len(got) != 3 {
		t.Fatalf("retained %d sessions, want 3", len(got))
	}
	if got[0].Selector != "c" || got[2].Selector != "e" {
		t.Errorf("ring order wrong: %s..%s", got[0].Selector, got[2].Selector)
	}
}

func TestComputeStats(t *testing.T) {
	target1 := TargetID{Group: "g", Tier: "t", Model: "m1"}
	target2 := TargetID{Group: "g", Tier: "t", Model: "m2"}
	sessions := []*FallbackSession{
		{
			Success: true,
			Winner:  target1,
			Attempts: []Attempt{
				{Target: target1, Latency: 100 * time.Millisecond},
			},
		},
		{
			Success: true,
			Winner:  target2,
			Attempts: []Attempt{
				{Target: target1, ErrorClass: model.ClassRateLimited, Rejected: true},
				{Target: target2, Latency: 300 * time.Millisecond},
			},
		},
		{
			Attempts: []Attempt{
				{Target: target1, ErrorClass: model.ClassServiceUnavailable, Latency: 50 * time.Millisecond},
			},
		},
	}

	stats := computeStats(sessions)
	if stats.Sessions != 3 {
		t.Errorf("sessions = %d", stats.Sessions)
	}
	if want := 2.0 / 3.0; stats.SuccessRate != want {
		t.Errorf("success rate = %v, want %v", stats.SuccessRate, want)
	}
	if want := 0.5; stats.FallbackRate != want {
		t.Errorf("fallback rate = %v, want %v", stats.FallbackRate, want)
	}
	if want := 4.0 / 3.0; stats.AvgAttempts != want {
		t.Errorf("avg attempts = %v, want %v", stats.AvgAttempts, want)
	}
	if got := stats.SlowestTargets[target1.String()]; got != 75*time.Millisecond {
		t.Errorf("m1 avg latency = %v, want 75ms", got)
	}
	if got := stats.SlowestTargets[target2.String()]; got != 300*time.Millisecond {
		t.Errorf("m2 avg latency = %v, want 300ms", got)
	}
}

func TestComputeStatsEmpty(t *testing.T) {
	stats := computeStats(nil)
	if stats.Sessions != 0 || stats.SuccessRate != 0 {
		t.Errorf("empty stats = %+v", stats)
	}
}
