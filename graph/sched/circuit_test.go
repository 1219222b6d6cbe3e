package sched

import (
	"testing"
	"time"
)

// fakeClock is a controllable clock for breaker and limiter tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestCircuitOpensOnConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	cb := newCircuitBreaker(CircuitConfig{FailureThreshold: 3, RecoveryTimeSec: 60, WindowSize: 10}, clock.Now)

	if cb.State() != CircuitClosed {
		t.Fatalf("initial state = %s", cb.State())
	}
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("state after 2 failures = %s, want closed", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state after 3 failures = %s, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("open circuit admitted a call before recovery time")
	}
}

func TestCircuitSuccessResetsConsecutiveCount(t *testing.T) {
	clock := newFakeClock()
	cb := newCircuitBreaker(CircuitConfig{FailureThreshold: 3, RecoveryTimeSec: 60, WindowSize: 10}, clock.Now)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s, want closed (success reset the streak)", cb.State())
	}
}

func TestCircuitHalfOpenAfterRecovery(t *testing.T) {
	clock := newFakeClock()
	cb := newCircuitBreaker(CircuitConfig{FailureThreshold: 1, RecoveryTimeSec: 60, WindowSize: 10}, clock.Now)

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	clock.Advance(59 * time.Second)
	if cb.Allow() {
		t.Fatal("admitted before recovery elapsed")
	}

	clock.Advance(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("half-open probe not admitted after recovery")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %s, want half_open", cb.State())
	}
}

func TestCircuitHalfOpenTransitions(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		clock := newFakeClock()
		cb := newCircuitBreaker(CircuitConfig{FailureThreshold: 1, RecoveryTimeSec: 1, WindowSize: 10}, clock.Now)
		cb.RecordFailure()
		clock.Advance(2 * time.Second)
		if !cb.Allow() {
			t.Fatal("probe not admitted")
		}
		cb.RecordSuccess()
		if cb.State() != CircuitClosed {
			t.Fatalf("state = %s, want closed", cb.State())
		}
	})
	t.Run("failure reopens", func(t *testing.T) {
		clock := newFakeClock()
		cb := newCircuitBreaker(CircuitConfig{FailureThreshold: 1, RecoveryTimeSec: 1, WindowSize: 10}, clock.Now)
		cb.RecordFailure()
		clock.Advance(2 * time.Second)
		if !cb.Allow() {
			t.Fatal("probe not admitted")
		}
		cb.RecordFailure()
		if cb.State() != CircuitOpen {
			t.Fatalf("state = %s, want open", cb.State())
		}
		if cb.Allow() {
			t.Error("reopened circuit admitted a call immediately")
		}
	})
}

func TestCircuitOpensOnFailureRate(t *testing.T) {
	clock := newFakeClock()
	cb := newCircuitBreaker(CircuitConfig{
		FailureThreshold:     100, // effectively disabled
		RecoveryTimeSec:      60,
		FailureRateThreshold: 0.5,
		WindowSize:           4,
	}, clock.Now)

	// Alternate so the consecutive counter never trips, but half the
	// window fails.
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s before window filled", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open at 75%% failure rate", cb.State())
	}
}
