package sched

import (
	"sync"
	"time"
)

// CircuitState is the per-target breaker state.
type CircuitState string

const (
	// CircuitClosed admits calls normally.
	CircuitClosed CircuitState = "closed"

	// CircuitOpen short-circuits calls until the recovery time elapses.
	CircuitOpen CircuitState = "open"

	// CircuitHalfOpen admits calls; the first outcome recorded decides
	// the next state. Concurrent calls are not limited to one probe.
	CircuitHalfOpen CircuitState = "half_open"
)

// circuitBreaker is the per-target state machine that short-circuits
// calls to unhealthy backends.
//
// Transitions:
//   - closed -> open when consecutive failures reach FailureThreshold, or
//     the windowed failure rate reaches FailureRateThreshold
//   - open -> half_open after RecoveryTime elapses
//   - half_open -> closed on one success; half_open -> open on one failure
type circuitBreaker struct {
	mu sync.Mutex

	cfg   CircuitConfig
	clock func() time.Time

	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time

	// window is a ring of recent outcomes (true = failure) feeding the
	// failure-rate threshold.
	window  []bool
	windowN int
	windowI int
}

func newCircuitBreaker(cfg CircuitConfig, clock func() time.Time) *circuitBreaker {
	if clock == nil {
		clock = time.Now
	}
	return &circuitBreaker{
		cfg:    cfg,
		clock:  clock,
		state:  CircuitClosed,
		window: make([]bool, cfg.WindowSize),
	}
}

// Allow reports whether a call may be admitted. An open circuit whose
// recovery time has elapsed transitions to half-open and admits the call;
// a half-open circuit admits every call until an outcome is recorded.
func (c *circuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitOpen:
		if c.clock().Sub(c.openedAt) >= c.cfg.RecoveryTime() {
			c.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// State returns the current breaker state, applying the open -> half_open
// transition when due.
func (c *circuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == CircuitOpen && c.clock().Sub(c.openedAt) >= c.cfg.RecoveryTime() {
		c.state = CircuitHalfOpen
	}
	return c.state
}

// RecordSuccess notes a successful call. A half-open probe success closes
// the circuit and clears the failure window.
func (c *circuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures = 0
	c.observe(false)
	if c.state == CircuitHalfOpen {
		c.state = CircuitClosed
		c.resetWindow()
	}
}

// RecordFailure notes a classified failure and applies the opening
// thresholds.
func (c *circuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures++
	c.observe(true)

	if c.state == CircuitHalfOpen {
		c.trip()
		return
	}
	if c.state != CircuitClosed {
		return
	}
	if c.consecutiveFailures >= c.cfg.FailureThreshold {
		c.trip()
		return
	}
	if c.cfg.FailureRateThreshold > 0 && c.windowN >= len(c.window) {
		if c.failureRate() >= c.cfg.FailureRateThreshold {
			c.trip()
		}
	}
}

// FailureRate returns the windowed failure rate in [0, 1].
func (c *circuitBreaker) FailureRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureRate()
}

func (c *circuitBreaker) trip() {
	c.state = CircuitOpen
	c.openedAt = c.clock()
}

func (c *circuitBreaker) observe(failure bool) {
	if len(c.window) == 0 {
		return
	}
	c.window[c.windowI] = failure
	c.windowI = (c.windowI + 1) % len(c.window)
	if c.windowN < len(c.window) {
		c.windowN++
	}
}

func (c *circuitBreaker) resetWindow() {
	c.windowN = 0
	c.windowI = 0
	c.consecutiveFailures = 0
}

func (c *circuitBreaker) failureRate() float64 {
	if c.windowN == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < c.windowN; i++ {
		if c.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(c.windowN)
}
