package sched

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiter is the per-target rate-limit primitive. Admission acquires one
// token per call; tokens are never refunded on failure.
type limiter interface {
	// acquire blocks until a token is available or ctx expires. Returns
	// false when the wait was cut short.
	acquire(ctx context.Context) bool
}

// unlimited is the limiter for targets without an RPM cap.
type unlimited struct{}

func (unlimited) acquire(context.Context) bool { return true }

// tokenBucket adapts golang.org/x/time/rate to the limiter interface:
// refill rate rpm/60 per second with a configurable burst.
type tokenBucket struct {
	lim *rate.Limiter
}

// newTokenBucket creates a token-bucket limiter for rpm requests per
// minute. rpm <= 0 returns an unlimited limiter.
func newTokenBucket(rpm, burst int) limiter {
	if rpm <= 0 {
		return unlimited{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{lim: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)}
}

func (t *tokenBucket) acquire(ctx context.Context) bool {
	return t.lim.Wait(ctx) == nil
}

// slidingWindow admits at most rpm calls in any trailing 60-second
// window, tracking admission timestamps directly.
type slidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	stamps []time.Time
	clock  func() time.Time
}

// newSlidingWindow creates a sliding-window limiter for rpm requests per
// minute. rpm <= 0 returns an unlimited limiter.
func newSlidingWindow(rpm int, clock func() time.Time) limiter {
	if rpm <= 0 {
		return unlimited{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &slidingWindow{window: time.Minute, limit: rpm, clock: clock}
}

func (s *slidingWindow) acquire(ctx context.Context) bool {
	for {
		s.mu.Lock()
		now := s.clock()
		s.evict(now)
		if len(s.stamps) < s.limit {
			s.stamps = append(s.stamps, now)
			s.mu.Unlock()
			return true
		}
		// Oldest admission leaving the window frees the next slot.
		wait := s.window - now.Sub(s.stamps[0])
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (s *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.stamps) && !s.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.stamps = append(s.stamps[:0], s.stamps[i:]...)
	}
}

// newLimiter builds the limiter for a tier according to the pool/config
// algorithm selection.
func newLimiter(algorithm RateLimitAlgorithm, rpm, burst int, clock func() time.Time) limiter {
	switch algorithm {
	case SlidingWindow:
		return newSlidingWindow(rpm, clock)
	default:
		return newTokenBucket(rpm, burst)
	}
}
