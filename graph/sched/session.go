package sched

import (
	"sync"
	"time"

	"github.com/kkkqkx123/open-agent/graph/model"
)

// Attempt records one candidate tried while satisfying a logical request:
// either a backend call or an admission rejection.
type Attempt struct {
	// Target is the candidate tried.
	Target TargetID

	// ErrorClass is empty on success, otherwise the taxonomy class of
	// the failure or rejection.
	ErrorClass model.ErrorClass

	// Rejected marks attempts denied at admission (no backend call was
	// made).
	Rejected bool

	// Latency is the backend call duration. Zero for rejections.
	Latency time.Duration
}

// FallbackSession is the complete record of attempts made to satisfy one
// logical LLM request, including rotations and the final outcome.
type FallbackSession struct {
	// Selector is the textual selector the caller asked for.
	Selector string

	// Primary is the first candidate considered.
	Primary TargetID

	// Attempts in order.
	Attempts []Attempt

	// Success reports whether any attempt produced a response.
	Success bool

	// Winner is the target that served the request, when Success.
	Winner TargetID

	// Duration is the total wall-clock time spent on the request.
	Duration time.Duration

	// StartedAt is when the request entered the scheduler.
	StartedAt time.Time
}

// CallCount returns how many attempts reached a backend (rejections
// excluded).
func (s *FallbackSession) CallCount() int {
	n := 0
	for _, a := range s.Attempts {
		if !a.Rejected {
			n++
		}
	}
	return n
}

// sessionRing retains the most recent fallback sessions in a fixed-size
// ring buffer for statistics.
type sessionRing struct {
	mu    sync.Mutex
	buf   []*FallbackSession
	next  int
	count int
}

func newSessionRing(capacity int) *sessionRing {
	if capacity <= 0 {
		capacity = DefaultSessionBuffer
	}
	return &sessionRing{buf: make([]*FallbackSession, capacity)}
}

func (r *sessionRing) add(s *FallbackSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns retained sessions oldest-first.
func (r *sessionRing) snapshot() []*FallbackSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FallbackSession, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Stats summarizes retained fallback sessions.
type Stats struct {
	// Sessions is how many sessions the summary covers.
	Sessions int

	// SuccessRate is the fraction of sessions that produced a response.
	SuccessRate float64

	// FallbackRate is the fraction of successful sessions that needed
	// more than one attempt.
	FallbackRate float64

	// AvgAttempts is the mean attempt count per session.
	AvgAttempts float64

	// SlowestTargets maps target ids to their average observed call
	// latency, for the targets seen in the window.
	SlowestTargets map[string]time.Duration
}

// computeStats folds the retained sessions into a Stats summary.
func computeStats(sessions []*FallbackSession) Stats {
	stats := Stats{Sessions: len(sessions)}
	if len(sessions) == 0 {
		return stats
	}

	successes := 0
	fallbacks := 0
	totalAttempts := 0
	latencySum := make(map[string]time.Duration)
	latencyN := make(map[string]int)

	for _, s := range sessions {
		totalAttempts += len(s.Attempts)
		if s.Success {
			successes++
			if len(s.Attempts) > 1 {
				fallbacks++
			}
		}
		for _, a := range s.Attempts {
			if a.Rejected {
				continue
			}
			key := a.Target.String()
			latencySum[key] += a.Latency
			latencyN[key]++
		}
	}

	stats.SuccessRate = float64(successes) / float64(len(sessions))
	if successes > 0 {
		stats.FallbackRate = float64(fallbacks) / float64(successes)
	}
	stats.AvgAttempts = float64(totalAttempts) / float64(len(sessions))
	stats.SlowestTargets = make(map[string]time.Duration, len(latencySum))
	for key, sum := range latencySum {
		stats.SlowestTargets[key] = sum / time.Duration(latencyN[key])
	}
	return stats
}
