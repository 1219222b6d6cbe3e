package graph

import (
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy reports a RetryPolicy that violates its constraints.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy defines automatic retry behavior for transient node failures.
//
// When a node raises a retryable error, the engine waits with exponential
// backoff plus jitter and re-runs the node, up to MaxAttempts total
// attempts. Non-retryable errors fail immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Must be >= 1; 1 means no retries.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the base delay for exponential backoff.
	// Effective delay: min(BaseDelay * 2^attempt, MaxDelay) + jitter(0, BaseDelay).
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the exponential growth. NewEngine replaces zero with 5s.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// Validate checks the policy constraints.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff calculates the delay before the next retry attempt using
// exponential backoff with jitter.
//
// The jitter (random value in [0, base)) spreads out synchronized retries
// from concurrent runs hitting the same failing backend.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
	}
	return delay + jitter
}

// CheckpointMode selects when the engine snapshots state during a run.
type CheckpointMode string

const (
	// CheckpointNever disables automatic snapshots. Manual snapshots via
	// RunHandle.Snapshot still work.
	CheckpointNever CheckpointMode = "never"

	// CheckpointAlways snapshots after every node execution.
	CheckpointAlways CheckpointMode = "always"

	// CheckpointEveryN snapshots after every N completed steps.
	CheckpointEveryN CheckpointMode = "every_n_steps"

	// CheckpointOnError snapshots when a node fails permanently, giving
	// the caller a resume point.
	CheckpointOnError CheckpointMode = "on_error"

	// CheckpointOnLLMNode snapshots after each LLM node completes, the
	// natural resume granularity for expensive calls.
	CheckpointOnLLMNode CheckpointMode = "on_llm_node"
)

// CheckpointPolicy configures automatic snapshotting during execution.
//
// A snapshot on node failure is taken when Mode is CheckpointOnError or
// CheckpointAlways; the other modes take none on failure.
type CheckpointPolicy struct {
	// Mode selects the snapshot cadence.
	Mode CheckpointMode `yaml:"mode"`

	// EveryN is the step interval for CheckpointEveryN. Ignored otherwise.
	EveryN int `yaml:"every_n"`

	// OnCancel snapshots before surfacing a cancellation, so the run can
	// resume from where it was interrupted.
	OnCancel bool `yaml:"on_cancel"`
}

// shouldSnapshot reports whether a snapshot is due after the given step.
func (p CheckpointPolicy) shouldSnapshot(step int, llmNode bool) bool {
	switch p.Mode {
	case CheckpointAlways:
		return true
	case CheckpointEveryN:
		return p.EveryN > 0 && step%p.EveryN == 0
	case CheckpointOnLLMNode:
		return llmNode
	default:
		return false
	}
}
