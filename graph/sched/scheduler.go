package sched

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kkkqkx123/open-agent/graph/emit"
	"github.com/kkkqkx123/open-agent/graph/model"
)

// ExhaustedError reports that every candidate target was tried (or the
// attempt cap was reached) without producing a response. The session
// carries the full attempt history.
type ExhaustedError struct {
	// Selector is the selector the caller asked for.
	Selector string

	// Session records every attempt made.
	Session *FallbackSession

	// LastErr is the most recent backend error, if any attempt reached
	// a backend.
	LastErr error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all targets exhausted for %s after %d attempts", e.Selector, len(e.Session.Attempts))
}

// Unwrap returns the last backend error.
func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Retryable implements the engine's retryable interface: the scheduler
// already rotated everything it had.
func (e *ExhaustedError) Retryable() bool { return false }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEmitter attaches an observability emitter. Attempt-level events are
// emitted as "llm_attempt" with target and outcome metadata.
func WithEmitter(em emit.Emitter) Option {
	return func(s *Scheduler) { s.emitter = em }
}

// WithClock overrides the scheduler clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithRand overrides the randomness source used by the weighted pool
// strategy, for tests.
func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = rng }
}

// Scheduler resolves selectors to backends and applies every admission
// and fallback policy around each call.
//
// The scheduler is parallel: it serves concurrent Invoke calls across all
// workflows, guarded by per-target permits and limiters. It owns no
// backend clients; it holds target ids and resolves clients through the
// injected factory per call.
type Scheduler struct {
	cfg     *Config
	factory model.Factory
	emitter emit.Emitter
	clock   func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.RWMutex
	targets map[string]*target
	pools   map[string]*poolState

	sessions *sessionRing

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Scheduler over a validated config and a backend factory.
// Background health probing starts immediately when the config enables
// it; call Close to stop it.
func New(cfg *Config, factory model.Factory, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("scheduler config is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("model factory is required")
	}

	s := &Scheduler{
		cfg:      cfg,
		factory:  factory,
		emitter:  emit.NewNullEmitter(),
		clock:    time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- pool rotation, not security
		targets:  make(map[string]*target),
		pools:    make(map[string]*poolState),
		sessions: newSessionRing(cfg.SessionBufferSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Materialize every configured target up front so limits apply from
	// the first call and health probing has a full registry.
	for _, group := range cfg.TaskGroups {
		for i := range group.Tiers {
			tier := &group.Tiers[i]
			algorithm := TokenBucket
			for _, pool := range cfg.PollingPools {
				for _, raw := range pool.Targets {
					if raw == group.Name+"."+tier.Name && pool.RateLimiting.Algorithm != "" {
						algorithm = pool.RateLimiting.Algorithm
					}
				}
			}
			for _, modelID := range tier.Models {
				id := TargetID{Group: group.Name, Tier: tier.Name, Model: modelID}
				s.targets[id.String()] = newTarget(id, tier, algorithm, cfg.Circuit, s.clock)
			}
		}
	}
	for _, pool := range cfg.PollingPools {
		ps, err := newPoolState(pool)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", pool.Name, err)
		}
		s.pools[pool.Name] = ps
	}

	if cfg.HealthCheckInterval > 0 {
		s.wg.Add(1)
		go s.healthLoop()
	}
	return s, nil
}

// Close stops background probing. Idempotent.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

// TierFor resolves the tier a selector lands on first: the named tier for
// group.tier selectors, the first target's tier for pools. Callers use it
// for per-call budgets (timeout, retries).
func (s *Scheduler) TierFor(selector string) (*Tier, bool) {
	sel, err := ParseSelector(selector)
	if err != nil {
		return nil, false
	}
	if sel.Pool != "" {
		pool, ok := s.pools[sel.Pool]
		if !ok || len(pool.targets) == 0 {
			return nil, false
		}
		sel = pool.targets[0]
	}
	group, ok := s.cfg.TaskGroups[sel.Group]
	if !ok {
		return nil, false
	}
	return group.Tier(sel.Tier)
}

// Sessions returns the retained fallback sessions, oldest first.
func (s *Scheduler) Sessions() []*FallbackSession {
	return s.sessions.snapshot()
}

// Stats summarizes the retained fallback sessions.
func (s *Scheduler) Stats() Stats {
	return computeStats(s.sessions.snapshot())
}

// Invoke selects a backend for the selector and calls it, applying
// admission control and fallback. It returns the first successful
// response, or *ExhaustedError when the candidate space or attempt cap
// runs out, or a non-retryable classified error as soon as one occurs.
func (s *Scheduler) Invoke(ctx context.Context, selector string, req model.Request) (model.Response, error) {
	sel, err := ParseSelector(selector)
	if err != nil {
		return model.Response{}, err
	}

	session := &FallbackSession{Selector: selector, StartedAt: s.clock()}
	defer func() {
		session.Duration = s.clock().Sub(session.StartedAt)
		s.sessions.add(session)
	}()

	inv := &invocation{
		s:       s,
		ctx:     ctx,
		req:     req,
		session: session,
	}

	var resp model.Response
	if sel.Pool != "" {
		resp, err = inv.runPool(sel.Pool)
	} else {
		resp, err = inv.runGroup(sel, false)
	}
	if err == nil {
		return resp, nil
	}
	if inv.abortErr != nil {
		return model.Response{}, inv.abortErr
	}
	if err != errFallthrough {
		return model.Response{}, err
	}
	if ctx.Err() != nil {
		return model.Response{}, ctx.Err()
	}
	return model.Response{}, &ExhaustedError{Selector: selector, Session: session, LastErr: inv.lastErr}
}

// errFallthrough signals "candidates exhausted, keep descending" inside
// an invocation; it never escapes Invoke.
var errFallthrough = fmt.Errorf("fallback: candidates exhausted")

// invocation tracks one logical request through the fallback state
// machine.
type invocation struct {
	s       *Scheduler
	ctx     context.Context
	req     model.Request
	session *FallbackSession

	attempts    int
	unknownSeen bool
	lastErr     error
	abortErr    error
	triedGroups map[string]bool
}

// runGroup walks the group's tiers starting at sel.Tier, then follows
// fallback_groups.
func (inv *invocation) runGroup(sel Selector, viaFallback bool) (model.Response, error) {
	group, ok := inv.s.cfg.TaskGroups[sel.Group]
	if !ok {
		return model.Response{}, fmt.Errorf("unknown task group %q", sel.Group)
	}
	if inv.triedGroups == nil {
		inv.triedGroups = make(map[string]bool)
	}
	if inv.triedGroups[group.Name] {
		return model.Response{}, errFallthrough
	}
	inv.triedGroups[group.Name] = true

	start := 0
	for i := range group.Tiers {
		if group.Tiers[i].Name == sel.Tier {
			start = i
			break
		}
	}

	for i := start; i < len(group.Tiers); i++ {
		tier := &group.Tiers[i]
		resp, err := inv.runTier(group.Name, tier, viaFallback)
		if err == nil {
			return resp, nil
		}
		if err != errFallthrough {
			return model.Response{}, err
		}
		if group.FallbackStrategy == NoFallback {
			break
		}
	}

	for _, raw := range group.FallbackGroups {
		next, err := ParseSelector(raw)
		if err != nil {
			continue
		}
		var resp model.Response
		if next.Pool != "" {
			resp, err = inv.runPool(next.Pool)
		} else {
			resp, err = inv.runGroup(next, true)
		}
		if err == nil {
			return resp, nil
		}
		if err != errFallthrough {
			return model.Response{}, err
		}
	}
	return model.Response{}, errFallthrough
}

// runPool rotates the pool until a target serves the request or the
// attempt budget runs out. Pool rotation replaces tier descent.
func (inv *invocation) runPool(name string) (model.Response, error) {
	pool, ok := inv.s.pools[name]
	if !ok {
		return model.Response{}, fmt.Errorf("unknown pool %q", name)
	}
	for inv.attempts < inv.s.cfg.MaxFallbackAttempts {
		if inv.ctx.Err() != nil {
			return model.Response{}, errFallthrough
		}
		sel, ok := pool.pick(inv.s)
		if !ok {
			return model.Response{}, errFallthrough
		}
		group, ok := inv.s.cfg.TaskGroups[sel.Group]
		if !ok {
			return model.Response{}, errFallthrough
		}
		tier, ok := group.Tier(sel.Tier)
		if !ok {
			return model.Response{}, errFallthrough
		}
		resp, err := inv.runTier(sel.Group, tier, false)
		if err == nil {
			return resp, nil
		}
		if err != errFallthrough {
			return model.Response{}, err
		}
	}
	return model.Response{}, errFallthrough
}

// runTier rotates the tier's models in order.
func (inv *invocation) runTier(groupName string, tier *Tier, viaFallback bool) (model.Response, error) {
	for _, modelID := range tier.Models {
		if inv.attempts >= inv.s.cfg.MaxFallbackAttempts {
			return model.Response{}, errFallthrough
		}
		if inv.ctx.Err() != nil {
			return model.Response{}, errFallthrough
		}
		id := TargetID{Group: groupName, Tier: tier.Name, Model: modelID}
		resp, cont, err := inv.attempt(id, viaFallback)
		if err == nil && !cont {
			return resp, nil
		}
		if !cont {
			inv.abortErr = err
			return model.Response{}, err
		}
		// cont: admission rejection or retryable failure, next model.
	}
	return model.Response{}, errFallthrough
}

// attempt runs the admission protocol and (when admitted) the backend
// call against one candidate. The cont result distinguishes "move to the
// next candidate" from terminal outcomes.
func (inv *invocation) attempt(id TargetID, viaFallback bool) (resp model.Response, cont bool, err error) {
	s := inv.s
	t := s.target(id)
	if t == nil {
		return model.Response{}, true, nil
	}
	inv.attempts++

	if inv.session.Primary == (TargetID{}) {
		inv.session.Primary = id
	}

	// 1. Circuit gate. Honored across group-fallback boundaries unless
	// the config opts out.
	honorCircuit := !viaFallback || !s.cfg.ResetCircuitOnGroupFallback
	if honorCircuit && !t.circuit.Allow() {
		inv.reject(id, model.ClassCircuitOpen)
		return model.Response{}, true, nil
	}

	// 2. Rate token within the admission budget.
	rateCtx, cancelRate := context.WithTimeout(inv.ctx, s.cfg.AdmissionWait.Std())
	admitted := t.limiter.acquire(rateCtx)
	cancelRate()
	if !admitted {
		inv.reject(id, model.ClassRateLimited)
		return model.Response{}, true, nil
	}

	// 3. Concurrency permit with bounded wait.
	if !t.acquirePermit(inv.ctx, s.cfg.ConcurrencyWait.Std()) {
		inv.reject(id, model.ClassRateLimited)
		return model.Response{}, true, nil
	}
	defer t.releasePermit()

	// 4. Backend call with the tier's effective timeout. The caller's
	// deadline, when sooner, wins through context inheritance.
	client, ferr := s.factory.Model(id.Model)
	if ferr != nil {
		t.recordFailure()
		inv.record(id, model.ClassOf(ferr), 0)
		inv.lastErr = ferr
		return model.Response{}, true, nil
	}

	callCtx := inv.ctx
	var cancelCall context.CancelFunc
	if t.tier.Timeout > 0 {
		callCtx, cancelCall = context.WithTimeout(inv.ctx, t.tier.Timeout.Std())
		defer cancelCall()
	}

	t.inflight.Add(1)
	start := s.clock()
	resp, callErr := client.Chat(callCtx, inv.req)
	latency := s.clock().Sub(start)
	t.inflight.Add(-1)

	if callErr == nil {
		t.recordSuccess(latency)
		inv.record(id, "", latency)
		inv.session.Success = true
		inv.session.Winner = id
		return resp, false, nil
	}

	class := model.ClassOf(callErr)
	t.recordFailure()
	inv.record(id, class, latency)
	inv.lastErr = model.Wrap(id.Model, callErr)

	switch class {
	case model.ClassAuth, model.ClassInvalidRequest, model.ClassContentFiltered:
		// Request-level failures: no other target will fare better.
		return model.Response{}, false, inv.lastErr
	case model.ClassUnknown:
		// Conservative: one unclassified failure rotates, the second
		// aborts.
		if inv.unknownSeen {
			return model.Response{}, false, inv.lastErr
		}
		inv.unknownSeen = true
		return model.Response{}, true, nil
	default:
		return model.Response{}, true, nil
	}
}

func (inv *invocation) reject(id TargetID, class model.ErrorClass) {
	inv.session.Attempts = append(inv.session.Attempts, Attempt{
		Target:     id,
		ErrorClass: class,
		Rejected:   true,
	})
	inv.s.emitAttempt(id, string(class), true, 0)
}

func (inv *invocation) record(id TargetID, class model.ErrorClass, latency time.Duration) {
	inv.session.Attempts = append(inv.session.Attempts, Attempt{
		Target:     id,
		ErrorClass: class,
		Latency:    latency,
	})
	inv.s.emitAttempt(id, string(class), false, latency)
}

func (s *Scheduler) emitAttempt(id TargetID, class string, rejected bool, latency time.Duration) {
	meta := map[string]any{
		"target":   id.String(),
		"rejected": rejected,
	}
	if class != "" {
		meta["error"] = class
	}
	if latency > 0 {
		meta["duration_ms"] = latency.Milliseconds()
	}
	s.emitter.Emit(emit.Event{Msg: "llm_attempt", Meta: meta})
}

// target looks up the admission state for a target id.
func (s *Scheduler) target(id TargetID) *target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.targets[id.String()]
}

// CircuitState reports the breaker state for a target, for tests and
// operational introspection.
func (s *Scheduler) CircuitState(id TargetID) (CircuitState, bool) {
	t := s.target(id)
	if t == nil {
		return "", false
	}
	return t.circuit.State(), true
}

// tierHasAdmittableTarget reports whether any of the tier's targets has a
// non-open circuit.
func (s *Scheduler) tierHasAdmittableTarget(sel Selector) bool {
	for _, t := range s.tierTargets(sel) {
		if t.circuit.State() != CircuitOpen {
			return true
		}
	}
	return false
}

// tierLoad sums the tier's inflight calls and averages its failure rate.
func (s *Scheduler) tierLoad(sel Selector) (inflight int64, failRate float64, ok bool) {
	targets := s.tierTargets(sel)
	if len(targets) == 0 {
		return 0, 0, false
	}
	for _, t := range targets {
		inflight += t.inflight.Load()
		failRate += t.circuit.FailureRate()
	}
	return inflight, failRate / float64(len(targets)), true
}

// tierWeight sums the tier's target weights for the weighted strategy.
func (s *Scheduler) tierWeight(sel Selector) float64 {
	total := 0.0
	for _, t := range s.tierTargets(sel) {
		if t.circuit.State() == CircuitOpen {
			continue
		}
		total += t.weight()
	}
	return total
}

func (s *Scheduler) tierTargets(sel Selector) []*target {
	group, ok := s.cfg.TaskGroups[sel.Group]
	if !ok {
		return nil
	}
	tier, ok := group.Tier(sel.Tier)
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*target, 0, len(tier.Models))
	for _, modelID := range tier.Models {
		id := TargetID{Group: sel.Group, Tier: sel.Tier, Model: modelID}
		if t, ok := s.targets[id.String()]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Scheduler) randFloat() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}
