package sched

import (
	"sync/atomic"
)

// poolState is the runtime state of one polling pool: the rotation
// counter plus the parsed target selectors.
type poolState struct {
	cfg     *PoolConfig
	targets []Selector
	counter atomic.Uint64
}

func newPoolState(cfg *PoolConfig) (*poolState, error) {
	ps := &poolState{cfg: cfg}
	for _, raw := range cfg.Targets {
		sel, err := ParseSelector(raw)
		if err != nil {
			return nil, err
		}
		ps.targets = append(ps.targets, sel)
	}
	return ps, nil
}

// pick selects the next tier selector according to the pool's strategy.
// Returns false when every target is circuit-open (round_robin) or the
// pool is empty.
func (p *poolState) pick(s *Scheduler) (Selector, bool) {
	if len(p.targets) == 0 {
		return Selector{}, false
	}
	switch p.cfg.Strategy {
	case LeastUsed:
		return p.pickLeastUsed(s)
	case Weighted:
		return p.pickWeighted(s)
	default:
		return p.pickRoundRobin(s)
	}
}

// pickRoundRobin advances the monotonic counter, skipping selectors whose
// targets are all circuit-open.
func (p *poolState) pickRoundRobin(s *Scheduler) (Selector, bool) {
	n := uint64(len(p.targets))
	for i := uint64(0); i < n; i++ {
		idx := (p.counter.Add(1) - 1) % n
		sel := p.targets[idx]
		if s.tierHasAdmittableTarget(sel) {
			return sel, true
		}
	}
	return Selector{}, false
}

// pickLeastUsed selects the selector minimizing total inflight calls,
// breaking ties by lower recent failure rate.
func (p *poolState) pickLeastUsed(s *Scheduler) (Selector, bool) {
	best := -1
	var bestInflight int64
	var bestFailRate float64
	for i, sel := range p.targets {
		inflight, failRate, ok := s.tierLoad(sel)
		if !ok {
			continue
		}
		if best == -1 || inflight < bestInflight ||
			(inflight == bestInflight && failRate < bestFailRate) {
			best = i
			bestInflight = inflight
			bestFailRate = failRate
		}
	}
	if best == -1 {
		return Selector{}, false
	}
	return p.targets[best], true
}

// pickWeighted selects by weighted random, weights inverse to recent
// latency scaled by (1 - failure rate).
func (p *poolState) pickWeighted(s *Scheduler) (Selector, bool) {
	weights := make([]float64, len(p.targets))
	total := 0.0
	for i, sel := range p.targets {
		w := s.tierWeight(sel)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return Selector{}, false
	}
	r := s.randFloat() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return p.targets[i], true
		}
	}
	return p.targets[len(p.targets)-1], true
}
