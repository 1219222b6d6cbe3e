package sched

import (
	"context"
	"time"

	"github.com/kkkqkx123/open-agent/graph/emit"
	"github.com/kkkqkx123/open-agent/graph/model"
)

// probeTimeout bounds each health-check call so a hung backend cannot
// stall the probe loop.
const probeTimeout = 10 * time.Second

// probeRequest is the minimal request sent to half-open targets.
var probeRequest = model.Request{
	Messages:  []model.Message{{Role: model.RoleUser, Content: "ping"}},
	MaxTokens: 1,
}

// healthLoop re-probes half-open targets on the configured cadence,
// returning them to closed on success. It runs for the scheduler's
// lifetime and exits promptly on Close.
func (s *Scheduler) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthCheckInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.probeHalfOpen()
		}
	}
}

// probeHalfOpen sends one minimal request to every half-open target. The
// breaker's own transitions apply: success closes, failure re-opens.
func (s *Scheduler) probeHalfOpen() {
	s.mu.RLock()
	candidates := make([]*target, 0)
	for _, t := range s.targets {
		if t.circuit.State() == CircuitHalfOpen {
			candidates = append(candidates, t)
		}
	}
	s.mu.RUnlock()

	for _, t := range candidates {
		select {
		case <-s.done:
			return
		default:
		}
		s.probe(t)
	}
}

func (s *Scheduler) probe(t *target) {
	client, err := s.factory.Model(t.id.Model)
	if err != nil {
		t.recordFailure()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	start := s.clock()
	_, err = client.Chat(ctx, probeRequest)
	if err != nil {
		t.recordFailure()
		s.emitter.Emit(emit.Event{Msg: "health_probe", Meta: map[string]any{
			"target": t.id.String(),
			"error":  model.ClassOf(err),
		}})
		return
	}
	t.recordSuccess(s.clock().Sub(start))
	s.emitter.Emit(emit.Event{Msg: "health_probe", Meta: map[string]any{
		"target":  t.id.String(),
		"healthy": true,
	}})
}
