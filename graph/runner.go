package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kkkqkx123/open-agent/graph/store"
)

// RunOptions configures one workflow run.
type RunOptions struct {
	// RunID overrides the generated run id.
	RunID string
}

// Runner is the library entry point: it builds workflows by name, runs
// them asynchronously, and resumes them from snapshots.
type Runner struct {
	builder *Builder
	engine  *Engine
	store   store.Store
	source  SpecSource
	metrics *Metrics
}

// NewRunner creates a Runner. source resolves workflow names for Run and
// for inheritance.
func NewRunner(builder *Builder, engine *Engine, st store.Store, source SpecSource) *Runner {
	return &Runner{builder: builder, engine: engine, store: st, source: source}
}

// WithRunnerMetrics attaches run-level metrics (active-run gauge).
func (r *Runner) WithRunnerMetrics(m *Metrics) *Runner {
	r.metrics = m
	return r
}

// Run builds the named workflow and starts executing it with the given
// initial state. The returned handle exposes Wait, Cancel, and Snapshot.
// Build and validation errors surface here, never from Wait.
func (r *Runner) Run(ctx context.Context, workflowName string, initial State, opts RunOptions) (*RunHandle, error) {
	spec, err := r.source.Spec(workflowName)
	if err != nil {
		return nil, fmt.Errorf("resolve workflow %s: %w", workflowName, err)
	}
	graph, err := r.builder.Build(spec)
	if err != nil {
		return nil, err
	}
	return r.start(ctx, graph, graph.EntryPoint, initial, opts)
}

// Resume loads a snapshot and continues its run from the recorded
// position under a fresh run id.
func (r *Runner) Resume(ctx context.Context, snapshotID string, opts RunOptions) (*RunHandle, error) {
	snap, err := r.store.LoadSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	raw, err := store.DecodeState(snap.State)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", snapshotID, err)
	}

	state := State(raw)
	startNode := ""
	if v, ok := state[ResumeNodeKey].(string); ok {
		startNode = v
		delete(state, ResumeNodeKey)
	}

	spec, err := r.source.Spec(snap.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("resolve workflow %s: %w", snap.WorkflowID, err)
	}
	graph, err := r.builder.Build(spec)
	if err != nil {
		return nil, err
	}
	if startNode == "" {
		startNode = graph.EntryPoint
	}
	return r.start(ctx, graph, startNode, state, opts)
}

func (r *Runner) start(ctx context.Context, graph *CompiledGraph, startNode string, initial State, opts RunOptions) (*RunHandle, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	now := r.engine.clock()
	if err := r.store.SaveRun(ctx, store.RunRecord{
		RunID:        runID,
		WorkflowName: graph.Name,
		StartedAt:    now,
		Status:       store.RunRunning,
	}); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &RunHandle{
		RunID:  runID,
		engine: r.engine,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if r.metrics != nil {
		r.metrics.RunStarted()
	}
	go func() {
		defer cancel()
		final, err := r.engine.ExecuteFrom(runCtx, graph, runID, startNode, initial)
		r.finishRun(runID, err)
		if r.metrics != nil {
			r.metrics.RunEnded()
		}
		handle.complete(final, err)
	}()
	return handle, nil
}

// finishRun updates the run record with the terminal status. Record
// update failures are swallowed; the run outcome is already decided.
func (r *Runner) finishRun(runID string, runErr error) {
	status := store.RunCompleted
	lastSnapshot := ""
	if runErr != nil {
		status = store.RunFailed
		var execErr *ExecutionError
		if errors.As(runErr, &execErr) {
			lastSnapshot = execErr.LastSnapshotID
			if execErr.Kind == KindCancelled {
				status = store.RunCancelled
			}
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.store.UpdateRun(ctx, store.RunRecord{
		RunID:          runID,
		Status:         status,
		EndedAt:        r.engine.clock(),
		LastSnapshotID: lastSnapshot,
	})
}

// RunHandle is the caller's view of one asynchronous run.
type RunHandle struct {
	// RunID identifies the run in the store and in history.
	RunID string

	engine *Engine
	cancel context.CancelFunc

	mu    sync.Mutex
	final State
	err   error
	done  chan struct{}
}

// Wait blocks until the run terminates and returns the final state or
// the structured execution error.
func (h *RunHandle) Wait() (State, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.final, h.err
}

// Done returns a channel closed when the run terminates.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Cancel requests cooperative cancellation. Idempotent; Wait returns a
// Cancelled execution error once the engine observes the signal.
func (h *RunHandle) Cancel() { h.cancel() }

// Snapshot captures the run's live state and returns the snapshot id.
// Fails once the run has terminated.
func (h *RunHandle) Snapshot(ctx context.Context) (string, error) {
	return h.engine.SnapshotRun(ctx, h.RunID, "manual")
}

func (h *RunHandle) complete(final State, err error) {
	h.mu.Lock()
	h.final = final
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
