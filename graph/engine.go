package graph

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kkkqkx123/open-agent/graph/emit"
	"github.com/kkkqkx123/open-agent/graph/store"
)

// Options configures engine execution behavior. Zero values are valid;
// the engine applies sensible defaults.
type Options struct {
	// MaxIterations bounds the execution loop per run, the backstop for
	// workflow cycles. A compiled graph's own MaxIterations takes
	// precedence when set. Default 100.
	MaxIterations int

	// Checkpoint selects the automatic snapshot cadence.
	Checkpoint CheckpointPolicy

	// Retry is the default retry policy for nodes that raise transient
	// errors. A node's max_retries config overrides MaxAttempts.
	Retry RetryPolicy

	// HistoryWritesFatal aborts the run when a history write fails.
	// Default false: history failures downgrade to warning events.
	HistoryWritesFatal bool
}

// Option is a functional engine option.
type Option func(*Engine)

// WithMetrics attaches Prometheus metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// Engine executes compiled graphs: it walks nodes sequentially, merges
// patches through the reducer schema, records history, honors the
// checkpoint policy, and applies per-node retry.
//
// The engine is single-threaded per run; node boundaries are the
// serialization points. Many runs may execute concurrently, each owning
// its own live state.
type Engine struct {
	store   store.Store
	emitter emit.Emitter
	metrics *Metrics
	opts    Options
	clock   func() time.Time

	// runs tracks live state per run id so snapshots can be taken
	// outside node boundaries.
	runsMu sync.Mutex
	runs   map[string]*liveRun
}

// liveRun is the engine-owned live state of one executing workflow.
type liveRun struct {
	mu             sync.Mutex
	graph          *CompiledGraph
	state          State
	step           int
	nextNode       string
	lastSnapshotID string
}

// ResumeNodeKey is the snapshot state key holding the node to execute on
// resume. It is stripped from the state before execution continues.
const ResumeNodeKey = "__resume_node__"

// defaultMaxIterations backstops workflows that declare no bound.
const defaultMaxIterations = 100

// NewEngine creates an Engine over a store and an emitter (nil emitter
// means no events).
func NewEngine(st store.Store, emitter emit.Emitter, opts Options, options ...Option) *Engine {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = 100 * time.Millisecond
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = 5 * time.Second
	}
	e := &Engine{
		store:   st,
		emitter: emitter,
		opts:    opts,
		clock:   time.Now,
		runs:    make(map[string]*liveRun),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Execute runs a compiled graph from its entry point to the terminal and
// returns the final state. Cancellation is observed at every node
// boundary; failures return a structured *ExecutionError carrying the
// last snapshot id when one exists.
func (e *Engine) Execute(ctx context.Context, graph *CompiledGraph, runID string, initial State) (State, error) {
	return e.ExecuteFrom(ctx, graph, runID, graph.EntryPoint, initial)
}

// ExecuteFrom runs a compiled graph starting at an arbitrary node, the
// primitive behind resume-from-snapshot.
func (e *Engine) ExecuteFrom(ctx context.Context, graph *CompiledGraph, runID string, startNode string, initial State) (State, error) {
	if e.store == nil {
		return nil, &ExecutionError{Kind: KindStorage, Message: "engine store is required"}
	}
	if _, ok := graph.Nodes[startNode]; !ok {
		return nil, &ExecutionError{Kind: KindNodeNotFound, Message: "start node not declared: " + startNode, NodeID: startNode}
	}

	run := &liveRun{graph: graph, state: initial.Clone()}
	if run.state == nil {
		run.state = State{}
	}
	e.runsMu.Lock()
	e.runs[runID] = run
	e.runsMu.Unlock()
	defer func() {
		e.runsMu.Lock()
		delete(e.runs, runID)
		e.runsMu.Unlock()
	}()

	maxIterations := graph.MaxIterations
	if maxIterations <= 0 {
		maxIterations = e.opts.MaxIterations
	}
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	current := startNode
	lastTS := time.Time{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, e.cancelled(run, runID, err)
		}

		run.mu.Lock()
		run.step++
		step := run.step
		stateView := run.state.Clone()
		run.mu.Unlock()

		if step > maxIterations {
			return nil, &ExecutionError{
				Kind:           KindIterationLimit,
				Message:        "workflow exceeded max iterations",
				LastSnapshotID: run.snapshotID(),
			}
		}

		node, ok := graph.Nodes[current]
		if !ok {
			return nil, &ExecutionError{
				Kind:           KindNodeNotFound,
				Message:        "node not found during execution: " + current,
				NodeID:         current,
				LastSnapshotID: run.snapshotID(),
			}
		}

		e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: current, Msg: "node_start"})
		startedAt := e.clock()

		result, attempts := e.runNodeWithRetry(ctx, graph, current, node, stateView)

		// Node patches apply even on failure so error records land in
		// state and history before the run aborts or reroutes.
		run.mu.Lock()
		oldState := run.state
		newState := ApplyPatch(graph.Schema, oldState, result.Patch)
		newState[KeyIterationCount] = step
		run.state = newState
		run.mu.Unlock()

		lastTS = e.monotonic(lastTS)
		if err := e.recordHistory(ctx, runID, current, lastTS, oldState, newState, run.snapshotID()); err != nil {
			return nil, err
		}

		latency := e.clock().Sub(startedAt)
		status := "ok"
		if result.Err != nil {
			status = "error"
		}
		if e.metrics != nil {
			e.metrics.ObserveStep(graph.Name, current, status, latency)
		}
		e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: current, Msg: "node_end",
			Meta: map[string]any{"duration_ms": latency.Milliseconds(), "status": status}})

		if result.Err != nil {
			// A failure caused by run cancellation is a cancellation, not
			// a node fault.
			if ctx.Err() != nil {
				return nil, e.cancelled(run, runID, ctx.Err())
			}
			e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: current, Msg: "error",
				Meta: map[string]any{"error": result.Err.Error(), "attempts": attempts}})

			if e.opts.Checkpoint.Mode == CheckpointOnError || e.opts.Checkpoint.Mode == CheckpointAlways {
				if _, err := e.snapshotRun(ctx, runID, run, "on_error"); err != nil {
					return nil, err
				}
			}
			if errNode, ok := graph.ErrorNode(current); ok {
				current = errNode
				continue
			}
			return nil, e.nodeFailure(current, result.Err, attempts, run.snapshotID())
		}

		next := result.Next.To
		switch {
		case result.Next.Terminal:
			next = End
		case next == "":
			next = graph.NextNode(current, run.currentState())
		}
		e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: current, Msg: "routing_decision",
			Meta: map[string]any{"next_node": next}})

		// The resume position is the node about to execute; snapshots
		// taken here restart the run exactly where it left off.
		run.setNext(next)
		if e.opts.Checkpoint.shouldSnapshot(step, graph.IsLLMNode(current)) {
			if _, err := e.snapshotRun(ctx, runID, run, "auto"); err != nil {
				return nil, err
			}
		}

		if next == End {
			return run.currentState(), nil
		}
		if next == "" {
			return nil, &ExecutionError{
				Kind:           KindNodeNotFound,
				Message:        "no valid route from node: " + current,
				NodeID:         current,
				LastSnapshotID: run.snapshotID(),
			}
		}
		current = next
	}
}

// runNodeWithRetry executes a node, retrying transient failures with
// exponential backoff and jitter. The state view is re-cloned per attempt
// so a failed attempt cannot leak partial mutations into the next.
func (e *Engine) runNodeWithRetry(ctx context.Context, graph *CompiledGraph, nodeID string, node Node, stateView State) (NodeResult, int) {
	maxAttempts := e.opts.Retry.MaxAttempts
	if n, ok := graph.Retries[nodeID]; ok && n > 0 {
		maxAttempts = n
	}

	var result NodeResult
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.IncRetries(graph.Name, nodeID)
			}
			delay := computeBackoff(attempt-1, e.opts.Retry.BaseDelay, e.opts.Retry.MaxDelay, nil)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return NodeResult{Err: PermanentError(nodeID, ctx.Err())}, attempt
			case <-timer.C:
			}
		}

		result = node.Run(ctx, stateView.Clone())
		if result.Err == nil || !IsRetryable(result.Err) {
			return result, attempt + 1
		}
		if ctx.Err() != nil {
			return result, attempt + 1
		}
	}
	return result, maxAttempts
}

// cancelled snapshots per policy and builds the structured cancellation
// error.
func (e *Engine) cancelled(run *liveRun, runID string, cause error) error {
	if e.opts.Checkpoint.OnCancel {
		// The run context is already dead; snapshot with a fresh scope.
		snapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = e.snapshotRun(snapCtx, runID, run, "on_cancel")
	}
	return &ExecutionError{
		Kind:           KindCancelled,
		Message:        "run cancelled",
		Cause:          cause,
		LastSnapshotID: run.snapshotID(),
	}
}

// nodeFailure maps a permanent node error to the structured execution
// error surfaced to callers.
func (e *Engine) nodeFailure(nodeID string, nodeErr error, attempts int, lastSnapshotID string) error {
	kind := KindNode
	if errors.Is(nodeErr, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &ExecutionError{
		Kind:           kind,
		Message:        nodeErr.Error(),
		NodeID:         nodeID,
		Attempts:       attempts,
		Cause:          nodeErr,
		LastSnapshotID: lastSnapshotID,
	}
}

// recordHistory writes the structural diff for one step. Failures follow
// the history policy: fatal, or downgraded to a warning event.
func (e *Engine) recordHistory(ctx context.Context, runID, nodeID string, ts time.Time, oldState, newState State, prevSnapshotID string) error {
	diff := store.ComputeDiff(map[string]any(oldState), map[string]any(newState))
	blob, err := store.EncodeDiff(diff)
	if err == nil {
		err = e.store.AppendHistory(ctx, store.Entry{
			ID:             uuid.NewString(),
			AgentID:        runID,
			Timestamp:      ts,
			Action:         "node:" + nodeID,
			Diff:           blob,
			PrevSnapshotID: prevSnapshotID,
		})
	}
	if err == nil {
		return nil
	}
	if e.opts.HistoryWritesFatal {
		return &ExecutionError{Kind: KindStorage, Message: "history write failed", NodeID: nodeID, Cause: err}
	}
	e.emitter.Emit(emit.Event{RunID: runID, NodeID: nodeID, Msg: "history_write_failed",
		Meta: map[string]any{"error": err.Error()}})
	return nil
}

// SnapshotRun captures the live state of an executing run. Used by
// RunHandle.Snapshot; automatic snapshots go through the same path.
func (e *Engine) SnapshotRun(ctx context.Context, runID, description string) (string, error) {
	e.runsMu.Lock()
	run, ok := e.runs[runID]
	e.runsMu.Unlock()
	if !ok {
		return "", &ExecutionError{Kind: KindStorage, Message: "run not live: " + runID}
	}
	return e.snapshotRun(ctx, runID, run, description)
}

// snapshotRun persists a snapshot of the run's current state. Snapshot
// write failures are always fatal: a caller relying on a resume point
// must not be told one exists.
func (e *Engine) snapshotRun(ctx context.Context, runID string, run *liveRun, description string) (string, error) {
	run.mu.Lock()
	state := run.state.Clone()
	graphName := run.graph.Name
	if run.nextNode != "" && run.nextNode != End {
		state[ResumeNodeKey] = run.nextNode
	}
	run.mu.Unlock()

	blob, err := store.EncodeState(map[string]any(state))
	if err != nil {
		return "", &ExecutionError{Kind: KindStorage, Message: "encode snapshot", Cause: err}
	}
	snap := store.Snapshot{
		ID:          uuid.NewString(),
		AgentID:     runID,
		WorkflowID:  graphName,
		CreatedAt:   e.clock(),
		Description: description,
		State:       blob,
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return "", &ExecutionError{Kind: KindStorage, Message: "snapshot write failed", Cause: err}
	}

	run.mu.Lock()
	run.lastSnapshotID = snap.ID
	run.mu.Unlock()

	if e.metrics != nil {
		e.metrics.IncSnapshots(graphName)
	}
	e.emitter.Emit(emit.Event{RunID: runID, Msg: "checkpoint",
		Meta: map[string]any{"snapshot_id": snap.ID, "description": description}})
	return snap.ID, nil
}

// monotonic returns a timestamp strictly after prev, so history entries
// within a run are totally ordered even under coarse clocks.
func (e *Engine) monotonic(prev time.Time) time.Time {
	now := e.clock()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func (r *liveRun) setNext(next string) {
	r.mu.Lock()
	r.nextNode = next
	r.mu.Unlock()
}

func (r *liveRun) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

func (r *liveRun) snapshotID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSnapshotID
}
