package graph

import "context"

// End is the implicit terminal node id. Routing to End completes the run.
const End = "__end__"

// Node is a processing unit in the workflow graph. It observes a read-only
// view of state, performs computation, and returns a NodeResult.
//
// Nodes must not mutate the state they receive; all changes flow through
// the Patch, which the engine merges via the reducer schema. Long-running
// nodes must honor ctx cancellation — the engine checks the context at node
// boundaries, and LLM/tool nodes propagate it to their backends.
type Node interface {
	// Run executes the node against a read-only view of state.
	Run(ctx context.Context, state State) NodeResult
}

// NodeResult is the output of one node execution.
type NodeResult struct {
	// Patch is the partial state update produced by this node. It is
	// merged into the run state through the reducer schema.
	Patch State

	// Next optionally overrides edge-based routing. Zero value means
	// "follow the node's outgoing edges".
	Next Next

	// Err is the node-level failure, if any. Wrap with TransientError to
	// request engine retries; any other error is treated as permanent.
	Err error
}

// Next is a routing override returned by a node.
//
// Condition nodes use it to pick a branch; terminal nodes use Stop.
type Next struct {
	// To names the next node to execute.
	To string

	// Terminal stops the run after this node.
	Terminal bool
}

// Stop returns a Next that terminates the run.
func Stop() Next { return Next{Terminal: true} }

// Goto returns a Next that routes to the named node.
func Goto(nodeID string) Next { return Next{To: nodeID} }

// IsZero reports whether the override is unset.
func (n Next) IsZero() bool { return n.To == "" && !n.Terminal }

// NodeFunc adapts a plain function to the Node interface.
//
//	check := graph.NodeFunc(func(ctx context.Context, s graph.State) graph.NodeResult {
//	    return graph.NodeResult{Patch: graph.State{"checked": true}}
//	})
type NodeFunc func(ctx context.Context, state State) NodeResult

// Run implements Node.
func (f NodeFunc) Run(ctx context.Context, state State) NodeResult {
	return f(ctx, state)
}
