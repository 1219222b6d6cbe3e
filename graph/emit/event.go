// Package emit provides observability events for workflow execution.
package emit

// Event is an observability record emitted during workflow execution:
// node lifecycle, routing decisions, checkpoint writes, scheduler
// attempts, and errors.
type Event struct {
	// RunID identifies the workflow execution that emitted this event.
	RunID string

	// Step is the sequential step number within the run (1-indexed).
	// Zero for run-level events.
	Step int

	// NodeID identifies the node that emitted this event. Empty for
	// run-level and scheduler events.
	NodeID string

	// Msg names the event ("node_start", "node_end", "checkpoint",
	// "llm_attempt", "error", ...).
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": failure details
	//   - "next_node": routing decision
	//   - "snapshot_id": checkpoint identifier
	//   - "target": LLM model id for scheduler events
	Meta map[string]any
}
