package graph

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the structured errors surfaced by the engine and the
// builder. Kinds are stable strings suitable for logging and for mapping to
// process exit codes.
type ErrorKind string

const (
	// KindValidation reports an invalid workflow spec. Validation errors
	// block build and never surface at runtime.
	KindValidation ErrorKind = "validation"

	// KindInheritanceCycle reports a cycle in the inherits_from chain.
	KindInheritanceCycle ErrorKind = "inheritance_cycle"

	// KindNodeNotFound reports a reference to an undeclared node.
	KindNodeNotFound ErrorKind = "node_not_found"

	// KindIterationLimit reports that a run exceeded its max iterations.
	KindIterationLimit ErrorKind = "iteration_limit_exceeded"

	// KindCancelled reports cooperative cancellation of a run.
	KindCancelled ErrorKind = "cancelled"

	// KindStorage reports a snapshot or history persistence failure.
	KindStorage ErrorKind = "storage"

	// KindHistory reports a corrupt history entry found during replay.
	KindHistory ErrorKind = "history"

	// KindNode reports a node failure that exhausted its retry budget.
	KindNode ErrorKind = "node"

	// KindTimeout reports a wall-clock budget exceeded.
	KindTimeout ErrorKind = "timeout"
)

// ExecutionError is the structured error returned to callers when a run
// fails. When LastSnapshotID is set the caller can Resume from it.
type ExecutionError struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Message is a human-readable description.
	Message string

	// NodeID identifies the failing node, when the failure is node-scoped.
	NodeID string

	// Attempts counts how many times the failing node was attempted.
	Attempts int

	// LastSnapshotID names the most recent snapshot taken before the
	// failure, empty if none exists.
	LastSnapshotID string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *ExecutionError) Unwrap() error { return e.Cause }

// NodeError is an error raised by a node execution. Retryable node errors
// are retried by the engine up to the node's retry budget; everything else
// is treated as permanent.
type NodeError struct {
	// NodeID identifies which node produced this error.
	NodeID string

	// Message is the human-readable error description.
	Message string

	// Cause is the underlying error.
	Cause error

	// Transient marks the error as retryable by the engine.
	Transient bool
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *NodeError) Unwrap() error { return e.Cause }

// Retryable reports whether the engine may retry the node.
func (e *NodeError) Retryable() bool { return e.Transient }

// TransientError wraps err as a retryable node failure.
func TransientError(nodeID string, err error) *NodeError {
	return &NodeError{NodeID: nodeID, Message: errMessage(err), Cause: err, Transient: true}
}

// PermanentError wraps err as a non-retryable node failure.
func PermanentError(nodeID string, err error) *NodeError {
	return &NodeError{NodeID: nodeID, Message: errMessage(err), Cause: err}
}

// retryable is the interface errors implement to opt into engine retries.
// The LLM error taxonomy in graph/model implements it.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err (or anything it wraps) declares itself
// retryable. Unclassified errors are not retried.
func IsRetryable(err error) bool {
	for err != nil {
		if r, ok := err.(retryable); ok {
			return r.Retryable()
		}
		err = errors.Unwrap(err)
	}
	return false
}

func errMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
