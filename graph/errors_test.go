package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kkkqkx123/open-agent/graph/model"
)

func TestExecutionErrorMessage(t *testing.T) {
	err := &ExecutionError{Kind: KindNode, Message: "boom", NodeID: "think"}
	if got := err.Error(); got != "node: node think: boom" {
		t.Errorf("Error() = %q", got)
	}
	err = &ExecutionError{Kind: KindCancelled, Message: "run cancelled"}
	if got := err.Error(); got != "cancelled: run cancelled" {
		t.Errorf("Error() = %q", got)
	}
}

func TestExecutionErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := &ExecutionError{Kind: KindStorage, Message: "wrap", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("Unwrap chain broken")
	}
}

func TestTransientAndPermanentErrors(t *testing.T) {
	cause := fmt.Errorf("oops")

	transient := TransientError("n1", cause)
	if !transient.Retryable() || !IsRetryable(transient) {
		t.Error("transient error not retryable")
	}
	if transient.NodeID != "n1" || !errors.Is(transient, cause) {
		t.Errorf("transient = %+v", transient)
	}

	permanent := PermanentError("n1", cause)
	if permanent.Retryable() || IsRetryable(permanent) {
		t.Error("permanent error reported retryable")
	}
}

func TestIsRetryableUnwrapsClassifiedErrors(t *testing.T) {
	retryable := fmt.Errorf("wrapped: %w", &model.Error{Class: model.ClassServiceUnavailable, Message: "503"})
	if !IsRetryable(retryable) {
		t.Error("retryable LLM class not detected through wrapping")
	}
	terminal := fmt.Errorf("wrapped: %w", &model.Error{Class: model.ClassAuth, Message: "401"})
	if IsRetryable(terminal) {
		t.Error("auth class reported retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("unclassified error reported retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil reported retryable")
	}
}
