package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorClass classifies an LLM backend failure. The scheduler's admission
// and fallback policies branch on the class, never on provider-specific
// error types.
type ErrorClass string

const (
	// ClassTimeout: the call exceeded its wall-clock budget. Retryable.
	ClassTimeout ErrorClass = "timeout"

	// ClassRateLimited: the provider or a local limiter rejected the
	// call. Retryable against another target.
	ClassRateLimited ErrorClass = "rate_limited"

	// ClassCircuitOpen: the local circuit breaker denied admission.
	// Retryable against another target.
	ClassCircuitOpen ErrorClass = "circuit_open"

	// ClassServiceUnavailable: 5xx or transport failure. Retryable.
	ClassServiceUnavailable ErrorClass = "service_unavailable"

	// ClassAuth: 401/403. Not retryable.
	ClassAuth ErrorClass = "auth"

	// ClassModelNotFound: 404 or unknown model id. Not retryable.
	ClassModelNotFound ErrorClass = "model_not_found"

	// ClassInvalidRequest: other 4xx. Not retryable.
	ClassInvalidRequest ErrorClass = "invalid_request"

	// ClassContentFiltered: the provider refused the content. Not
	// retryable.
	ClassContentFiltered ErrorClass = "content_filtered"

	// ClassUnknown: classification failed. The scheduler retries it once
	// and then treats it as permanent.
	ClassUnknown ErrorClass = "unknown"
)

// Retryable reports whether another attempt (possibly against a different
// target) may succeed for this class.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTimeout, ClassRateLimited, ClassCircuitOpen, ClassServiceUnavailable, ClassUnknown:
		return true
	default:
		return false
	}
}

// Error is a classified LLM backend failure.
type Error struct {
	// Class is the taxonomy class.
	Class ErrorClass

	// Model is the model id the failure is attributed to, if known.
	Model string

	// Message is a human-readable description.
	Message string

	// Cause is the underlying provider error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("llm %s (%s): %s", e.Class, e.Model, e.Message)
	}
	return fmt.Sprintf("llm %s: %s", e.Class, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Retryable implements the engine's retryable interface.
func (e *Error) Retryable() bool { return e.Class.Retryable() }

// ClassOf extracts the taxonomy class from err, classifying raw errors on
// the fly. Nil maps to the zero class.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	return Classify(err)
}

// Wrap attributes err to a model and classifies it. Already-classified
// errors keep their class.
func Wrap(modelID string, err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		if classified.Model == "" {
			return &Error{Class: classified.Class, Model: modelID, Message: classified.Message, Cause: classified.Cause}
		}
		return classified
	}
	return &Error{Class: Classify(err), Model: modelID, Message: err.Error(), Cause: err}
}

// ClassifyStatus maps an HTTP status code to a taxonomy class. Adapters
// use it when the provider SDK exposes the status.
func ClassifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ClassAuth
	case code == http.StatusNotFound:
		return ClassModelNotFound
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return ClassTimeout
	case code >= 500:
		return ClassServiceUnavailable
	case code >= 400:
		return ClassInvalidRequest
	default:
		return ClassUnknown
	}
}

// Classify maps an arbitrary error to a taxonomy class using context
// sentinels and common message patterns. Prefer ClassifyStatus when a
// status code is available.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return ClassRateLimited
	case containsAny(msg, "unauthorized", "invalid api key", "authentication", "permission", "401", "403"):
		return ClassAuth
	case containsAny(msg, "model not found", "not_found_error", "no such model", "404"):
		return ClassModelNotFound
	case containsAny(msg, "timeout", "deadline"):
		return ClassTimeout
	case containsAny(msg, "overloaded", "unavailable", "connection", "network", "temporary", "503", "502", "500"):
		return ClassServiceUnavailable
	case containsAny(msg, "content filter", "content_filter", "safety", "refused", "blocked by"):
		return ClassContentFiltered
	case containsAny(msg, "invalid request", "invalid_request", "bad request", "400"):
		return ClassInvalidRequest
	default:
		return ClassUnknown
	}
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
