// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the typed error taxonomy shared across the engine.
//
// The taxonomy mirrors how the orchestrator reacts to a failure:
//
//   - ConfigError: fatal, never retried (unknown verb/handler, bad catalog)
//   - ValidationError: fatal for the step, caller input is wrong
//   - NotFoundError: fatal lookup failure
//   - DispatchError: retryable, the invocation record is already durable
//   - TimeoutError: expected terminal condition, handled by the scanner
//   - ConflictError: benign, someone else holds the lease or lock
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents malformed step parameters or caller input.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "runbook", "step", "invocation")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents a configuration problem such as an unknown verb
// handler. Configuration errors are fatal: the orchestrator surfaces them
// to the caller immediately and never retries them.
type ConfigError struct {
	// Key is the configuration key or handler identifier at fault
	Key string

	// Reason explains what's wrong
	Reason string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config error: %s", e.Reason)
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// DispatchError represents a failed call to the external process engine
// after the invocation record was already persisted. The correlation key
// survives, so a redispatch with the same idempotency token recovers.
type DispatchError struct {
	// ProcessRef is the external process definition that was dispatched
	ProcessRef string

	// CorrelationKey identifies the invocation that failed to start
	CorrelationKey string

	// Cause is the underlying transport or engine error
	Cause error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch of %s failed (correlation %s): %v", e.ProcessRef, e.CorrelationKey, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DispatchError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *DispatchError) ErrorType() string { return "dispatch" }

// IsRetryable implements ErrorClassifier.
func (e *DispatchError) IsRetryable() bool { return true }

// TimeoutError represents an operation that exceeded its deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "durable wait", "sync handler")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return false }

// ConflictError represents contention on a lease or lock. It is benign:
// another worker already owns the step, so the caller treats it as a no-op.
type ConflictError struct {
	// Resource is what was contended (e.g., "step lease", "runbook lock")
	Resource string

	// ID identifies the contended resource
	ID string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already held: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable implements ErrorClassifier.
func (e *ConflictError) IsRetryable() bool { return false }
