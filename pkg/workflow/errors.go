// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"errors"
	"fmt"
)

// FailureKind classifies a step handler failure for retry purposes.
type FailureKind string

const (
	// FailureRetryable marks a transient failure; the step is retried until
	// its retry limit, honoring backoff.
	FailureRetryable FailureKind = "retryable"

	// FailurePermanent marks a failure that retrying cannot fix; the step
	// goes terminal-error immediately.
	FailurePermanent FailureKind = "permanent"

	// FailureTimeout marks a handler that exceeded its wall-clock budget.
	// Timeouts are retried like retryable failures.
	FailureTimeout FailureKind = "timeout"
)

// StepFailure is the distinguished error type step handlers raise to signal
// how the orchestrator should treat a failure. Any other error returned by a
// handler is classified retryable.
type StepFailure struct {
	Kind FailureKind

	// BackoffRequestSeconds optionally carries a server-suggested backoff.
	// When set, the readiness evaluator waits exactly that many seconds from
	// the attempt timestamp instead of applying exponential backoff.
	BackoffRequestSeconds *int

	Err error
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("%s step failure: %v", f.Kind, f.Err)
}

func (f *StepFailure) Unwrap() error {
	return f.Err
}

// FailureOption configures a StepFailure.
type FailureOption func(*StepFailure)

// WithBackoffRequest attaches a server-suggested backoff in seconds.
func WithBackoffRequest(seconds int) FailureOption {
	return func(f *StepFailure) {
		f.BackoffRequestSeconds = &seconds
	}
}

// NewRetryableError wraps err as a retryable step failure.
func NewRetryableError(err error, opts ...FailureOption) error {
	f := &StepFailure{Kind: FailureRetryable, Err: err}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewPermanentError wraps err as a permanent step failure. The step is not
// retried and goes terminal-error.
func NewPermanentError(err error) error {
	return &StepFailure{Kind: FailurePermanent, Err: err}
}

// NewTimeoutError wraps err as a timeout failure, retried with exponential
// backoff.
func NewTimeoutError(err error) error {
	return &StepFailure{Kind: FailureTimeout, Err: err}
}

// Classify returns the failure kind for an arbitrary handler error.
// Unrecognized errors are retryable by default.
func Classify(err error) FailureKind {
	var f *StepFailure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureRetryable
}

// BackoffRequest extracts a server-suggested backoff from err, if present.
func BackoffRequest(err error) *int {
	var f *StepFailure
	if errors.As(err, &f) {
		return f.BackoffRequestSeconds
	}
	return nil
}

// Retriable reports whether the failure kind permits further attempts.
func Retriable(err error) bool {
	return Classify(err) != FailurePermanent
}
