// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"retryable", NewRetryableError(errors.New("flaky upstream")), FailureRetryable},
		{"permanent", NewPermanentError(errors.New("bad input")), FailurePermanent},
		{"timeout", NewTimeoutError(errors.New("deadline")), FailureTimeout},
		{"plain error defaults to retryable", errors.New("boom"), FailureRetryable},
		{"wrapped step failure", fmt.Errorf("outer: %w", NewPermanentError(errors.New("inner"))), FailurePermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestBackoffRequest(t *testing.T) {
	t.Parallel()

	err := NewRetryableError(errors.New("throttled"), WithBackoffRequest(5))
	hint := BackoffRequest(err)
	require.NotNil(t, hint)
	assert.Equal(t, 5, *hint)

	assert.Nil(t, BackoffRequest(NewRetryableError(errors.New("no hint"))))
	assert.Nil(t, BackoffRequest(errors.New("plain")))
}

func TestRetriable(t *testing.T) {
	t.Parallel()
	assert.True(t, Retriable(NewRetryableError(errors.New("x"))))
	assert.True(t, Retriable(NewTimeoutError(errors.New("x"))))
	assert.True(t, Retriable(errors.New("x")))
	assert.False(t, Retriable(NewPermanentError(errors.New("x"))))
}

func TestStepFailure_Unwrap(t *testing.T) {
	t.Parallel()
	inner := errors.New("root cause")
	err := NewRetryableError(inner)
	assert.ErrorIs(t, err, inner)
}
