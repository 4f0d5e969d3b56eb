// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package readiness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-dev/windlass/pkg/storage"
)

func TestPolicy_DelayWithinJitterBounds(t *testing.T) {
	t.Parallel()
	policy := DefaultPolicy()

	for attempts := 1; attempts <= 10; attempts++ {
		for stepID := int64(1); stepID <= 50; stepID++ {
			floor, ceiling := policy.Bounds(attempts)
			delay := policy.Delay(stepID, attempts)
			assert.GreaterOrEqual(t, delay, floor,
				"attempt %d step %d below floor", attempts, stepID)
			assert.LessOrEqual(t, delay, ceiling,
				"attempt %d step %d above ceiling", attempts, stepID)
		}
	}
}

func TestPolicy_ExponentialGrowthAndCap(t *testing.T) {
	t.Parallel()
	policy := DefaultPolicy()

	_, c1 := policy.Bounds(1)
	_, c2 := policy.Bounds(2)
	_, c3 := policy.Bounds(3)
	assert.Equal(t, time.Second, c1)
	assert.Equal(t, 2*time.Second, c2)
	assert.Equal(t, 4*time.Second, c3)

	// min(cap, base*2^(n-1)) saturates at the cap.
	_, c10 := policy.Bounds(10)
	assert.Equal(t, 30*time.Second, c10)
	_, c100 := policy.Bounds(100)
	assert.Equal(t, 30*time.Second, c100)
}

func TestPolicy_DelayDeterministicPerAttempt(t *testing.T) {
	t.Parallel()
	policy := DefaultPolicy()

	// Repeated evaluations of the same failed attempt agree, so
	// next_retry_at is stable; a new attempt rerolls the jitter.
	assert.Equal(t, policy.Delay(7, 2), policy.Delay(7, 2))
	assert.Equal(t, policy.Delay(7, 3), policy.Delay(7, 3))
}

func TestPolicy_NextRetryAt(t *testing.T) {
	t.Parallel()
	policy := DefaultPolicy()
	failedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("never failed", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, policy.NextRetryAt(storage.StepReadinessRow{StepID: 1}))
	})

	t.Run("exponential from last failure", func(t *testing.T) {
		t.Parallel()
		row := storage.StepReadinessRow{StepID: 1, Attempts: 1, LastFailureAt: &failedAt}
		next := policy.NextRetryAt(row)
		require.NotNil(t, next)
		assert.Equal(t, failedAt.Add(policy.Delay(1, 1)), *next)
	})

	t.Run("server hint exact from last attempt", func(t *testing.T) {
		t.Parallel()
		attemptedAt := failedAt.Add(-time.Second)
		seconds := 5
		row := storage.StepReadinessRow{
			StepID: 1, Attempts: 1,
			LastAttemptedAt:       &attemptedAt,
			LastFailureAt:         &failedAt,
			BackoffRequestSeconds: &seconds,
		}
		next := policy.NextRetryAt(row)
		require.NotNil(t, next)
		assert.Equal(t, attemptedAt.Add(5*time.Second), *next)
	})
}
