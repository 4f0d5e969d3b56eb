// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package readiness

import (
	"encoding/binary"
	"hash/fnv"
	"time"

	"github.com/windlass-dev/windlass/pkg/storage"
)

// Policy computes retry delays: exponential backoff with full jitter, capped,
// unless the handler supplied a server-suggested backoff which is honored
// exactly.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultPolicy returns the stock policy: base 1s, cap 30s.
func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Cap: 30 * time.Second}
}

// Delay returns the backoff after attempt n (1-indexed, the attempt that
// just failed). The jitter factor is derived deterministically from
// (stepID, attempts) so repeated evaluations of the same failed attempt
// agree on next_retry_at.
func (p Policy) Delay(stepID int64, attempts int) time.Duration {
	exp := p.exponential(attempts)
	return time.Duration(float64(exp) * jitterFactor(stepID, attempts))
}

// Bounds returns the floor and ceiling of the jittered delay for attempt n:
// [0.5*exp, exp] where exp = min(cap, base*2^(n-1)).
func (p Policy) Bounds(attempts int) (time.Duration, time.Duration) {
	exp := p.exponential(attempts)
	return exp / 2, exp
}

func (p Policy) exponential(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	// Shifting past ~30 overflows; anything that large is over the cap.
	if attempts > 30 {
		return p.Cap
	}
	d := p.Base << uint(attempts-1)
	if d <= 0 || d > p.Cap {
		return p.Cap
	}
	return d
}

// NextRetryAt computes when a failed step becomes eligible again, or nil
// when the step has never failed. A server-suggested backoff is anchored at
// last_attempted_at and applied without jitter.
func (p Policy) NextRetryAt(row storage.StepReadinessRow) *time.Time {
	if row.LastFailureAt == nil {
		return nil
	}
	if row.BackoffRequestSeconds != nil {
		anchor := row.LastAttemptedAt
		if anchor == nil {
			anchor = row.LastFailureAt
		}
		t := anchor.Add(time.Duration(*row.BackoffRequestSeconds) * time.Second)
		return &t
	}
	t := row.LastFailureAt.Add(p.Delay(row.StepID, row.Attempts))
	return &t
}

// jitterFactor maps an FNV-1a hash of (stepID, attempts) into [0.5, 1.0).
func jitterFactor(stepID int64, attempts int) float64 {
	h := fnv.New64a()
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(stepID))
	binary.BigEndian.PutUint32(buf[8:], uint32(attempts))
	_, _ = h.Write(buf[:])
	return 0.5 + 0.5*float64(h.Sum64()>>11)/float64(uint64(1)<<53)
}
