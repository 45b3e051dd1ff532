// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesqlite

import (
	"math/rand"
	"time"
)

// RetryPolicy is the explicit backoff schedule for transient failures.
// Independently testable without real network calls.
type RetryPolicy struct {
	BaseDelay   time.Duration // first retry delay
	MaxDelay    time.Duration // backoff cap
	Multiplier  float64       // growth factor per attempt
	Jitter      float64       // fraction of the delay randomized both ways
	MaxAttempts int           // transient failures beyond this become stuck
}

// DefaultRetryPolicy: 1s base, doubling, 60s cap, ±20% jitter, 10 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Delay returns the backoff before retry number attempt (0-based: the delay
// after the first failure is Delay(0) ~= BaseDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether an action with the given attempt count is out of
// retries and must be reclassified as stuck.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
