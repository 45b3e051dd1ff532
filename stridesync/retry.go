// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// txRetryBaseDelay is the linear backoff step between transaction attempts.
const txRetryBaseDelay = 50 * time.Millisecond

// isRetryableTxError reports whether a failed apply transaction is worth
// re-running. The sync tables are hit by several devices of the same user at
// once, so two cases come up in practice: deadlocks between the player-state
// and quest-progress row updates, and a duplicate-key race when two devices
// insert the same idempotency key simultaneously. The loser of that race
// retries, finds the stored response, and replays it.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	case "23505": // unique_violation
		return pgErr.ConstraintName == "sync_applied_keys_pkey"
	default:
		return false
	}
}

// txRetryBackoff sleeps for the attempt's linear delay, or returns early when
// ctx is done. Attempt 0 does not sleep.
func txRetryBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt) * txRetryBaseDelay
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
