// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesqlite

import (
	"errors"
	"fmt"
)

// Error taxonomy for the sync engine. Classification decides scheduling:
// transient errors feed the retry/backoff loop, everything else is surfaced.

// TransientNetworkError wraps connectivity failures, timeouts and
// 5xx-equivalent responses. Retried with backoff, never surfaced directly
// until the attempt cap reclassifies the action as stuck.
type TransientNetworkError struct {
	Cause error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Cause)
}

func (e *TransientNetworkError) Unwrap() error { return e.Cause }

// RemoteValidationError is a permanent server-side rejection of a payload.
type RemoteValidationError struct {
	Reason  string
	Message string
}

func (e *RemoteValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("remote validation failed (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("remote validation failed: %s", e.Message)
}

// StorageCorruptionError marks a local queue record that can no longer be
// decoded. The record is quarantined; it never blocks the rest of the drain.
type StorageCorruptionError struct {
	ActionID int64
	Cause    error
}

func (e *StorageCorruptionError) Error() string {
	return fmt.Sprintf("storage corruption on action %d: %v", e.ActionID, e.Cause)
}

func (e *StorageCorruptionError) Unwrap() error { return e.Cause }

// ConflictError records a profile write that lost the last-write-wins race.
// Logged, not user-fatal; the snapshot keeps the winning value.
type ConflictError struct {
	Field     string
	Discarded string
	Kept      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("profile field %q conflict: discarded %q, kept %q", e.Field, e.Discarded, e.Kept)
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}
