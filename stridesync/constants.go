// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesync

// Rejection reason constants returned in error responses
const (
	ReasonBadPayload    = "bad_payload"
	ReasonUnknownQuest  = "unknown_quest"
	ReasonUnknownField  = "unknown_field"
	ReasonStaleWrite    = "stale_write"
	ReasonInternalError = "internal_error"
)

// Profile fields that clients are allowed to overwrite
var AllowedProfileFields = map[string]bool{
	"equipped_title": true,
	"display_name":   true,
	"avatar_id":      true,
}

// ValidationError is a permanent rejection of an apply request. Clients must
// not retry it; the payload itself is at fault.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Reason + ": " + e.Message
}
