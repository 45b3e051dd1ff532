// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesqlite

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/B0GARTT00/StrideQuest-V2-sub000/stridesync"
)

// ActionKind is the closed tagged-variant set of queueable mutations.
type ActionKind string

const (
	KindActivitySave       ActionKind = "activity_save"
	KindXPGrant            ActionKind = "xp_grant"
	KindQuestProgressDelta ActionKind = "quest_progress_delta"
	KindProfileFieldSet    ActionKind = "profile_field_set"
)

// ActionStatus is the lifecycle state of a pending action.
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusInFlight  ActionStatus = "in_flight"
	StatusCommitted ActionStatus = "committed"
	StatusFailed    ActionStatus = "failed"
)

// PendingAction is a durable record of a mutation not yet confirmed by the
// server. IDs are a single monotonically increasing local sequence; within a
// resource key, id order is commit order.
type PendingAction struct {
	ID            int64
	ResourceKey   string
	Kind          ActionKind
	Payload       json.RawMessage
	Status        ActionStatus
	AttemptCount  int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	LastAttemptAt *time.Time
}

// XPGrantPayload is a signed XP delta, never an absolute value.
type XPGrantPayload struct {
	Delta int64 `json:"delta"`
}

// QuestProgressPayload is a signed delta against a quest counter.
type QuestProgressPayload struct {
	QuestID string `json:"quest_id"`
	Delta   int64  `json:"delta"`
}

// ProfileFieldPayload overwrites a profile field. AsOf is the enqueue time
// and decides last-write-wins ordering on the server.
type ProfileFieldPayload struct {
	Field string    `json:"field"`
	Value string    `json:"value"`
	AsOf  time.Time `json:"as_of"`
}

// Resource key layout. Activities share the XP key so every XP-bearing
// mutation for a user commits in strict order.
func xpResourceKey(userID string) string {
	return fmt.Sprintf("user:%s:xp", userID)
}

func questResourceKey(userID, questID string) string {
	return fmt.Sprintf("quest:%s:%s", userID, questID)
}

func profileResourceKey(userID, field string) string {
	return fmt.Sprintf("profile:%s:%s", userID, field)
}

// validatePayload checks a kind-specific payload once at enqueue time so
// malformed payloads never enter the durable queue.
func validatePayload(kind ActionKind, raw json.RawMessage) error {
	switch kind {
	case KindActivitySave:
		var p stridesync.ActivityPayload
		if err := decodeStrict(raw, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Type) == "" {
			return fmt.Errorf("activity type required")
		}
		if p.DurationMinutes <= 0 {
			return fmt.Errorf("duration_minutes must be positive")
		}
		if p.DistanceKm < 0 {
			return fmt.Errorf("distance_km cannot be negative")
		}
	case KindXPGrant:
		var p XPGrantPayload
		if err := decodeStrict(raw, &p); err != nil {
			return err
		}
		if p.Delta == 0 {
			return fmt.Errorf("xp delta cannot be zero")
		}
	case KindQuestProgressDelta:
		var p QuestProgressPayload
		if err := decodeStrict(raw, &p); err != nil {
			return err
		}
		if p.QuestID == "" {
			return fmt.Errorf("quest_id required")
		}
		if p.Delta == 0 {
			return fmt.Errorf("quest delta cannot be zero")
		}
	case KindProfileFieldSet:
		var p ProfileFieldPayload
		if err := decodeStrict(raw, &p); err != nil {
			return err
		}
		if p.Field == "" {
			return fmt.Errorf("profile field required")
		}
		if p.AsOf.IsZero() {
			return fmt.Errorf("as_of required")
		}
	default:
		return fmt.Errorf("unknown action kind %q", kind)
	}
	return nil
}

func decodeStrict(raw json.RawMessage, out any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
