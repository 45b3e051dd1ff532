// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesync

import (
	"time"
)

// REST/JSON models for the apply API. These are shared between the server
// handlers and the stridesqlite client so both sides agree on the wire shape.

// RoutePoint is a single GPS fix in an activity route.
type RoutePoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ActivityPayload describes a finished activity as handed over by the
// trajectory-capture flow. Distance and route are optional (gym sessions
// have neither).
type ActivityPayload struct {
	Type            string       `json:"type"` // e.g. "run", "ride", "walk"
	DistanceKm      float64      `json:"distance_km,omitempty"`
	DurationMinutes int          `json:"duration_minutes"`
	Route           []RoutePoint `json:"route,omitempty"`
}

// ApplyActivityRequest records a completed activity and grants its XP.
type ApplyActivityRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Activity       ActivityPayload `json:"activity"`
}

type ApplyActivityResponse struct {
	XPGained         int64 `json:"xp_gained"`
	NewTotalXP       int64 `json:"new_total_xp"`
	LeveledUp        bool  `json:"leveled_up"`
	OldLevel         int   `json:"old_level"`
	NewLevel         int   `json:"new_level"`
	StatPointsGained int   `json:"stat_points_gained"`
}

// ApplyXPGrantRequest applies a signed XP delta (bonuses, penalties).
type ApplyXPGrantRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Delta          int64  `json:"delta"`
}

type ApplyXPGrantResponse struct {
	NewTotalXP int64 `json:"new_total_xp"`
}

// ApplyQuestProgressRequest applies a signed progress delta to a quest
// counter. Progress clamps to [0, target]; crossing the target completes the
// quest exactly once and grants its reward XP server-side.
type ApplyQuestProgressRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	QuestID        string `json:"quest_id"`
	Delta          int64  `json:"delta"`
}

type ApplyQuestProgressResponse struct {
	NewProgress int64 `json:"new_progress"`
	Target      int64 `json:"target"`
	Completed   bool  `json:"completed"`
}

// SetProfileFieldRequest overwrites a profile field, last-write-wins by the
// client-side enqueue timestamp (as_of).
type SetProfileFieldRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	Field          string    `json:"field"`
	Value          string    `json:"value"`
	AsOf           time.Time `json:"as_of"`
}

type SetProfileFieldResponse struct {
	Accepted bool `json:"accepted"`
	// CurrentValue carries the winning value when the write lost the
	// last-write-wins race, so the client can reconcile without a refetch.
	CurrentValue string `json:"current_value,omitempty"`
}

// QuestProgress is the per-quest slice of a player snapshot.
type QuestProgress struct {
	Progress    int64      `json:"progress"`
	Target      int64      `json:"target"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PlayerSnapshot is the authoritative reconciled view of a player's state.
// The client caches the last one it reconciled against.
type PlayerSnapshot struct {
	XP            int64                    `json:"xp"`
	Level         int                      `json:"level"`
	StatPoints    int                      `json:"stat_points"`
	Allocations   map[string]int64         `json:"allocations,omitempty"`
	QuestProgress map[string]QuestProgress `json:"quest_progress,omitempty"`
	Profile       map[string]string        `json:"profile,omitempty"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status  string `json:"status"` // healthy, degraded, unhealthy
	Version string `json:"version"`
	AppName string `json:"app_name"`
}
