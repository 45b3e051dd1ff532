// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Server-side schema. Player XP is a single signed counter mutated only with
// atomic increments; levels and stat points are derived, never stored.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sync_player_state (
		user_id      TEXT PRIMARY KEY,
		xp           BIGINT NOT NULL DEFAULT 0,
		allocations  JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sync_quest_defs (
		quest_id   TEXT PRIMARY KEY,
		target     BIGINT NOT NULL CHECK (target > 0),
		reward_xp  BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sync_quest_progress (
		user_id        TEXT NOT NULL,
		quest_id       TEXT NOT NULL REFERENCES sync_quest_defs(quest_id),
		progress       BIGINT NOT NULL DEFAULT 0,
		completed_at   TIMESTAMPTZ,
		reward_granted BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, quest_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sync_profile_fields (
		user_id    TEXT NOT NULL,
		field      TEXT NOT NULL,
		value      TEXT NOT NULL,
		as_of      TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, field)
	)`,

	`CREATE TABLE IF NOT EXISTS sync_activities (
		id               UUID PRIMARY KEY,
		user_id          TEXT NOT NULL,
		activity_type    TEXT NOT NULL,
		distance_km      DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration_minutes INTEGER NOT NULL,
		route            JSONB,
		xp_gained        BIGINT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_activities_user ON sync_activities(user_id, created_at)`,

	// Idempotency gate: the first response for a key is stored verbatim and
	// replayed on duplicate delivery (at-least-once clients).
	`CREATE TABLE IF NOT EXISTS sync_applied_keys (
		user_id         TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		operation       TEXT NOT NULL,
		response        JSONB NOT NULL,
		applied_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, idempotency_key)
	)`,
}

// InitSchema creates the server-side tables if they do not exist yet.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema object: %w", err)
		}
	}
	return nil
}
