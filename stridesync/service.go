// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceConfig holds configuration for the apply service
type ServiceConfig struct {
	AppName         string // Application name for logging/status
	MaxTxAttempts   int    // Retries for retryable PG errors (0 = default)
	MaxPayloadBytes int    // Maximum request payload size in bytes (0 = unlimited)
}

const defaultMaxTxAttempts = 3

// Service is the authoritative apply endpoint for the offline-first engine.
// Every mutation runs in a transaction behind an idempotency gate so
// at-least-once delivery from clients never double-applies.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
}

// NewService creates a new apply service instance from an existing pool.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if config == nil {
		config = &ServiceConfig{AppName: "stridesync"}
	}
	if config.MaxTxAttempts <= 0 {
		config.MaxTxAttempts = defaultMaxTxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pool: pool, logger: logger, config: config}, nil
}

// InitSchema creates the service's tables.
func (s *Service) InitSchema(ctx context.Context) error {
	return InitSchema(ctx, s.pool)
}

// RegisterQuestDef upserts a quest definition (target and completion reward).
func (s *Service) RegisterQuestDef(ctx context.Context, questID string, target, rewardXP int64) error {
	if questID == "" || target <= 0 {
		return &ValidationError{Reason: ReasonBadPayload, Message: "quest_id and positive target required"}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_quest_defs (quest_id, target, reward_xp)
		VALUES ($1, $2, $3)
		ON CONFLICT (quest_id) DO UPDATE SET target = EXCLUDED.target, reward_xp = EXCLUDED.reward_xp
	`, questID, target, rewardXP)
	if err != nil {
		return fmt.Errorf("failed to register quest def: %w", err)
	}
	return nil
}

// withTxRetry runs fn in a transaction, retrying on serialization failures
// and deadlocks with a short linear backoff.
func (s *Service) withTxRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.config.MaxTxAttempts; attempt++ {
		if err := txRetryBackoff(ctx, attempt); err != nil {
			return err
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		err = fn(tx)
		if err == nil {
			if err = tx.Commit(ctx); err == nil {
				return nil
			}
		}
		_ = tx.Rollback(ctx)

		if !isRetryableTxError(err) {
			return err
		}
		lastErr = err
		s.logger.Warn("Retrying transaction after retryable PG error", "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", s.config.MaxTxAttempts, lastErr)
}

// lookupApplied checks the idempotency gate. On a hit it unmarshals the
// stored first response into out and returns true.
func (s *Service) lookupApplied(ctx context.Context, tx pgx.Tx, userID, key string, out any) (bool, error) {
	var stored []byte
	err := tx.QueryRow(ctx, `
		SELECT response FROM sync_applied_keys WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query applied keys: %w", err)
	}
	if err := json.Unmarshal(stored, out); err != nil {
		return false, fmt.Errorf("failed to decode stored response: %w", err)
	}
	return true, nil
}

func (s *Service) storeApplied(ctx context.Context, tx pgx.Tx, userID, key, operation string, resp any) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response for idempotency gate: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sync_applied_keys (user_id, idempotency_key, operation, response)
		VALUES ($1, $2, $3, $4)
	`, userID, key, operation, encoded)
	if err != nil {
		return fmt.Errorf("failed to store applied key: %w", err)
	}
	return nil
}

// ensurePlayer creates the player row if missing and returns the current XP
// with the row locked for this transaction.
func (s *Service) ensurePlayer(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO sync_player_state (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure player row: %w", err)
	}
	var xp int64
	err = tx.QueryRow(ctx, `
		SELECT xp FROM sync_player_state WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&xp)
	if err != nil {
		return 0, fmt.Errorf("failed to lock player row: %w", err)
	}
	return xp, nil
}

func (s *Service) addXP(ctx context.Context, tx pgx.Tx, userID string, delta int64) (int64, error) {
	var newXP int64
	err := tx.QueryRow(ctx, `
		UPDATE sync_player_state
		SET xp = GREATEST(xp + $2, 0), updated_at = now()
		WHERE user_id = $1
		RETURNING xp
	`, userID, delta).Scan(&newXP)
	if err != nil {
		return 0, fmt.Errorf("failed to apply xp delta: %w", err)
	}
	return newXP, nil
}

func validateIdempotencyKey(key string) error {
	if key == "" {
		return &ValidationError{Reason: ReasonBadPayload, Message: "idempotency_key required"}
	}
	return nil
}

// ApplyActivity records a finished activity and grants its XP.
func (s *Service) ApplyActivity(ctx context.Context, userID string, req *ApplyActivityRequest) (*ApplyActivityResponse, error) {
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Activity.Type) == "" {
		return nil, &ValidationError{Reason: ReasonBadPayload, Message: "activity type required"}
	}
	if req.Activity.DurationMinutes <= 0 {
		return nil, &ValidationError{Reason: ReasonBadPayload, Message: "duration_minutes must be positive"}
	}
	if req.Activity.DistanceKm < 0 {
		return nil, &ValidationError{Reason: ReasonBadPayload, Message: "distance_km cannot be negative"}
	}

	resp := &ApplyActivityResponse{}
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		replayed, err := s.lookupApplied(ctx, tx, userID, req.IdempotencyKey, resp)
		if err != nil || replayed {
			return err
		}

		oldXP, err := s.ensurePlayer(ctx, tx, userID)
		if err != nil {
			return err
		}

		xpGained := ActivityXP(req.Activity.Type, req.Activity.DistanceKm, req.Activity.DurationMinutes)
		newXP, err := s.addXP(ctx, tx, userID, xpGained)
		if err != nil {
			return err
		}

		var route []byte
		if len(req.Activity.Route) > 0 {
			if route, err = json.Marshal(req.Activity.Route); err != nil {
				return fmt.Errorf("failed to encode route: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_activities (id, user_id, activity_type, distance_km, duration_minutes, route, xp_gained)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New(), userID, strings.ToLower(req.Activity.Type), req.Activity.DistanceKm,
			req.Activity.DurationMinutes, route, xpGained)
		if err != nil {
			return fmt.Errorf("failed to insert activity: %w", err)
		}

		oldLevel := LevelForTotalXP(oldXP)
		newLevel := LevelForTotalXP(newXP)
		*resp = ApplyActivityResponse{
			XPGained:         xpGained,
			NewTotalXP:       newXP,
			LeveledUp:        newLevel > oldLevel,
			OldLevel:         oldLevel,
			NewLevel:         newLevel,
			StatPointsGained: StatPointsBetween(oldLevel, newLevel),
		}
		return s.storeApplied(ctx, tx, userID, req.IdempotencyKey, "apply_activity", resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ApplyXPGrant applies a signed XP delta atomically.
func (s *Service) ApplyXPGrant(ctx context.Context, userID string, req *ApplyXPGrantRequest) (*ApplyXPGrantResponse, error) {
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if req.Delta == 0 {
		return nil, &ValidationError{Reason: ReasonBadPayload, Message: "delta cannot be zero"}
	}

	resp := &ApplyXPGrantResponse{}
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		replayed, err := s.lookupApplied(ctx, tx, userID, req.IdempotencyKey, resp)
		if err != nil || replayed {
			return err
		}
		if _, err := s.ensurePlayer(ctx, tx, userID); err != nil {
			return err
		}
		newXP, err := s.addXP(ctx, tx, userID, req.Delta)
		if err != nil {
			return err
		}
		resp.NewTotalXP = newXP
		return s.storeApplied(ctx, tx, userID, req.IdempotencyKey, "apply_xp_grant", resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ApplyQuestProgress applies a signed progress delta to a quest counter.
// Progress clamps to [0, target]. Crossing the target completes the quest
// exactly once; the reward XP grant is guarded by reward_granted so replays
// and redundant deltas never re-grant it.
func (s *Service) ApplyQuestProgress(ctx context.Context, userID string, req *ApplyQuestProgressRequest) (*ApplyQuestProgressResponse, error) {
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if req.QuestID == "" {
		return nil, &ValidationError{Reason: ReasonBadPayload, Message: "quest_id required"}
	}
	if req.Delta == 0 {
		return nil, &ValidationError{Reason: ReasonBadPayload, Message: "delta cannot be zero"}
	}

	resp := &ApplyQuestProgressResponse{}
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		replayed, err := s.lookupApplied(ctx, tx, userID, req.IdempotencyKey, resp)
		if err != nil || replayed {
			return err
		}

		var target, rewardXP int64
		err = tx.QueryRow(ctx, `
			SELECT target, reward_xp FROM sync_quest_defs WHERE quest_id = $1
		`, req.QuestID).Scan(&target, &rewardXP)
		if errors.Is(err, pgx.ErrNoRows) {
			return &ValidationError{Reason: ReasonUnknownQuest, Message: fmt.Sprintf("quest %q is not defined", req.QuestID)}
		}
		if err != nil {
			return fmt.Errorf("failed to query quest def: %w", err)
		}

		if _, err := s.ensurePlayer(ctx, tx, userID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_quest_progress (user_id, quest_id) VALUES ($1, $2)
			ON CONFLICT (user_id, quest_id) DO NOTHING
		`, userID, req.QuestID)
		if err != nil {
			return fmt.Errorf("failed to ensure quest row: %w", err)
		}

		var newProgress int64
		var rewardGranted bool
		err = tx.QueryRow(ctx, `
			UPDATE sync_quest_progress
			SET progress = LEAST(GREATEST(progress + $3, 0), $4), updated_at = now()
			WHERE user_id = $1 AND quest_id = $2
			RETURNING progress, reward_granted
		`, userID, req.QuestID, req.Delta, target).Scan(&newProgress, &rewardGranted)
		if err != nil {
			return fmt.Errorf("failed to apply quest delta: %w", err)
		}

		completed := newProgress >= target
		if completed && !rewardGranted {
			_, err = tx.Exec(ctx, `
				UPDATE sync_quest_progress
				SET completed_at = now(), reward_granted = TRUE
				WHERE user_id = $1 AND quest_id = $2
			`, userID, req.QuestID)
			if err != nil {
				return fmt.Errorf("failed to mark quest complete: %w", err)
			}
			if rewardXP > 0 {
				if _, err := s.addXP(ctx, tx, userID, rewardXP); err != nil {
					return err
				}
			}
			s.logger.Info("Quest completed", "user_id", userID, "quest_id", req.QuestID, "reward_xp", rewardXP)
		}

		*resp = ApplyQuestProgressResponse{NewProgress: newProgress, Target: target, Completed: completed}
		return s.storeApplied(ctx, tx, userID, req.IdempotencyKey, "apply_quest_progress", resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SetProfileField overwrites a profile field, last-write-wins by as_of.
// A losing write is not an error: accepted=false plus the winning value.
func (s *Service) SetProfileField(ctx context.Context, userID string, req *SetProfileFieldRequest) (*SetProfileFieldResponse, error) {
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if !AllowedProfileFields[req.Field] {
		return nil, &ValidationError{Reason: ReasonUnknownField, Message: fmt.Sprintf("profile field %q is not writable", req.Field)}
	}
	if req.AsOf.IsZero() {
		return nil, &ValidationError{Reason: ReasonBadPayload, Message: "as_of required"}
	}

	resp := &SetProfileFieldResponse{}
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		replayed, err := s.lookupApplied(ctx, tx, userID, req.IdempotencyKey, resp)
		if err != nil || replayed {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO sync_profile_fields (user_id, field, value, as_of)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, field) DO UPDATE
			SET value = EXCLUDED.value, as_of = EXCLUDED.as_of, updated_at = now()
			WHERE sync_profile_fields.as_of < EXCLUDED.as_of
		`, userID, req.Field, req.Value, req.AsOf)
		if err != nil {
			return fmt.Errorf("failed to upsert profile field: %w", err)
		}

		resp.Accepted = tag.RowsAffected() > 0
		if !resp.Accepted {
			var current string
			err = tx.QueryRow(ctx, `
				SELECT value FROM sync_profile_fields WHERE user_id = $1 AND field = $2
			`, userID, req.Field).Scan(&current)
			if err != nil {
				return fmt.Errorf("failed to read winning profile value: %w", err)
			}
			resp.CurrentValue = current
			s.logger.Info("Profile write lost last-write-wins race",
				"user_id", userID, "field", req.Field, "discarded", req.Value, "kept", current)
		}
		return s.storeApplied(ctx, tx, userID, req.IdempotencyKey, "set_profile_field", resp)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// FetchSnapshot returns the authoritative reconciled state for a player.
// Used by clients to seed their cached snapshot on login/resume.
func (s *Service) FetchSnapshot(ctx context.Context, userID string) (*PlayerSnapshot, error) {
	snap := &PlayerSnapshot{
		QuestProgress: make(map[string]QuestProgress),
		Profile:       make(map[string]string),
	}

	var allocations []byte
	err := s.pool.QueryRow(ctx, `
		SELECT xp, allocations, updated_at FROM sync_player_state WHERE user_id = $1
	`, userID).Scan(&snap.XP, &allocations, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// New player: empty snapshot at level 0.
		snap.UpdatedAt = time.Now().UTC()
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query player state: %w", err)
	}
	if len(allocations) > 0 {
		if err := json.Unmarshal(allocations, &snap.Allocations); err != nil {
			return nil, fmt.Errorf("failed to decode allocations: %w", err)
		}
	}

	snap.Level = LevelForTotalXP(snap.XP)
	snap.StatPoints = StatPointsBetween(0, snap.Level)

	rows, err := s.pool.Query(ctx, `
		SELECT q.quest_id, q.progress, d.target, q.completed_at
		FROM sync_quest_progress q
		JOIN sync_quest_defs d ON d.quest_id = q.quest_id
		WHERE q.user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query quest progress: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var questID string
		var qp QuestProgress
		if err := rows.Scan(&questID, &qp.Progress, &qp.Target, &qp.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quest progress: %w", err)
		}
		qp.Completed = qp.CompletedAt != nil
		snap.QuestProgress[questID] = qp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quest progress: %w", err)
	}

	fieldRows, err := s.pool.Query(ctx, `
		SELECT field, value FROM sync_profile_fields WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query profile fields: %w", err)
	}
	defer fieldRows.Close()
	for fieldRows.Next() {
		var field, value string
		if err := fieldRows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("failed to scan profile field: %w", err)
		}
		snap.Profile[field] = value
	}
	if err := fieldRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profile fields: %w", err)
	}

	return snap, nil
}

// PurgeAppliedKeys garbage-collects idempotency records past the retention
// window. Safe to run periodically; clients only replay recent keys.
func (s *Service) PurgeAppliedKeys(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_applied_keys WHERE applied_at < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to purge applied keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
