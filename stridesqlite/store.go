// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/B0GARTT00/StrideQuest-V2-sub000/stridesync"
)

// Store is the durable pending-action queue plus the cached-snapshot row,
// both keyed by the signed-in user. Every enqueue and status transition is
// flushed to SQLite before it returns, so a crash never loses an action.
type Store struct {
	db     *sql.DB
	userID string
	logger *slog.Logger

	// Serializes id assignment and write transactions; SQLite dislikes
	// concurrent writers on one connection pool.
	writeMu sync.Mutex

	sourceID string
}

// timeLayout keeps the fractional second fixed-width so the TEXT columns
// compare chronologically in SQL (RFC3339Nano trims trailing zeros, which
// breaks lexicographic ordering of next_attempt_at and committed_at).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OpenStore initializes the queue schema on db, performs crash recovery
// (actions left InFlight by a dead process become Pending again) and ensures
// a persisted source ID for this device.
func OpenStore(db *sql.DB, userID string, logger *slog.Logger) (*Store, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, userID: userID, logger: logger}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous=FULL`); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	tables := []string{
		// Client/device info (one row per signed-in user)
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			user_id        TEXT NOT NULL,
			source_id      TEXT NOT NULL,          -- locally generated UUIDv4 (persisted)
			next_action_id INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS _sync_pending_actions (
			id              INTEGER NOT NULL,
			user_id         TEXT NOT NULL,
			resource_key    TEXT NOT NULL,
			kind            TEXT NOT NULL,
			payload         TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending'
			                CHECK (status IN ('pending','in_flight','committed','failed')),
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			next_attempt_at TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			last_attempt_at TEXT,
			committed_at    TEXT,
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_actions_key
			ON _sync_pending_actions (user_id, resource_key, status)`,

		// Cached snapshot singleton (per user)
		`CREATE TABLE IF NOT EXISTS _sync_snapshot (
			user_id    TEXT NOT NULL,
			snapshot   TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id)
		)`,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	// Crash recovery: anything still marked in_flight was interrupted
	// mid-sync. It must be delivered again (at-least-once); the server's
	// idempotency gate absorbs the duplicate.
	res, err := s.db.Exec(`
		UPDATE _sync_pending_actions SET status = 'pending'
		WHERE user_id = ? AND status = 'in_flight'
	`, s.userID)
	if err != nil {
		return fmt.Errorf("failed to reset in-flight actions: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("Recovered interrupted actions after restart", "count", n)
	}

	sourceID, err := s.ensureSourceID()
	if err != nil {
		return err
	}
	s.sourceID = sourceID
	return nil
}

// ensureSourceID generates and persists a source ID if not already present.
func (s *Store) ensureSourceID() (string, error) {
	var sourceID string
	err := s.db.QueryRow(`SELECT source_id FROM _sync_client_info WHERE user_id = ?`, s.userID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = s.db.Exec(`
			INSERT INTO _sync_client_info (user_id, source_id, next_action_id)
			VALUES (?, ?, 1)
		`, s.userID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}

// SourceID returns the persisted device identity. Combined with an action id
// it forms that action's idempotency key.
func (s *Store) SourceID() string { return s.sourceID }

// Enqueue validates the payload, assigns the next sequence id and persists
// the record durably before returning. Safe under concurrent producers.
func (s *Store) Enqueue(ctx context.Context, kind ActionKind, resourceKey string, payload any) (*PendingAction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if err := validatePayload(kind, raw); err != nil {
		return nil, fmt.Errorf("rejecting enqueue of %s: %w", kind, err)
	}
	if resourceKey == "" {
		return nil, fmt.Errorf("resource key must be provided")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, `
		SELECT next_action_id FROM _sync_client_info WHERE user_id = ?
	`, s.userID).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to read next action id: %w", err)
	}

	now := time.Now().UTC()
	action := &PendingAction{
		ID:            id,
		ResourceKey:   resourceKey,
		Kind:          kind,
		Payload:       raw,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_pending_actions
			(id, user_id, resource_key, kind, payload, status, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
	`, id, s.userID, resourceKey, string(kind), string(raw),
		now.Format(timeLayout), now.Format(timeLayout)); err != nil {
		return nil, fmt.Errorf("failed to insert pending action: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_client_info SET next_action_id = ? WHERE user_id = ?
	`, id+1, s.userID); err != nil {
		return nil, fmt.Errorf("failed to advance next action id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return action, nil
}

const headJoin = `
	JOIN (
		SELECT resource_key, MIN(id) AS head_id
		FROM _sync_pending_actions
		WHERE user_id = ? AND status IN ('pending','in_flight')
		GROUP BY resource_key
	) h ON p.id = h.head_id AND p.resource_key = h.resource_key`

// NextBatch returns the oldest runnable Pending action per resource key, up
// to maxKeys distinct keys. A key whose head is InFlight, or whose head's
// next_attempt_at is still in the future (backoff), is skipped. Records with
// unreadable payloads are quarantined instead of aborting the batch.
func (s *Store) NextBatch(ctx context.Context, maxKeys int, now time.Time) ([]*PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.resource_key, p.kind, p.payload, p.status, p.attempt_count,
		       COALESCE(p.last_error, ''), p.next_attempt_at, p.created_at, p.last_attempt_at
		FROM _sync_pending_actions p`+headJoin+`
		WHERE p.user_id = ? AND p.status = 'pending' AND p.next_attempt_at <= ?
		ORDER BY p.id
		LIMIT ?
	`, s.userID, s.userID, now.UTC().Format(timeLayout), maxKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to query next batch: %w", err)
	}
	defer rows.Close()

	var batch []*PendingAction
	var corrupt []*PendingAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		if !json.Valid(action.Payload) {
			corrupt = append(corrupt, action)
			continue
		}
		batch = append(batch, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating next batch: %w", err)
	}
	rows.Close()

	for _, action := range corrupt {
		cerr := &StorageCorruptionError{ActionID: action.ID, Cause: fmt.Errorf("payload is not valid JSON")}
		s.logger.Error("Quarantining corrupt pending action", "id", action.ID, "resource_key", action.ResourceKey)
		if err := s.MarkFailedPermanently(ctx, action.ID, cerr.Error()); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// NextRunnableAt returns the earliest next_attempt_at among queue heads that
// are still Pending, so the orchestrator can wake exactly when backoff
// elapses. ok is false when nothing is pending.
func (s *Store) NextRunnableAt(ctx context.Context) (time.Time, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(p.next_attempt_at)
		FROM _sync_pending_actions p`+headJoin+`
		WHERE p.user_id = ? AND p.status = 'pending'
	`, s.userID, s.userID).Scan(&raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query next runnable time: %w", err)
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(timeLayout, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse next runnable time: %w", err)
	}
	return t, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*PendingAction, error) {
	var a PendingAction
	var kind, status, payload, nextAttempt, createdAt string
	var lastAttempt sql.NullString
	if err := row.Scan(&a.ID, &a.ResourceKey, &kind, &payload, &status, &a.AttemptCount,
		&a.LastError, &nextAttempt, &createdAt, &lastAttempt); err != nil {
		return nil, fmt.Errorf("failed to scan pending action: %w", err)
	}
	a.Kind = ActionKind(kind)
	a.Status = ActionStatus(status)
	a.Payload = json.RawMessage(payload)

	var err error
	if a.NextAttemptAt, err = time.Parse(timeLayout, nextAttempt); err != nil {
		return nil, fmt.Errorf("failed to parse next_attempt_at: %w", err)
	}
	if a.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if lastAttempt.Valid {
		t, err := time.Parse(timeLayout, lastAttempt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_attempt_at: %w", err)
		}
		a.LastAttemptAt = &t
	}
	return &a, nil
}

// Get returns a single action by id.
func (s *Store) Get(ctx context.Context, id int64) (*PendingAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, resource_key, kind, payload, status, attempt_count,
		       COALESCE(last_error, ''), next_attempt_at, created_at, last_attempt_at
		FROM _sync_pending_actions
		WHERE user_id = ? AND id = ?
	`, s.userID, id)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %d not found", id)
	}
	return action, err
}

func (s *Store) transition(ctx context.Context, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition action status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no action matched status transition")
	}
	return nil
}

// MarkInFlight transitions Pending -> InFlight. At most one action per
// resource key can be InFlight because NextBatch only ever hands out heads.
func (s *Store) MarkInFlight(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(timeLayout)
	return s.transition(ctx, `
		UPDATE _sync_pending_actions
		SET status = 'in_flight', last_attempt_at = ?
		WHERE user_id = ? AND id = ? AND status = 'pending'
	`, now, s.userID, id)
}

// MarkCommitted transitions InFlight -> Committed.
func (s *Store) MarkCommitted(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(timeLayout)
	return s.transition(ctx, `
		UPDATE _sync_pending_actions
		SET status = 'committed', committed_at = ?, last_error = NULL
		WHERE user_id = ? AND id = ? AND status = 'in_flight'
	`, now, s.userID, id)
}

// MarkFailed records a transient failure: the action goes back to Pending
// with an incremented attempt count and will not run again before
// nextAttempt.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string, nextAttempt time.Time) error {
	now := time.Now().UTC().Format(timeLayout)
	return s.transition(ctx, `
		UPDATE _sync_pending_actions
		SET status = 'pending', attempt_count = attempt_count + 1,
		    last_error = ?, last_attempt_at = ?, next_attempt_at = ?
		WHERE user_id = ? AND id = ? AND status = 'in_flight'
	`, errMsg, now, nextAttempt.UTC().Format(timeLayout), s.userID, id)
}

// MarkFailedPermanently quarantines an action. It no longer counts toward
// pendingCount and never blocks other actions, including later actions on
// the same resource key.
func (s *Store) MarkFailedPermanently(ctx context.Context, id int64, errMsg string) error {
	now := time.Now().UTC().Format(timeLayout)
	return s.transition(ctx, `
		UPDATE _sync_pending_actions
		SET status = 'failed', attempt_count = attempt_count + 1,
		    last_error = ?, last_attempt_at = ?
		WHERE user_id = ? AND id = ? AND status IN ('pending','in_flight')
	`, errMsg, now, s.userID, id)
}

// PendingCount returns the number of actions still waiting to reach the
// server (Pending plus InFlight).
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_pending_actions
		WHERE user_id = ? AND status IN ('pending','in_flight')
	`, s.userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return n, nil
}

// ListFailedPermanently returns quarantined actions in id order.
func (s *Store) ListFailedPermanently(ctx context.Context) ([]*PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_key, kind, payload, status, attempt_count,
		       COALESCE(last_error, ''), next_attempt_at, created_at, last_attempt_at
		FROM _sync_pending_actions
		WHERE user_id = ? AND status = 'failed'
		ORDER BY id
	`, s.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed actions: %w", err)
	}
	defer rows.Close()

	var actions []*PendingAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed actions: %w", err)
	}
	return actions, nil
}

// PurgeCommitted garbage-collects committed records whose commit time is
// before the cutoff. Returns the number of purged records.
func (s *Store) PurgeCommitted(ctx context.Context, olderThan time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM _sync_pending_actions
		WHERE user_id = ? AND status = 'committed' AND committed_at < ?
	`, s.userID, olderThan.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to purge committed actions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge count: %w", err)
	}
	return n, nil
}

// LoadSnapshot reads the cached snapshot singleton. ok is false when the
// user has never synced on this device.
func (s *Store) LoadSnapshot(ctx context.Context) (*stridesync.PlayerSnapshot, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM _sync_snapshot WHERE user_id = ?
	`, s.userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query snapshot: %w", err)
	}
	var snap stridesync.PlayerSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, true, nil
}

// SaveSnapshot persists the cached snapshot singleton.
func (s *Store) SaveSnapshot(ctx context.Context, snap *stridesync.PlayerSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _sync_snapshot (user_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at
	`, s.userID, string(raw), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// ClearUserState wipes all local sync state for the user (logout/account
// deletion).
func (s *Store) ClearUserState(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, stmt := range []string{
		`DELETE FROM _sync_pending_actions WHERE user_id = ?`,
		`DELETE FROM _sync_snapshot WHERE user_id = ?`,
		`DELETE FROM _sync_client_info WHERE user_id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, s.userID); err != nil {
			return fmt.Errorf("failed to clear user state: %w", err)
		}
	}
	return nil
}
