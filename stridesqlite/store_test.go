// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/B0GARTT00/StrideQuest-V2-sub000/stridesync"
)

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	// One connection: an in-memory database exists per connection, and a
	// single writer sidesteps lock contention in concurrent tests.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db := openTestDB(t, ":memory:")
	store, err := OpenStore(db, "user-1", testLogger(t))
	require.NoError(t, err)
	return store
}

func TestOpenStoreCreatesSchema(t *testing.T) {
	db := openTestDB(t, ":memory:")
	_, err := OpenStore(db, "user-1", testLogger(t))
	require.NoError(t, err)

	for _, table := range []string{"_sync_client_info", "_sync_pending_actions", "_sync_snapshot"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}
}

func TestSourceIDStableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")

	db := openTestDB(t, path)
	store, err := OpenStore(db, "user-1", testLogger(t))
	require.NoError(t, err)
	first := store.SourceID()
	require.NotEmpty(t, first)
	require.NoError(t, db.Close())

	db2 := openTestDB(t, path)
	store2, err := OpenStore(db2, "user-1", testLogger(t))
	require.NoError(t, err)
	require.Equal(t, first, store2.SourceID())
}

func TestEnqueueAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a1, err := store.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 10})
	require.NoError(t, err)
	a2, err := store.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 20})
	require.NoError(t, err)
	a3, err := store.Enqueue(ctx, KindQuestProgressDelta, questResourceKey("user-1", "q1"),
		QuestProgressPayload{QuestID: "q1", Delta: 1})
	require.NoError(t, err)

	require.Equal(t, int64(1), a1.ID)
	require.Equal(t, int64(2), a2.ID)
	require.Equal(t, int64(3), a3.ID)

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestEnqueueRejectsInvalidPayloads(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 0})
	require.Error(t, err)

	_, err = store.Enqueue(ctx, KindQuestProgressDelta, questResourceKey("user-1", ""),
		QuestProgressPayload{Delta: 1})
	require.Error(t, err)

	_, err = store.Enqueue(ctx, KindActivitySave, xpResourceKey("user-1"),
		stridesync.ActivityPayload{Type: "run", DurationMinutes: 0})
	require.Error(t, err)

	_, err = store.Enqueue(ctx, ActionKind("bogus"), "key", XPGrantPayload{Delta: 1})
	require.Error(t, err)

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n, "rejected enqueues must not enter the queue")
}

func TestNextBatchReturnsOnlyHeads(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	// Two actions on the XP key, one on a quest key.
	a1, err := store.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 10})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 20})
	require.NoError(t, err)
	a3, err := store.Enqueue(ctx, KindQuestProgressDelta, questResourceKey("user-1", "q1"),
		QuestProgressPayload{QuestID: "q1", Delta: 1})
	require.NoError(t, err)

	// Captured after the enqueues so every action is already due.
	now := time.Now().UTC()

	batch, err := store.NextBatch(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, batch, 2, "one head per resource key")
	require.Equal(t, a1.ID, batch[0].ID)
	require.Equal(t, a3.ID, batch[1].ID)

	// An in-flight head blocks its whole key.
	require.NoError(t, store.MarkInFlight(ctx, a1.ID))
	batch, err = store.NextBatch(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, a3.ID, batch[0].ID)

	// Once the head commits, the successor becomes the new head.
	require.NoError(t, store.MarkCommitted(ctx, a1.ID))
	batch, err = store.NextBatch(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, int64(2), batch[0].ID)
}

func TestNextBatchSkipsBackedOffKeys(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a1, err := store.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 10})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.MarkInFlight(ctx, a1.ID))
	retryAt := now.Add(time.Hour)
	require.NoError(t, store.MarkFailed(ctx, a1.ID, "dial tcp: timeout", retryAt))

	// Still pending, but not runnable until backoff elapses.
	batch, err := store.NextBatch(ctx, 10, now)
	require.NoError(t, err)
	require.Empty(t, batch)

	next, ok, err := store.NextRunnableAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.WithinDuration(t, retryAt, next, time.Second)

	// Runnable once now passes the scheduled attempt time.
	batch, err = store.NextBatch(ctx, 10, retryAt.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, 1, batch[0].AttemptCount)
	require.Contains(t, batch[0].LastError, "timeout")
}

func TestInFlightResetOnReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")

	db := openTestDB(t, path)
	store, err := OpenStore(db, "user-1", testLogger(t))
	require.NoError(t, err)

	a1, err := store.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 10})
	require.NoError(t, err)
	require.NoError(t, store.MarkInFlight(ctx, a1.ID))
	require.NoError(t, db.Close())

	// Simulated crash: reopen resets in_flight back to pending so the action
	// is delivered again.
	db2 := openTestDB(t, path)
	store2, err := OpenStore(db2, "user-1", testLogger(t))
	require.NoError(t, err)

	got, err := store2.Get(ctx, a1.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	batch, err := store2.NextBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, a1.ID, batch[0].ID)
}

func TestStatusTransitionsAreGuarded(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a1, err := store.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 10})
	require.NoError(t, err)

	// Committing a pending action skips in_flight and must fail.
	require.Error(t, store.MarkCommitted(ctx, a1.ID))

	require.NoError(t, store.MarkInFlight(ctx, a1.ID))
	// Double mark-in-flight must fail.
	require.Error(t, store.MarkInFlight(ctx, a1.ID))

	require.NoError(t, store.MarkCommitted(ctx, a1.ID))
	// Terminal: no further transitions.
	require.Error(t, store.MarkFailed(ctx, a1.ID, "x", time.Now()))
	require.Error(t, store.MarkFailedPermanently(ctx, a1.ID, "x"))
}

func TestBackoffOrderingWithShortFractionalSeconds(t *testing.T) {
	// Retry times are compared as TEXT in SQL, so a fractional second that
	// ends in zeros (".7") must still sort before a later instant (".701").
	ctx := context.Background()
	store := openTestStore(t)

	a1, err := store.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 10})
	require.NoError(t, err)
	require.NoError(t, store.MarkInFlight(ctx, a1.ID))

	retryAt := time.Date(2023, 11, 14, 22, 13, 20, 700_000_000, time.UTC)
	require.NoError(t, store.MarkFailed(ctx, a1.ID, "dial tcp: timeout", retryAt))

	batch, err := store.NextBatch(ctx, 10, retryAt.Add(time.Millisecond))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, a1.ID, batch[0].ID)

	next, ok, err := store.NextRunnableAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, next.Equal(retryAt))
}

func TestFailedPermanentlyDoesNotBlockSuccessors(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a1, err := store.Enqueue(ctx, KindQuestProgressDelta, questResourceKey("user-1", "q1"),
		QuestProgressPayload{QuestID: "q1", Delta: 1})
	require.NoError(t, err)
	a2, err := store.Enqueue(ctx, KindQuestProgressDelta, questResourceKey("user-1", "q1"),
		QuestProgressPayload{QuestID: "q1", Delta: 2})
	require.NoError(t, err)
	now := time.Now().UTC()

	require.NoError(t, store.MarkFailedPermanently(ctx, a1.ID, "unknown_quest"))

	// The quarantined head no longer counts and its successor runs.
	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	batch, err := store.NextBatch(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, a2.ID, batch[0].ID)

	failed, err := store.ListFailedPermanently(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, a1.ID, failed[0].ID)
	require.Equal(t, "unknown_quest", failed[0].LastError)
}

func TestPurgeCommitted(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a1, err := store.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 10})
	require.NoError(t, err)
	require.NoError(t, store.MarkInFlight(ctx, a1.ID))
	require.NoError(t, store.MarkCommitted(ctx, a1.ID))

	// Inside the retention window: kept.
	n, err := store.PurgeCommitted(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	// Past the retention window: gone.
	n, err = store.PurgeCommitted(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, ok, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	snap := &stridesync.PlayerSnapshot{
		XP:         1200,
		Level:      stridesync.LevelForTotalXP(1200),
		StatPoints: 3,
		QuestProgress: map[string]stridesync.QuestProgress{
			"q1": {Progress: 2, Target: 5},
		},
		Profile:   map[string]string{"display_name": "Runner"},
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	got, ok, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap.XP, got.XP)
	require.Equal(t, snap.Level, got.Level)
	require.Equal(t, int64(2), got.QuestProgress["q1"].Progress)
	require.Equal(t, "Runner", got.Profile["display_name"])
}

func TestClearUserState(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 10})
	require.NoError(t, err)
	require.NoError(t, store.SaveSnapshot(ctx, &stridesync.PlayerSnapshot{XP: 5}))

	require.NoError(t, store.ClearUserState(ctx))

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, ok, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUsersAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, ":memory:")

	s1, err := OpenStore(db, "user-1", testLogger(t))
	require.NoError(t, err)
	s2, err := OpenStore(db, "user-2", testLogger(t))
	require.NoError(t, err)
	require.NotEqual(t, s1.SourceID(), s2.SourceID())

	_, err = s1.Enqueue(ctx, KindXPGrant, xpResourceKey("user-1"), XPGrantPayload{Delta: 10})
	require.NoError(t, err)

	n, err := s2.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
