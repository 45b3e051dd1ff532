// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesqlite

import (
	"time"

	"github.com/B0GARTT00/StrideQuest-V2-sub000/stridesync"
)

// Pure snapshot-folding functions. Given the cached snapshot and an
// authoritative apply result they produce the new deterministic snapshot.
// XP and quest deltas are commutative by construction (signed deltas, totals
// derived), so apply order across devices cannot diverge the outcome.

func cloneSnapshot(snap stridesync.PlayerSnapshot) stridesync.PlayerSnapshot {
	out := snap
	if snap.Allocations != nil {
		out.Allocations = make(map[string]int64, len(snap.Allocations))
		for k, v := range snap.Allocations {
			out.Allocations[k] = v
		}
	}
	out.QuestProgress = make(map[string]stridesync.QuestProgress, len(snap.QuestProgress))
	for k, v := range snap.QuestProgress {
		out.QuestProgress[k] = v
	}
	out.Profile = make(map[string]string, len(snap.Profile))
	for k, v := range snap.Profile {
		out.Profile[k] = v
	}
	return out
}

// reconcileXPTotal installs an authoritative XP total and re-derives level
// and stat points. Both are pure functions of the total, so devices applying
// the same deltas in any order land on identical values.
func reconcileXPTotal(snap stridesync.PlayerSnapshot, newTotal int64, at time.Time) stridesync.PlayerSnapshot {
	out := cloneSnapshot(snap)
	out.XP = newTotal
	out.Level = stridesync.LevelForTotalXP(newTotal)
	out.StatPoints = stridesync.StatPointsBetween(0, out.Level)
	out.UpdatedAt = at
	return out
}

// ResolveActivity folds an activity apply result into the snapshot.
func ResolveActivity(snap stridesync.PlayerSnapshot, res *stridesync.ApplyActivityResponse, at time.Time) stridesync.PlayerSnapshot {
	return reconcileXPTotal(snap, res.NewTotalXP, at)
}

// ResolveXPGrant folds an XP grant apply result into the snapshot.
func ResolveXPGrant(snap stridesync.PlayerSnapshot, res *stridesync.ApplyXPGrantResponse, at time.Time) stridesync.PlayerSnapshot {
	return reconcileXPTotal(snap, res.NewTotalXP, at)
}

// ResolveQuestProgress folds a quest apply result into the snapshot.
// Idempotent on completion: once a quest is Completed it stays completed and
// a replayed delta cannot re-trigger the transition.
func ResolveQuestProgress(snap stridesync.PlayerSnapshot, questID string, res *stridesync.ApplyQuestProgressResponse, at time.Time) stridesync.PlayerSnapshot {
	out := cloneSnapshot(snap)
	entry := out.QuestProgress[questID]
	entry.Target = res.Target

	progress := res.NewProgress
	if progress > res.Target {
		progress = res.Target
	}
	if progress < 0 {
		progress = 0
	}
	if entry.Completed {
		// Completed quests never regress locally.
		if progress > entry.Progress {
			entry.Progress = progress
		}
	} else {
		entry.Progress = progress
		if res.Completed {
			entry.Completed = true
			ts := at
			entry.CompletedAt = &ts
		}
	}
	out.QuestProgress[questID] = entry
	out.UpdatedAt = at
	return out
}

// ResolveProfileField folds a profile write result into the snapshot. When
// the write lost last-write-wins the server's winning value is kept and the
// discarded value is reported so the caller can log it (never silent).
func ResolveProfileField(snap stridesync.PlayerSnapshot, p ProfileFieldPayload, res *stridesync.SetProfileFieldResponse, at time.Time) (stridesync.PlayerSnapshot, *ConflictError) {
	out := cloneSnapshot(snap)
	out.UpdatedAt = at
	if res.Accepted {
		out.Profile[p.Field] = p.Value
		return out, nil
	}
	out.Profile[p.Field] = res.CurrentValue
	return out, &ConflictError{Field: p.Field, Discarded: p.Value, Kept: res.CurrentValue}
}

// Optimistic application at enqueue time for immediate UI feedback. The
// authoritative result replaces these values on commit.

func OptimisticActivity(snap stridesync.PlayerSnapshot, p stridesync.ActivityPayload, at time.Time) stridesync.PlayerSnapshot {
	gain := stridesync.ActivityXP(p.Type, p.DistanceKm, p.DurationMinutes)
	return reconcileXPTotal(snap, snap.XP+gain, at)
}

func OptimisticXPGrant(snap stridesync.PlayerSnapshot, delta int64, at time.Time) stridesync.PlayerSnapshot {
	total := snap.XP + delta
	if total < 0 {
		total = 0
	}
	return reconcileXPTotal(snap, total, at)
}

func OptimisticQuestProgress(snap stridesync.PlayerSnapshot, questID string, delta int64, at time.Time) stridesync.PlayerSnapshot {
	out := cloneSnapshot(snap)
	entry := out.QuestProgress[questID]
	if entry.Completed {
		return out
	}
	progress := entry.Progress + delta
	if entry.Target > 0 && progress > entry.Target {
		progress = entry.Target
	}
	if progress < 0 {
		progress = 0
	}
	entry.Progress = progress
	if entry.Target > 0 && progress >= entry.Target {
		entry.Completed = true
		ts := at
		entry.CompletedAt = &ts
	}
	out.QuestProgress[questID] = entry
	out.UpdatedAt = at
	return out
}

func OptimisticProfileField(snap stridesync.PlayerSnapshot, field, value string, at time.Time) stridesync.PlayerSnapshot {
	out := cloneSnapshot(snap)
	out.Profile[field] = value
	out.UpdatedAt = at
	return out
}
