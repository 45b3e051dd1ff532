// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/B0GARTT00/StrideQuest-V2-sub000/stridesync"
)

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	SyncedCount int
	FailedCount int
}

// ForceSyncNow drains the queue immediately and returns once the cycle has
// settled. If a drain is already in progress it waits for that one and
// returns its result instead of starting a second cycle. The connectivity
// monitor is only a hint, so a forced drain attempts the queue even while
// the monitor reports Offline; apply outcomes decide what backs off.
func (e *Engine) ForceSyncNow(ctx context.Context) (DrainResult, error) {
	return e.drain(ctx, true)
}

func (e *Engine) drain(ctx context.Context, forced bool) (DrainResult, error) {
	e.drainMu.Lock()
	if e.draining {
		done := e.drainDone
		e.drainMu.Unlock()
		select {
		case <-ctx.Done():
			return DrainResult{}, ctx.Err()
		case <-done:
		}
		e.drainMu.Lock()
		res, err := e.lastDrain, e.lastDrainErr
		e.drainMu.Unlock()
		return res, err
	}
	e.draining = true
	done := make(chan struct{})
	e.drainDone = done
	e.drainMu.Unlock()

	e.status.update(func(s *Status) { s.IsSyncing = true })
	res, err := e.drainCycle(ctx, forced)
	now := time.Now().UTC()
	e.status.update(func(s *Status) {
		s.IsSyncing = false
		s.LastSyncAt = &now
	})
	e.publishPendingCount(ctx)

	e.drainMu.Lock()
	e.draining = false
	e.lastDrain = res
	e.lastDrainErr = err
	e.drainMu.Unlock()
	close(done)

	return res, err
}

// drainCycle repeatedly pulls runnable queue heads and applies them in
// parallel across resource keys. Within a key, FIFO order is preserved
// because only the head of each key is ever runnable. The cycle ends when
// nothing is runnable now (empty queue, or every backlogged key is either
// backing off or permanently failed) or the device goes offline. Forced
// cycles ignore the monitor and let the remote calls themselves fail.
func (e *Engine) drainCycle(ctx context.Context, forced bool) (DrainResult, error) {
	var res DrainResult
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !forced && e.monitor.CurrentState() != Online {
			e.logger.Info("Went offline mid-drain, suspending", "synced", res.SyncedCount)
			break
		}

		batch, err := e.store.NextBatch(ctx, e.config.DrainConcurrency, time.Now().UTC())
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, action := range batch {
			wg.Add(1)
			go func(a *PendingAction) {
				defer wg.Done()
				ok := e.processAction(ctx, a)
				mu.Lock()
				if ok {
					res.SyncedCount++
				} else {
					res.FailedCount++
				}
				mu.Unlock()
			}(action)
		}
		wg.Wait()
		e.publishPendingCount(ctx)
	}

	cutoff := time.Now().UTC().Add(-e.config.CommitRetention)
	if purged, err := e.store.PurgeCommitted(ctx, cutoff); err != nil {
		e.logger.Warn("Failed to purge committed actions", "error", err)
	} else if purged > 0 {
		e.logger.Debug("Purged committed actions", "count", purged)
	}

	return res, nil
}

// processAction pushes one action through in_flight → committed/failed.
// Returns true when the action committed.
func (e *Engine) processAction(ctx context.Context, a *PendingAction) bool {
	if err := e.store.MarkInFlight(ctx, a.ID); err != nil {
		e.logger.Warn("Failed to mark action in-flight", "action_id", a.ID, "error", err)
		return false
	}

	applyCtx, cancel := context.WithTimeout(ctx, e.config.ApplyTimeout)
	defer cancel()

	err := e.applyAction(applyCtx, a)
	if err == nil {
		return true
	}

	var corruption *StorageCorruptionError
	var validation *RemoteValidationError
	switch {
	case errors.As(err, &corruption):
		e.logger.Error("Quarantining corrupt action", "action_id", a.ID, "error", err)
		e.quarantine(ctx, a, err)
	case IsTransient(err) || errors.Is(err, context.DeadlineExceeded):
		attempts := a.AttemptCount + 1
		if e.config.Retry.Exhausted(attempts) {
			err = fmt.Errorf("stuck after %d attempts: %w", attempts, err)
			e.logger.Error("Action exhausted retry budget", "action_id", a.ID, "kind", a.Kind, "error", err)
			e.quarantine(ctx, a, err)
			break
		}
		delay := e.config.Retry.Delay(a.AttemptCount)
		next := time.Now().UTC().Add(delay)
		e.logger.Warn("Transient failure, backing off",
			"action_id", a.ID, "kind", a.Kind, "attempt", attempts, "retry_in", delay, "error", err)
		if merr := e.store.MarkFailed(ctx, a.ID, err.Error(), next); merr != nil {
			e.logger.Warn("Failed to record retry state", "action_id", a.ID, "error", merr)
		}
	case errors.As(err, &validation):
		e.logger.Error("Server rejected action permanently",
			"action_id", a.ID, "kind", a.Kind, "reason", validation.Reason, "error", err)
		e.quarantine(ctx, a, err)
	default:
		e.logger.Error("Action failed permanently", "action_id", a.ID, "kind", a.Kind, "error", err)
		e.quarantine(ctx, a, err)
	}
	return false
}

func (e *Engine) quarantine(ctx context.Context, a *PendingAction, cause error) {
	if err := e.store.MarkFailedPermanently(ctx, a.ID, cause.Error()); err != nil {
		e.logger.Warn("Failed to mark action as failed", "action_id", a.ID, "error", err)
	}
	e.status.update(func(s *Status) { s.LastError = cause.Error() })
}

// applyAction decodes the payload, performs the remote apply with an
// idempotency key derived from the stable source ID and the durable action
// ID, commits the local record and reconciles the cached snapshot with the
// authoritative response.
func (e *Engine) applyAction(ctx context.Context, a *PendingAction) error {
	key := fmt.Sprintf("%s:%d", e.store.SourceID(), a.ID)
	now := time.Now().UTC()

	switch a.Kind {
	case KindActivitySave:
		var p stridesync.ActivityPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &StorageCorruptionError{ActionID: a.ID, Cause: err}
		}
		resp, err := e.remote.ApplyActivity(ctx, e.userID, &stridesync.ApplyActivityRequest{
			IdempotencyKey: key,
			Activity:       p,
		})
		if err != nil {
			return err
		}
		if err := e.store.MarkCommitted(ctx, a.ID); err != nil {
			return err
		}
		e.reconcile(ctx, func(s stridesync.PlayerSnapshot) stridesync.PlayerSnapshot {
			return ResolveActivity(s, resp, now)
		})
		if resp.LeveledUp {
			e.logger.Info("Level up confirmed",
				"old_level", resp.OldLevel, "new_level", resp.NewLevel, "stat_points", resp.StatPointsGained)
		}
		return nil

	case KindXPGrant:
		var p XPGrantPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &StorageCorruptionError{ActionID: a.ID, Cause: err}
		}
		resp, err := e.remote.ApplyXPGrant(ctx, e.userID, &stridesync.ApplyXPGrantRequest{
			IdempotencyKey: key,
			Delta:          p.Delta,
		})
		if err != nil {
			return err
		}
		if err := e.store.MarkCommitted(ctx, a.ID); err != nil {
			return err
		}
		e.reconcile(ctx, func(s stridesync.PlayerSnapshot) stridesync.PlayerSnapshot {
			return ResolveXPGrant(s, resp, now)
		})
		return nil

	case KindQuestProgressDelta:
		var p QuestProgressPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &StorageCorruptionError{ActionID: a.ID, Cause: err}
		}
		resp, err := e.remote.ApplyQuestProgress(ctx, e.userID, &stridesync.ApplyQuestProgressRequest{
			IdempotencyKey: key,
			QuestID:        p.QuestID,
			Delta:          p.Delta,
		})
		if err != nil {
			return err
		}
		if err := e.store.MarkCommitted(ctx, a.ID); err != nil {
			return err
		}
		e.reconcile(ctx, func(s stridesync.PlayerSnapshot) stridesync.PlayerSnapshot {
			return ResolveQuestProgress(s, p.QuestID, resp, now)
		})
		return nil

	case KindProfileFieldSet:
		var p ProfileFieldPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return &StorageCorruptionError{ActionID: a.ID, Cause: err}
		}
		resp, err := e.remote.SetProfileField(ctx, e.userID, &stridesync.SetProfileFieldRequest{
			IdempotencyKey: key,
			Field:          p.Field,
			Value:          p.Value,
			AsOf:           p.AsOf,
		})
		if err != nil {
			return err
		}
		if err := e.store.MarkCommitted(ctx, a.ID); err != nil {
			return err
		}
		var conflict *ConflictError
		e.snapMu.Lock()
		e.snapshot, conflict = ResolveProfileField(e.snapshot, p, resp, now)
		snap := e.snapshot
		e.snapMu.Unlock()
		if err := e.store.SaveSnapshot(ctx, &snap); err != nil {
			e.logger.Warn("Failed to persist reconciled snapshot", "error", err)
		}
		if conflict != nil {
			e.logger.Warn("Profile write lost to a newer value",
				"field", conflict.Field, "discarded", conflict.Discarded, "kept", conflict.Kept)
		}
		return nil

	default:
		return &StorageCorruptionError{ActionID: a.ID, Cause: fmt.Errorf("unknown action kind %q", a.Kind)}
	}
}

func (e *Engine) reconcile(ctx context.Context, fn func(stridesync.PlayerSnapshot) stridesync.PlayerSnapshot) {
	e.snapMu.Lock()
	e.snapshot = fn(e.snapshot)
	snap := e.snapshot
	e.snapMu.Unlock()

	if err := e.store.SaveSnapshot(ctx, &snap); err != nil {
		e.logger.Warn("Failed to persist reconciled snapshot", "error", err)
	}
}
