// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

// Package stridesqlite is the offline-first synchronization engine for the
// StrideQuest client. Producers enqueue mutations into a durable SQLite
// queue and get optimistic local feedback immediately; once the device is
// online, the orchestrator drains the queue against the authoritative apply
// API with retry/backoff and reconciles the cached snapshot.
package stridesqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/B0GARTT00/StrideQuest-V2-sub000/stridesync"
)

// Config holds the tuning knobs of the sync engine.
type Config struct {
	DrainConcurrency int           // distinct resource keys drained in parallel
	ApplyTimeout     time.Duration // per remote apply call
	SyncInterval     time.Duration // periodic drain while online with backlog
	DebounceWindow   time.Duration // connectivity debounce
	CommitRetention  time.Duration // how long committed records are kept
	Retry            RetryPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainConcurrency: 4,
		ApplyTimeout:     15 * time.Second,
		SyncInterval:     60 * time.Second,
		DebounceWindow:   DefaultDebounceWindow,
		CommitRetention:  24 * time.Hour,
		Retry:            DefaultRetryPolicy(),
	}
}

// Engine owns the pending-action queue, the cached snapshot and the sync
// state machine for one signed-in user. Lifecycle is login to logout; local
// state is recomputed from the store and a fresh connectivity reading on
// process start, never persisted.
type Engine struct {
	store   *Store
	remote  RemoteAPI
	monitor *Monitor
	status  *statusPublisher
	logger  *slog.Logger
	config  *Config
	userID  string

	// snapMu guards the cached snapshot. Drains are single-flight so
	// reconciliation itself is never concurrent, but UI reads race with it.
	snapMu   sync.Mutex
	snapshot stridesync.PlayerSnapshot

	// drainMu guards the single-flight drain state.
	drainMu      sync.Mutex
	draining     bool
	drainDone    chan struct{}
	lastDrain    DrainResult
	lastDrainErr error

	kick         chan struct{}
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	unsubMonitor func()
}

// NewEngine opens the durable store on db and wires the engine for userID.
// src may be nil (assume Online). config may be nil (defaults).
func NewEngine(db *sql.DB, userID string, remote RemoteAPI, src ConnectivitySource, config *Config, logger *slog.Logger) (*Engine, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DrainConcurrency <= 0 {
		config.DrainConcurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := OpenStore(db, userID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	e := &Engine{
		store:  store,
		remote: remote,
		logger: logger,
		config: config,
		userID: userID,
		kick:   make(chan struct{}, 1),
	}

	if snap, ok, err := store.LoadSnapshot(context.Background()); err != nil {
		return nil, err
	} else if ok {
		e.snapshot = *snap
	} else {
		e.snapshot = stridesync.PlayerSnapshot{
			QuestProgress: make(map[string]stridesync.QuestProgress),
			Profile:       make(map[string]string),
		}
	}

	pending, err := store.PendingCount(context.Background())
	if err != nil {
		return nil, err
	}

	e.monitor = NewMonitor(src, config.DebounceWindow)
	e.status = newStatusPublisher(Status{
		IsOnline:     e.monitor.CurrentState() == Online,
		PendingCount: pending,
	})

	e.unsubMonitor = e.monitor.OnTransition(func(state State) {
		e.status.update(func(s *Status) { s.IsOnline = state == Online })
		if state == Online {
			e.logger.Info("Connectivity restored, scheduling drain")
			e.kickDrain()
		}
	})

	return e, nil
}

// Start launches the background sync loop. It drains immediately when there
// is a backlog and the monitor reports Online.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.run(ctx)
	return nil
}

// Stop terminates the background loop. In-flight remote calls finish or time
// out; interrupted actions are re-delivered on the next start.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.unsubMonitor != nil {
		e.unsubMonitor()
	}
	e.monitor.Close()
}

// Close stops the engine; with wipe it also clears all local state for the
// user (logout/account deletion).
func (e *Engine) Close(ctx context.Context, wipe bool) error {
	e.Stop()
	if wipe {
		return e.store.ClearUserState(ctx)
	}
	return nil
}

// Bootstrap seeds the cached snapshot from the authoritative store. Call on
// login/resume before the first drain; pending actions re-apply on top.
func (e *Engine) Bootstrap(ctx context.Context) error {
	snap, err := e.remote.FetchSnapshot(ctx, e.userID)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	if snap.QuestProgress == nil {
		snap.QuestProgress = make(map[string]stridesync.QuestProgress)
	}
	if snap.Profile == nil {
		snap.Profile = make(map[string]string)
	}

	e.snapMu.Lock()
	e.snapshot = *snap
	e.snapMu.Unlock()

	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	// Wakes the loop exactly when the earliest per-key backoff elapses.
	retryTimer := time.NewTimer(time.Hour)
	if !retryTimer.Stop() {
		<-retryTimer.C
	}
	defer retryTimer.Stop()

	attempt := func() {
		if e.monitor.CurrentState() != Online {
			return
		}
		pending, err := e.store.PendingCount(ctx)
		if err != nil || pending == 0 {
			return
		}
		if _, err := e.drain(ctx, false); err != nil && ctx.Err() == nil {
			e.logger.Warn("Drain cycle failed", "error", err)
		}
	}

	schedule := func() {
		next, ok, err := e.store.NextRunnableAt(ctx)
		if err != nil || !ok {
			return
		}
		d := time.Until(next)
		if d < 10*time.Millisecond {
			d = 10 * time.Millisecond
		}
		retryTimer.Stop()
		retryTimer.Reset(d)
	}

	attempt()
	schedule()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		case <-retryTimer.C:
		}
		attempt()
		schedule()
	}
}

func (e *Engine) kickDrain() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the cached snapshot. UI reads it but never
// mutates it; all mutation requests go through the Enqueue functions.
func (e *Engine) Snapshot() stridesync.PlayerSnapshot {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return cloneSnapshot(e.snapshot)
}

// SyncStatus returns the current engine status.
func (e *Engine) SyncStatus() Status {
	return e.status.Snapshot()
}

// Subscribe registers a status callback; the returned function removes it.
func (e *Engine) Subscribe(cb func(Status)) (unsubscribe func()) {
	return e.status.Subscribe(cb)
}

// FailedActions lists permanently failed actions awaiting acknowledgement or
// a corrective enqueue.
func (e *Engine) FailedActions(ctx context.Context) ([]*PendingAction, error) {
	return e.store.ListFailedPermanently(ctx)
}

// EnqueueActivity records a completed activity for sync and applies its XP
// optimistically.
func (e *Engine) EnqueueActivity(ctx context.Context, p stridesync.ActivityPayload) (*PendingAction, error) {
	action, err := e.store.Enqueue(ctx, KindActivitySave, xpResourceKey(e.userID), p)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	e.applyOptimistic(ctx, func(s stridesync.PlayerSnapshot) stridesync.PlayerSnapshot {
		return OptimisticActivity(s, p, now)
	})
	e.afterEnqueue(ctx)
	return action, nil
}

// EnqueueXPGrant queues a signed XP delta.
func (e *Engine) EnqueueXPGrant(ctx context.Context, delta int64) (*PendingAction, error) {
	action, err := e.store.Enqueue(ctx, KindXPGrant, xpResourceKey(e.userID), XPGrantPayload{Delta: delta})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	e.applyOptimistic(ctx, func(s stridesync.PlayerSnapshot) stridesync.PlayerSnapshot {
		return OptimisticXPGrant(s, delta, now)
	})
	e.afterEnqueue(ctx)
	return action, nil
}

// EnqueueQuestProgress queues a signed progress delta for questID.
func (e *Engine) EnqueueQuestProgress(ctx context.Context, questID string, delta int64) (*PendingAction, error) {
	action, err := e.store.Enqueue(ctx, KindQuestProgressDelta, questResourceKey(e.userID, questID),
		QuestProgressPayload{QuestID: questID, Delta: delta})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	e.applyOptimistic(ctx, func(s stridesync.PlayerSnapshot) stridesync.PlayerSnapshot {
		return OptimisticQuestProgress(s, questID, delta, now)
	})
	e.afterEnqueue(ctx)
	return action, nil
}

// EnqueueProfileField queues an overwrite of a profile field. The enqueue
// time decides last-write-wins ordering against other devices.
func (e *Engine) EnqueueProfileField(ctx context.Context, field, value string) (*PendingAction, error) {
	now := time.Now().UTC()
	action, err := e.store.Enqueue(ctx, KindProfileFieldSet, profileResourceKey(e.userID, field),
		ProfileFieldPayload{Field: field, Value: value, AsOf: now})
	if err != nil {
		return nil, err
	}
	e.applyOptimistic(ctx, func(s stridesync.PlayerSnapshot) stridesync.PlayerSnapshot {
		return OptimisticProfileField(s, field, value, now)
	})
	e.afterEnqueue(ctx)
	return action, nil
}

func (e *Engine) applyOptimistic(ctx context.Context, fn func(stridesync.PlayerSnapshot) stridesync.PlayerSnapshot) {
	e.snapMu.Lock()
	e.snapshot = fn(e.snapshot)
	snap := e.snapshot
	e.snapMu.Unlock()

	if err := e.store.SaveSnapshot(ctx, &snap); err != nil {
		e.logger.Warn("Failed to persist optimistic snapshot", "error", err)
	}
}

func (e *Engine) afterEnqueue(ctx context.Context) {
	e.publishPendingCount(ctx)
	e.kickDrain()
}

func (e *Engine) publishPendingCount(ctx context.Context) {
	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		e.logger.Warn("Failed to count pending actions", "error", err)
		return
	}
	e.status.update(func(s *Status) { s.PendingCount = pending })
}
