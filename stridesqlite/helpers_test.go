// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesqlite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/B0GARTT00/StrideQuest-V2-sub000/stridesync"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// fakeSource is a scriptable connectivity source.
type fakeSource struct {
	mu     sync.Mutex
	online bool
	subs   []func(bool)
}

func newFakeSource(online bool) *fakeSource {
	return &fakeSource{online: online}
}

func (f *fakeSource) Current() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeSource) Subscribe(cb func(bool)) (unsubscribe func()) {
	f.mu.Lock()
	f.subs = append(f.subs, cb)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSource) set(online bool) {
	f.mu.Lock()
	f.online = online
	subs := append([]func(bool){}, f.subs...)
	f.mu.Unlock()
	for _, cb := range subs {
		cb(online)
	}
}

// fakeRemote implements RemoteAPI against an in-memory authoritative state,
// with per-call fault injection and an idempotency gate mirroring the real
// server's behavior.
type fakeRemote struct {
	mu      sync.Mutex
	xp      int64
	quests  map[string]*stridesync.QuestProgress
	targets map[string]int64
	rewards map[string]int64
	profile map[string]string
	asOf    map[string]time.Time

	applied map[string]bool
	calls   []string

	// failures[n] != nil fails the n-th call (0-based) with that error
	failures map[int]error
	callN    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		quests:   make(map[string]*stridesync.QuestProgress),
		targets:  map[string]int64{"q1": 5, "daily": 3},
		rewards:  map[string]int64{"q1": 500, "daily": 100},
		profile:  make(map[string]string),
		asOf:     make(map[string]time.Time),
		applied:  make(map[string]bool),
		failures: make(map[int]error),
	}
}

func (f *fakeRemote) failCall(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[n] = err
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callN
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

// begin records the call, applies fault injection and checks the idempotency
// gate. Returns (alreadyApplied, err).
func (f *fakeRemote) begin(name, key string) (bool, error) {
	n := f.callN
	f.callN++
	f.calls = append(f.calls, name)
	if err := f.failures[n]; err != nil {
		return false, err
	}
	if key == "" {
		return false, &RemoteValidationError{Reason: stridesync.ReasonBadPayload, Message: "idempotency key required"}
	}
	if f.applied[key] {
		return true, nil
	}
	f.applied[key] = true
	return false, nil
}

func (f *fakeRemote) ApplyActivity(ctx context.Context, userID string, req *stridesync.ApplyActivityRequest) (*stridesync.ApplyActivityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	replay, err := f.begin("activity", req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	gained := stridesync.ActivityXP(req.Activity.Type, req.Activity.DistanceKm, req.Activity.DurationMinutes)
	oldLevel := stridesync.LevelForTotalXP(f.xp)
	if !replay {
		f.xp += gained
	}
	newLevel := stridesync.LevelForTotalXP(f.xp)
	return &stridesync.ApplyActivityResponse{
		XPGained:         gained,
		NewTotalXP:       f.xp,
		LeveledUp:        newLevel > oldLevel,
		OldLevel:         oldLevel,
		NewLevel:         newLevel,
		StatPointsGained: stridesync.StatPointsBetween(oldLevel, newLevel),
	}, nil
}

func (f *fakeRemote) ApplyXPGrant(ctx context.Context, userID string, req *stridesync.ApplyXPGrantRequest) (*stridesync.ApplyXPGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	replay, err := f.begin("xp", req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !replay {
		f.xp += req.Delta
		if f.xp < 0 {
			f.xp = 0
		}
	}
	return &stridesync.ApplyXPGrantResponse{NewTotalXP: f.xp}, nil
}

func (f *fakeRemote) ApplyQuestProgress(ctx context.Context, userID string, req *stridesync.ApplyQuestProgressRequest) (*stridesync.ApplyQuestProgressResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	replay, err := f.begin("quest:"+req.QuestID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	target, ok := f.targets[req.QuestID]
	if !ok {
		return nil, &RemoteValidationError{Reason: stridesync.ReasonUnknownQuest, Message: "no such quest"}
	}
	entry := f.quests[req.QuestID]
	if entry == nil {
		entry = &stridesync.QuestProgress{Target: target}
		f.quests[req.QuestID] = entry
	}
	if !replay && !entry.Completed {
		entry.Progress += req.Delta
		if entry.Progress > target {
			entry.Progress = target
		}
		if entry.Progress < 0 {
			entry.Progress = 0
		}
		if entry.Progress >= target {
			entry.Completed = true
			f.xp += f.rewards[req.QuestID]
		}
	}
	return &stridesync.ApplyQuestProgressResponse{
		NewProgress: entry.Progress,
		Target:      target,
		Completed:   entry.Completed,
	}, nil
}

func (f *fakeRemote) SetProfileField(ctx context.Context, userID string, req *stridesync.SetProfileFieldRequest) (*stridesync.SetProfileFieldResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.begin("profile:"+req.Field, req.IdempotencyKey); err != nil {
		return nil, err
	}
	if f.asOf[req.Field].Before(req.AsOf) {
		f.profile[req.Field] = req.Value
		f.asOf[req.Field] = req.AsOf
		return &stridesync.SetProfileFieldResponse{Accepted: true, CurrentValue: req.Value}, nil
	}
	// Replayed or lost last-write-wins: the stored value stands. A replay of
	// the winning write still reports acceptance.
	accepted := req.AsOf.Equal(f.asOf[req.Field]) && f.profile[req.Field] == req.Value
	return &stridesync.SetProfileFieldResponse{Accepted: accepted, CurrentValue: f.profile[req.Field]}, nil
}

func (f *fakeRemote) FetchSnapshot(ctx context.Context, userID string) (*stridesync.PlayerSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	level := stridesync.LevelForTotalXP(f.xp)
	snap := &stridesync.PlayerSnapshot{
		XP:            f.xp,
		Level:         level,
		StatPoints:    stridesync.StatPointsBetween(0, level),
		QuestProgress: make(map[string]stridesync.QuestProgress),
		Profile:       make(map[string]string),
		UpdatedAt:     time.Now().UTC(),
	}
	for id, q := range f.quests {
		snap.QuestProgress[id] = *q
	}
	for k, v := range f.profile {
		snap.Profile[k] = v
	}
	return snap, nil
}

func transientErr(msg string) error {
	return &TransientNetworkError{Cause: fmt.Errorf("%s", msg)}
}
