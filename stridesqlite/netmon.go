// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesqlite

import (
	"sync"
	"time"
)

// State is the debounced connectivity state.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// ConnectivitySource is the OS-level connectivity facility, injected as an
// external collaborator.
type ConnectivitySource interface {
	// Current returns the raw connectivity reading.
	Current() bool
	// Subscribe registers a callback for raw connectivity changes and
	// returns an unsubscribe function.
	Subscribe(func(online bool)) (unsubscribe func())
}

// Monitor debounces raw connectivity readings into at most one transition
// per settled window, so a flapping radio cannot trigger sync storms.
// Connectivity is only a hint that scheduling an attempt is worthwhile;
// actual reachability is decided by apply outcomes.
type Monitor struct {
	debounce time.Duration

	mu      sync.Mutex
	state   State
	raw     State
	timer   *time.Timer
	subs    map[int]func(State)
	nextSub int
	unsub   func()
	closed  bool
}

const DefaultDebounceWindow = 2 * time.Second

// NewMonitor subscribes to src and starts debouncing. A nil src degrades to
// "assume Online": the orchestrator's own call failures drive backoff then.
func NewMonitor(src ConnectivitySource, debounce time.Duration) *Monitor {
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}
	m := &Monitor{
		debounce: debounce,
		state:    Online,
		raw:      Online,
		subs:     make(map[int]func(State)),
	}
	if src == nil {
		return m
	}
	if !src.Current() {
		m.state = Offline
		m.raw = Offline
	}
	m.unsub = src.Subscribe(m.onRawChange)
	return m
}

func (m *Monitor) onRawChange(online bool) {
	raw := Offline
	if online {
		raw = Online
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || raw == m.raw {
		return
	}
	m.raw = raw

	// Back to the published state before the window settled: cancel the
	// pending transition entirely.
	if raw == m.state {
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		return
	}

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, m.settle)
}

func (m *Monitor) settle() {
	m.mu.Lock()
	if m.closed || m.raw == m.state {
		m.timer = nil
		m.mu.Unlock()
		return
	}
	m.state = m.raw
	m.timer = nil
	state := m.state
	cbs := make([]func(State), 0, len(m.subs))
	for _, cb := range m.subs {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(state)
	}
}

// CurrentState returns the debounced connectivity state.
func (m *Monitor) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers a callback invoked on every debounced transition.
// The returned function removes the subscription completely.
func (m *Monitor) OnTransition(cb func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close detaches from the source and drops all subscribers.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.subs = make(map[int]func(State))
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
