// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesqlite

import (
	"sync"
	"time"
)

// Status is the engine state broadcast to UI subscribers.
type Status struct {
	IsOnline     bool
	IsSyncing    bool
	PendingCount int
	LastSyncAt   *time.Time
	LastError    string
}

// statusPublisher fans Status updates out to subscribers. Subscriptions are
// lifecycle-bound: unsubscribe fully removes the callback so repeated screen
// mounts cannot leak.
type statusPublisher struct {
	mu      sync.Mutex
	current Status
	subs    map[int]func(Status)
	nextSub int

	// Deliveries are queued under mu and flushed by one goroutine at a
	// time, so subscribers observe status changes in publication order.
	queue    []delivery
	flushing bool
}

type delivery struct {
	status Status
	cbs    []func(Status)
}

func newStatusPublisher(initial Status) *statusPublisher {
	return &statusPublisher{
		current: initial,
		subs:    make(map[int]func(Status)),
	}
}

// Subscribe registers a callback invoked with the current status immediately
// and on every subsequent change.
func (p *statusPublisher) Subscribe(cb func(Status)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = cb
	current := p.current
	p.mu.Unlock()

	cb(current)

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Snapshot returns the current status.
func (p *statusPublisher) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// update mutates the status under lock and broadcasts the result. The
// broadcast is enqueued rather than fanned out directly so that two
// concurrent updates cannot reach a subscriber in swapped order.
func (p *statusPublisher) update(mutate func(*Status)) {
	p.mu.Lock()
	mutate(&p.current)
	cbs := make([]func(Status), 0, len(p.subs))
	for _, cb := range p.subs {
		cbs = append(cbs, cb)
	}
	p.queue = append(p.queue, delivery{status: p.current, cbs: cbs})
	if p.flushing {
		p.mu.Unlock()
		return
	}
	p.flushing = true
	for len(p.queue) > 0 {
		d := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		for _, cb := range d.cbs {
			cb(d.status)
		}
		p.mu.Lock()
	}
	p.flushing = false
	p.mu.Unlock()
}
