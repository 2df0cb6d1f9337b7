// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hoststate holds process-scoped state that the host shows to the
// user outside the normal call flow: whether an update is available and
// the last worker failure.
//
// The host creates one State and passes it to the components that update
// it. Observers Subscribe and get a Snapshot after every change.
package hoststate

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is an immutable copy of the state.
type Snapshot struct {
	UpdateAvailable bool
	WorkerError     string
	WorkerFailedAt  time.Time
}

// State is the host-owned state object.
//
// Thread Safety: Safe for concurrent use. Subscribers run on the goroutine
// that made the change, outside the lock, so they may read or update the
// state themselves. Under concurrent updates snapshots can arrive out of
// order; call Snapshot for the latest value.
type State struct {
	mu   sync.Mutex
	snap Snapshot
	subs map[uint64]func(Snapshot)
	next uint64
	now  func() time.Time
}

// New creates an empty State.
func New() *State {
	return &State{
		subs: make(map[uint64]func(Snapshot)),
		now:  time.Now,
	}
}

// Subscribe registers fn for every later change and returns a function
// that removes it. The unsubscribe function is idempotent.
func (s *State) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Snapshot returns the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// SetUpdateAvailable records whether a newer build is available.
func (s *State) SetUpdateAvailable(available bool) {
	s.update(func(snap *Snapshot) bool {
		if snap.UpdateAvailable == available {
			return false
		}
		snap.UpdateAvailable = available
		return true
	})
}

// SetWorkerError records a worker failure message.
func (s *State) SetWorkerError(msg string) {
	s.update(func(snap *Snapshot) bool {
		snap.WorkerError = msg
		snap.WorkerFailedAt = s.now()
		return true
	})
}

// ClearWorkerError forgets the last worker failure.
func (s *State) ClearWorkerError() {
	s.update(func(snap *Snapshot) bool {
		if snap.WorkerError == "" {
			return false
		}
		snap.WorkerError = ""
		snap.WorkerFailedAt = time.Time{}
		return true
	})
}

func (s *State) update(change func(*Snapshot) bool) {
	s.mu.Lock()
	if !change(&s.snap) {
		s.mu.Unlock()
		return
	}
	snap := s.snap
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func(Snapshot), len(ids))
	for i, id := range ids {
		subs[i] = s.subs[id]
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
