// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"sync"
)

// Registry maps in-flight cancelable request IDs to their cancel handles.
//
// A Registry belongs to exactly one Executor and is never shared across
// worker instances.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	handles map[int64]*handle
}

type handle struct {
	cancel context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[int64]*handle)}
}

// Begin registers a cancel handle for id and returns the derived context
// together with the scope that owns the registration.
//
// The caller must Close the scope on every path out of the handler.
func (r *Registry) Begin(ctx context.Context, id int64) (context.Context, *Scope) {
	scoped, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel}

	r.mu.Lock()
	if prev, ok := r.handles[id]; ok {
		// A reused ID cancels the older call instead of leaking it.
		prev.cancel()
	}
	r.handles[id] = h
	r.mu.Unlock()

	return scoped, &Scope{registry: r, id: id, handle: h}
}

// Cancel triggers the handle registered under id. It reports whether a
// handle was found; a missing handle means the request already finished
// and the call is a no-op.
func (r *Registry) Cancel(id int64) bool {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()

	if ok {
		h.cancel()
	}
	return ok
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) remove(id int64, h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[id] == h {
		delete(r.handles, id)
	}
}

// Scope owns one registry entry.
type Scope struct {
	registry *Registry
	id       int64
	handle   *handle
	once     sync.Once
}

// Close unregisters the handle and releases the derived context. Only the
// first call has an effect.
func (s *Scope) Close() {
	s.once.Do(func() {
		s.registry.remove(s.id, s.handle)
		s.handle.cancel()
	})
}
