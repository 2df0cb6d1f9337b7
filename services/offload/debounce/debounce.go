// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debounce collapses rapid repeated calls into the most recent one.
//
// Every call opens a delay window. A newer call supersedes an older one
// only while the older one is still waiting in its window; once a call has
// left the window it runs to completion no matter what arrives later.
package debounce

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSuperseded is returned by a call replaced by a newer one while it was
// still inside its delay window.
var ErrSuperseded = errors.New("debounce: superseded by a newer call")

// Debouncer holds a generation counter and the single cancel handle of the
// call currently waiting in its window.
//
// Thread Safety: Safe for concurrent use.
type Debouncer struct {
	delay time.Duration

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
}

// New creates a Debouncer with the given window. A non-positive delay
// still lets a newer call supersede one that has not been scheduled yet.
func New(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Generation returns how many calls have been started.
func (d *Debouncer) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

// Run waits out the delay window, then calls fn with ctx.
//
// Description:
//
//	The call bumps the generation and atomically replaces the active
//	cancel handle, cancelling the previous waiting call. If this call is
//	replaced before its window ends it returns ErrSuperseded without
//	calling fn. fn receives the caller's ctx, not a debounce-owned one,
//	so later calls cannot interrupt it.
//
// Outputs:
//
//	T - fn's result.
//	error - ErrSuperseded, ctx.Err() if ctx ended during the window, or
//	        fn's error.
func Run[T any](ctx context.Context, d *Debouncer, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.generation++
	gen := d.generation
	if d.cancel != nil {
		d.cancel()
	}
	d.cancel = cancel
	d.mu.Unlock()

	timer := time.NewTimer(d.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-waitCtx.Done():
	}

	// Leaving the window is decided under the lock, so a newer call either
	// supersedes this one or finds it already gone.
	d.mu.Lock()
	if d.generation != gen {
		d.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, ErrSuperseded
	}
	d.cancel = nil
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return fn(ctx)
}
