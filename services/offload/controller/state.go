// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

// State is the lifecycle state of the controller's worker.
//
//	Uninitialized → Starting → Ready → Active → Disposing → Disposed
//	                    │                 │
//	                    └──► Failed ◄─────┘
type State int

const (
	// StateUninitialized means no worker has been requested yet.
	StateUninitialized State = iota

	// StateStarting means a worker transport exists and its Ready signal
	// is awaited.
	StateStarting

	// StateReady means the worker signalled readiness and remembered
	// compiler selections are being replayed.
	StateReady

	// StateActive means requests are being served.
	StateActive

	// StateDisposing means the worker is being torn down.
	StateDisposing

	// StateDisposed means no worker is running; the next call creates one
	// if worker mode is enabled.
	StateDisposed

	// StateFailed means the worker broke. Only RecreateWorker recovers.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	names := []string{"uninitialized", "starting", "ready", "active", "disposing", "disposed", "failed"}
	if s >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}
