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

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for controller operations.
var (
	// ErrCanceled is returned when the caller's context ends before the
	// response arrives. It wraps context.Canceled.
	ErrCanceled = fmt.Errorf("request canceled: %w", context.Canceled)

	// ErrWorkerDisposed is returned to waiters whose worker was disposed or
	// recreated, and to calls made after Close.
	ErrWorkerDisposed = errors.New("worker disposed")

	// ErrWorkerFailed is wrapped by every error caused by a broken worker.
	ErrWorkerFailed = errors.New("worker failed")

	// ErrWorkerUnresponsive is the failure cause when a watchdog ping goes
	// unanswered for longer than the unresponsive timeout.
	ErrWorkerUnresponsive = errors.New("worker unresponsive")

	// ErrStartupTimeout is the failure cause when the worker does not
	// signal readiness in time.
	ErrStartupTimeout = errors.New("worker startup timed out")

	// ErrNoFallback is returned when the worker is unavailable and no
	// in-process handlers were configured.
	ErrNoFallback = errors.New("no in-process fallback configured")
)

// RemoteError is a Failure response turned into a Go error.
//
// Broadcast is set when the failure came from a broken worker rather than
// from the handler; such errors also match ErrWorkerFailed.
type RemoteError struct {
	Message   string
	Detail    string
	Broadcast bool
}

// Error implements error.
func (e *RemoteError) Error() string {
	if e.Broadcast {
		return fmt.Sprintf("%v: %s", ErrWorkerFailed, e.Message)
	}
	return e.Message
}

// Unwrap returns ErrWorkerFailed for broadcast failures.
func (e *RemoteError) Unwrap() error {
	if e.Broadcast {
		return ErrWorkerFailed
	}
	return nil
}
