// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hoststate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestState_SubscribeReceivesChanges(t *testing.T) {
	s := New()
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	var got []Snapshot
	unsubscribe := s.Subscribe(func(snap Snapshot) { got = append(got, snap) })

	s.SetUpdateAvailable(true)
	s.SetUpdateAvailable(true) // unchanged, no event
	s.SetWorkerError("worker exited: exit status 2")
	s.ClearWorkerError()
	s.ClearWorkerError() // unchanged, no event

	unsubscribe()
	unsubscribe()
	s.SetUpdateAvailable(false)

	if assert.Len(t, got, 3) {
		assert.True(t, got[0].UpdateAvailable)
		assert.Equal(t, "worker exited: exit status 2", got[1].WorkerError)
		assert.Equal(t, fixed, got[1].WorkerFailedAt)
		assert.Empty(t, got[2].WorkerError)
		assert.True(t, got[2].WorkerFailedAt.IsZero())
	}
	assert.False(t, s.Snapshot().UpdateAvailable)
}

func TestState_SubscribersInOrder(t *testing.T) {
	s := New()
	var order []int
	for i := 0; i < 5; i++ {
		n := i
		s.Subscribe(func(Snapshot) { order = append(order, n) })
	}

	s.SetWorkerError("x")
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestState_SubscriberMayUpdate(t *testing.T) {
	s := New()
	s.Subscribe(func(snap Snapshot) {
		if snap.WorkerError != "" {
			s.SetUpdateAvailable(true)
		}
	})

	s.SetWorkerError("boom")
	assert.True(t, s.Snapshot().UpdateAvailable)
}
