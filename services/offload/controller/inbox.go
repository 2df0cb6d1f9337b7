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
	"log/slog"
	"slices"
	"sync"

	"github.com/AleutianAI/labworker/services/offload/message"
)

// inbox correlates responses with waiters for one worker instance.
//
// It holds the FIFO of pending request IDs and the ordered sequence of
// received responses. Waiters peek at the head of the sequence: the
// waiter whose ID is at the head consumes it, and a broadcast failure at
// the head is read by every waiter without being removed.
//
// Responses are filtered on arrival: a response for an abandoned waiter is
// dropped, and a response for an ID that is not pending is a protocol
// violation and is logged and dropped. Because the transport preserves
// order, the head normally answers the oldest pending ID; a response that
// answers a younger one is still delivered but logged, since it means the
// transport reordered frames.
//
// Thread Safety: Safe for concurrent use.
type inbox struct {
	logger *slog.Logger

	mu        sync.Mutex
	pending   []int64
	waiting   map[int64]bool // true while a caller waits; false once abandoned
	responses []message.Response
	changed   chan struct{}
	closed    bool
}

func newInbox(logger *slog.Logger) *inbox {
	return &inbox{
		logger:  logger,
		waiting: make(map[int64]bool),
		changed: make(chan struct{}),
	}
}

// notifyLocked wakes every waiter. Caller holds mu.
func (b *inbox) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// enqueue registers id as pending. A notification is enqueued already
// abandoned so its acknowledgement is dropped on arrival.
func (b *inbox) enqueue(id int64, abandoned bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, id)
	b.waiting[id] = !abandoned
}

// push appends a received response to the sequence.
func (b *inbox) push(resp message.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if resp.IsBroadcast() {
		b.responses = append(b.responses, resp)
		b.notifyLocked()
		return
	}

	live, ok := b.waiting[resp.ID]
	if !ok {
		staleResponses.Inc()
		b.logger.Warn("dropping response for unknown request",
			slog.Int64("id", resp.ID),
			slog.String("type", string(resp.Type)),
		)
		return
	}

	if len(b.pending) > 0 && b.pending[0] != resp.ID {
		b.logger.Warn("response out of request order",
			slog.Int64("id", resp.ID),
			slog.Int64("oldest_pending", b.pending[0]),
		)
	}

	if !live {
		b.removeLocked(resp.ID)
		b.logger.Debug("dropping response for abandoned request", slog.Int64("id", resp.ID))
		return
	}

	b.responses = append(b.responses, resp)
	b.notifyLocked()
}

// wait blocks until the response for id reaches the head of the sequence,
// a broadcast failure is at the head, the inbox is closed, or ctx ends.
//
// On ctx end the waiter is abandoned and ctx.Err() is returned.
func (b *inbox) wait(ctx context.Context, id int64) (message.Response, error) {
	for {
		b.mu.Lock()
		if len(b.responses) > 0 {
			head := b.responses[0]
			if head.IsBroadcast() {
				b.removeLocked(id)
				b.mu.Unlock()
				return head, nil
			}
			if head.ID == id {
				b.responses = b.responses[1:]
				b.removeLocked(id)
				b.notifyLocked()
				b.mu.Unlock()
				return head, nil
			}
		}
		if b.closed {
			b.removeLocked(id)
			b.mu.Unlock()
			return message.Response{}, ErrWorkerDisposed
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			b.abandon(id)
			return message.Response{}, ctx.Err()
		}
	}
}

// abandon gives up on id. A response already queued for it is removed; a
// later one is dropped on arrival.
func (b *inbox) abandon(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.waiting[id]; !ok {
		return
	}
	for i, resp := range b.responses {
		if resp.ID == id {
			b.responses = slices.Delete(b.responses, i, i+1)
			b.removeLocked(id)
			b.notifyLocked()
			return
		}
	}
	b.waiting[id] = false
}

// forget removes id without waiting, for requests that never reached the
// transport.
func (b *inbox) forget(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *inbox) removeLocked(id int64) {
	delete(b.waiting, id)
	if i := slices.Index(b.pending, id); i >= 0 {
		b.pending = slices.Delete(b.pending, i, i+1)
	}
}

// close discards residual responses and releases every waiter with
// ErrWorkerDisposed.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.responses = nil
	b.notifyLocked()
}

// size returns the number of pending IDs, abandoned ones included.
func (b *inbox) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
