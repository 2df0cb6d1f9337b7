// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport provides ordered, bidirectional frame channels between
// a controller and a worker.
//
// A Conn delivers frames in the order they were sent and never
// multiplexes. Implementations:
//
//   - NewStream: Content-Length framed stream over any reader/writer pair
//   - Pipe: two connected in-memory streams
//   - StartProcess: a child process speaking framed stdio
//   - DialWebSocket / AcceptWebSocket: one binary message per frame
package transport

import (
	"context"
	"errors"
	"sync"
)

// MaxFrameSize bounds a single frame in either direction.
const MaxFrameSize = 64 << 20

var (
	// ErrUnsupported is returned by a factory when the host cannot run a
	// worker of that type. Callers fall back to in-process execution.
	ErrUnsupported = errors.New("transport: worker unsupported on this host")

	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("transport: connection closed")

	// ErrFrameTooLarge is returned for a frame over MaxFrameSize.
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// Conn is an ordered, bidirectional frame channel.
//
// Thread Safety: Send may be called concurrently with Recv. Concurrent
// Send calls are serialized. Recv must have a single caller.
type Conn interface {
	// Send writes one frame.
	Send(ctx context.Context, frame []byte) error

	// Recv returns the next frame. It returns ctx.Err() if ctx ends first
	// and a non-nil error once the peer is gone.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the connection. Pending and later Recv calls fail.
	Close() error
}

// pump turns a blocking read function into a context-aware Recv.
//
// One goroutine calls read until it fails. Each frame is handed over an
// unbuffered channel, so at most one frame is read ahead.
type pump struct {
	frames chan []byte
	done   chan struct{}
	closed chan struct{}

	err       error
	closeOnce sync.Once
}

func newPump(read func() ([]byte, error)) *pump {
	p := &pump{
		frames: make(chan []byte),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go p.run(read)
	return p
}

func (p *pump) run(read func() ([]byte, error)) {
	defer close(p.done)
	for {
		frame, err := read()
		if err != nil {
			p.err = err
			return
		}
		select {
		case p.frames <- frame:
		case <-p.closed:
			p.err = ErrClosed
			return
		}
	}
}

func (p *pump) recv(ctx context.Context) ([]byte, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	select {
	case frame := <-p.frames:
		return frame, nil
	case <-p.done:
		return nil, p.err
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pump) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *pump) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
