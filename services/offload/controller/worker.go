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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/labworker/services/offload/message"
	"github.com/AleutianAI/labworker/services/offload/transport"
	"github.com/AleutianAI/labworker/services/telemetry"
)

// Worker is one worker instance: a transport, its reader loop, its
// watchdog and the inbox of its pending requests.
//
// A Worker is never reused. Recreating the worker builds a new instance
// with a fresh inbox, so responses to requests issued before the
// recreation cannot reach callers of the new one.
//
// Thread Safety: Safe for concurrent use.
type Worker struct {
	id        string
	conn      transport.Conn
	inbox     *inbox
	nextID    *atomic.Int64
	logger    *slog.Logger
	onFailure func(*Worker, error)

	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}

	sendMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once

	failed   chan struct{}
	failOnce sync.Once
	failErr  error
	failResp message.Response

	watchdogMu     sync.Mutex
	watchdogCancel context.CancelFunc
	pingOut        atomic.Bool
	pingSince      atomic.Int64
}

func newWorker(conn transport.Conn, nextID *atomic.Int64, logger *slog.Logger, onFailure func(*Worker, error)) *Worker {
	id := uuid.NewString()
	logger = logger.With(slog.String("worker_id", id))
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		id:         id,
		conn:       conn,
		inbox:      newInbox(logger),
		nextID:     nextID,
		logger:     logger,
		onFailure:  onFailure,
		ctx:        ctx,
		cancel:     cancel,
		readerDone: make(chan struct{}),
		ready:      make(chan struct{}),
		failed:     make(chan struct{}),
	}
	go w.readLoop()
	return w
}

// ID returns the instance's unique ID.
func (w *Worker) ID() string {
	return w.id
}

// Pending returns the number of requests awaiting a response.
func (w *Worker) Pending() int {
	return w.inbox.size()
}

// Err returns the failure cause, or nil while the worker is healthy.
func (w *Worker) Err() error {
	select {
	case <-w.failed:
		return w.failErr
	default:
		return nil
	}
}

// =============================================================================
// Receive Path
// =============================================================================

func (w *Worker) readLoop() {
	defer close(w.readerDone)

	for {
		frame, err := w.conn.Recv(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.fail(err)
			return
		}

		resp, err := message.DecodeResponse(frame)
		if err != nil {
			// The affected request stays unresolved; its caller is released
			// by cancellation, recreation or a later transport failure.
			protocolViolations.Inc()
			w.logger.Warn("dropping undecodable response", slog.String("error", err.Error()))
			continue
		}

		if resp.ID == message.UnsolicitedID {
			if resp.Type == message.TypeReady {
				w.readyOnce.Do(func() { close(w.ready) })
			} else {
				w.logger.Debug("ignoring unsolicited response", slog.String("type", string(resp.Type)))
			}
			continue
		}

		w.inbox.push(resp)
	}
}

// awaitReady waits for the Ready signal. A transport failure first rejects
// the wait with the failure cause; running out of time fails the worker.
func (w *Worker) awaitReady(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ready:
		return nil
	case <-w.failed:
		return w.failErr
	case <-expired:
		w.fail(ErrStartupTimeout)
		return ErrStartupTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Send Path
// =============================================================================

// call sends one request and waits for its response.
//
// A broadcast failure is returned as a response, not an error. Errors are
// cancellation (ErrCanceled), disposal (ErrWorkerDisposed) and local
// encoding bugs.
func (w *Worker) call(ctx context.Context, kind message.Kind, args any) (message.Response, error) {
	if w.Err() != nil {
		return w.failResp, nil
	}

	req := message.Request{Kind: kind, Args: args}
	if carrier := telemetry.InjectToMap(ctx, nil); len(carrier) > 0 {
		req.Trace = carrier
	}

	id, err := w.send(ctx, req, kind.Notification())
	if err != nil {
		return message.Response{}, err
	}
	if kind.Notification() {
		return message.Empty(id), nil
	}

	resp, err := w.inbox.wait(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			if kind.Cancelable() {
				w.sendCancel(id)
			}
			return message.Response{}, canceled(ctx)
		}
		return message.Response{}, err
	}
	return resp, nil
}

// send allocates the request ID, registers it as pending and writes the
// frame, all under one lock so wire order equals ID order.
func (w *Worker) send(ctx context.Context, req message.Request, abandoned bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, canceled(ctx)
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	req.ID = w.nextID.Add(1)
	frame, err := message.EncodeRequest(req)
	if err != nil {
		return 0, err
	}

	w.inbox.enqueue(req.ID, abandoned)
	if err := w.conn.Send(w.ctx, frame); err != nil {
		if w.ctx.Err() != nil {
			w.inbox.forget(req.ID)
			return 0, ErrWorkerDisposed
		}
		// The request stays pending; its waiter reads the broadcast.
		w.fail(fmt.Errorf("send %s: %w", req.Kind, err))
	}

	w.logger.Debug("request sent", slog.Int64("id", req.ID), slog.String("kind", string(req.Kind)))
	return req.ID, nil
}

// sendCancel asks the worker to stop targetID. The acknowledgement is
// dropped on arrival.
func (w *Worker) sendCancel(targetID int64) {
	if w.Err() != nil || w.ctx.Err() != nil {
		return
	}
	if _, err := w.send(w.ctx, message.Request{
		Kind: message.KindCancel,
		Args: message.CancelArgs{TargetID: targetID},
	}, true); err != nil {
		w.logger.Debug("cancel not sent", slog.Int64("target_id", targetID), slog.String("error", err.Error()))
	}
}

func canceled(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w (%w)", ErrCanceled, context.DeadlineExceeded)
	}
	return ErrCanceled
}

// =============================================================================
// Watchdog
// =============================================================================

// startWatchdog pings the worker every interval while no ping is
// outstanding. With unresponsive > 0, a ping outstanding for longer than
// that fails the worker.
func (w *Worker) startWatchdog(interval, unresponsive time.Duration) {
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(w.ctx)
	w.watchdogMu.Lock()
	w.watchdogCancel = cancel
	w.watchdogMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if w.pingOut.Load() {
				outstanding := time.Since(time.Unix(0, w.pingSince.Load()))
				if unresponsive > 0 && outstanding > unresponsive {
					w.fail(fmt.Errorf("%w: ping unanswered for %s", ErrWorkerUnresponsive, outstanding.Round(time.Millisecond)))
					return
				}
				continue
			}

			w.pingSince.Store(time.Now().UnixNano())
			w.pingOut.Store(true)
			pingsSent.Inc()
			go func() {
				defer w.pingOut.Store(false)
				if _, err := w.call(ctx, message.KindPing, nil); err != nil {
					w.logger.Debug("ping ended", slog.String("error", err.Error()))
				}
			}()
		}
	}()
}

func (w *Worker) stopWatchdog() {
	w.watchdogMu.Lock()
	defer w.watchdogMu.Unlock()
	if w.watchdogCancel != nil {
		w.watchdogCancel()
		w.watchdogCancel = nil
	}
}

// =============================================================================
// Failure and Disposal
// =============================================================================

// fail marks the worker broken. Only the first call has an effect: it
// stops the watchdog, pushes a broadcast failure so every waiter wakes,
// and reports the failure to the controller.
func (w *Worker) fail(cause error) {
	w.failOnce.Do(func() {
		w.failErr = cause
		w.failResp = message.BroadcastFailure(cause.Error(), "worker "+w.id)
		close(w.failed)

		w.stopWatchdog()
		w.logger.Error("worker failed", slog.String("error", cause.Error()))
		w.inbox.push(w.failResp)

		if w.onFailure != nil {
			w.onFailure(w, cause)
		}
	})
}

// dispose tears the instance down. Residual responses are discarded and
// remaining waiters get ErrWorkerDisposed.
func (w *Worker) dispose() error {
	w.cancel()
	w.stopWatchdog()
	err := w.conn.Close()
	<-w.readerDone
	w.inbox.close()
	return err
}
