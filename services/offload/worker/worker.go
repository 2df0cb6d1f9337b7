// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker runs the worker side of the offload protocol.
//
// Serve announces readiness, then reads requests in order. Cancelable
// requests run concurrently; everything else runs on the reader, so
// notifications and compilations apply in the order they were sent.
// Responses always leave in request order:
//
//	reader ──► Prepare ──► slot queue ──► writer ──► conn
//	              │            ▲
//	              └─► handler ─┘ (one goroutine per cancelable request)
//
// Cancel requests run inline like any other non-cancelable kind, which
// lets them reach a handler that is still in flight.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/labworker/services/offload/executor"
	"github.com/AleutianAI/labworker/services/offload/message"
	"github.com/AleutianAI/labworker/services/offload/transport"
)

// MaxInFlight bounds the requests read ahead of the oldest unanswered one.
const MaxInFlight = 4096

// Serve handles requests from conn until the peer disconnects or ctx ends.
//
// Description:
//
//	Sends the Ready signal first. Undecodable frames are logged and
//	skipped; they get no response. A clean disconnect (EOF) returns nil.
//
// Inputs:
//
//	ctx - Ends the loop and cancels in-flight handlers.
//	conn - The controller connection. Serve does not close it.
//	exec - The dispatch table.
//	logger - Logger; nil uses slog.Default().
//
// Outputs:
//
//	error - The transport error that ended the loop, or nil.
func Serve(ctx context.Context, conn transport.Conn, exec *executor.Executor, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "worker"))

	ready, err := message.EncodeResponse(message.Ready())
	if err != nil {
		return fmt.Errorf("encode ready: %w", err)
	}
	if err := conn.Send(ctx, ready); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	logger.Info("worker ready")

	g, gctx := errgroup.WithContext(ctx)
	slots := make(chan chan message.Response, MaxInFlight)

	g.Go(func() error {
		defer close(slots)
		return read(gctx, g, conn, exec, slots, logger)
	})
	g.Go(func() error {
		return write(gctx, conn, slots)
	})

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, io.EOF):
		logger.Info("controller disconnected")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

func read(
	ctx context.Context,
	g *errgroup.Group,
	conn transport.Conn,
	exec *executor.Executor,
	slots chan<- chan message.Response,
	logger *slog.Logger,
) error {
	for {
		frame, err := conn.Recv(ctx)
		if err != nil {
			return err
		}

		req, err := message.DecodeRequest(frame)
		if err != nil {
			logger.Warn("dropping undecodable request", slog.String("error", err.Error()))
			continue
		}
		logger.Debug("request received", slog.Int64("id", req.ID), slog.String("kind", string(req.Kind)))

		run := exec.Prepare(ctx, req)
		slot := make(chan message.Response, 1)
		select {
		case slots <- slot:
		case <-ctx.Done():
			return ctx.Err()
		}

		if !req.Kind.Cancelable() {
			slot <- run()
			continue
		}
		g.Go(func() error {
			slot <- run()
			return nil
		})
	}
}

func write(ctx context.Context, conn transport.Conn, slots <-chan chan message.Response) error {
	for {
		var slot chan message.Response
		select {
		case s, ok := <-slots:
			if !ok {
				return nil
			}
			slot = s
		case <-ctx.Done():
			return ctx.Err()
		}

		var resp message.Response
		select {
		case resp = <-slot:
		case <-ctx.Done():
			return ctx.Err()
		}

		frame, err := message.EncodeResponse(resp)
		if err != nil {
			// A result that cannot be encoded still answers its request.
			frame, err = message.EncodeResponse(message.Failure(resp.ID, "encode response: "+err.Error(), ""))
			if err != nil {
				return err
			}
		}
		if err := conn.Send(ctx, frame); err != nil {
			return fmt.Errorf("send response %d: %w", resp.ID, err)
		}
	}
}
