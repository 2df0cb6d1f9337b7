// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/labworker/services/golab"
	"github.com/AleutianAI/labworker/services/offload/executor"
	"github.com/AleutianAI/labworker/services/offload/transport"
	"github.com/AleutianAI/labworker/services/offload/worker"
	"github.com/AleutianAI/labworker/services/telemetry"
)

// newExecutor builds the handler set for one worker instance.
func (a *app) newExecutor() *executor.Executor {
	compiler := golab.NewCompiler(a.log)
	return executor.New(compiler, golab.NewWorkspace(compiler, a.log), a.log)
}

// runServe is the worker side of process mode. stdout carries frames, so
// nothing else may write to it.
func (a *app) runServe(cmd *cobra.Command) error {
	conn := transport.NewStream(os.Stdin, os.Stdout)
	defer conn.Close()

	a.log.Info("serving on stdio", slog.Int("pid", os.Getpid()))
	err := worker.Serve(cmd.Context(), conn, a.newExecutor(), a.log)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runServeWS accepts WebSocket workers on /worker and exposes /metrics
// and /healthz.
func (a *app) runServeWS(cmd *cobra.Command) error {
	ctx := cmd.Context()

	mux := http.NewServeMux()
	mux.HandleFunc("/worker", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.AcceptWebSocket(w, r)
		if err != nil {
			a.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer conn.Close()

		logger := a.log.With(slog.String("remote", r.RemoteAddr))
		logger.Info("controller connected")
		if err := worker.Serve(ctx, conn, a.newExecutor(), logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("worker connection ended", slog.String("error", err.Error()))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if h := telemetry.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	srv := &http.Server{
		Addr:              a.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("listening", slog.String("addr", a.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Worker.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
