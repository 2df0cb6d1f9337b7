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
	"log/slog"
	"net/http"

	"github.com/AleutianAI/labworker/services/offload/executor"
	"github.com/AleutianAI/labworker/services/offload/transport"
	"github.com/AleutianAI/labworker/services/offload/worker"
)

// ProcessFactory starts a worker child process per instance.
func ProcessFactory(cfg transport.ProcessConfig) Factory {
	return func(ctx context.Context) (transport.Conn, error) {
		return transport.StartProcess(ctx, cfg)
	}
}

// WebSocketFactory dials a remote worker per instance.
func WebSocketFactory(url string, header http.Header) Factory {
	return func(ctx context.Context) (transport.Conn, error) {
		return transport.DialWebSocket(ctx, url, header)
	}
}

// InProcessFactory runs each worker instance on a goroutine behind an
// in-memory pipe. Every instance gets its own executor, so recreation
// drops in-flight handler state like a process restart would.
func InProcessFactory(compiler executor.Compiler, lang executor.LanguageServices, logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(context.Context) (transport.Conn, error) {
		client, server := transport.Pipe()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		go func() {
			defer close(done)
			exec := executor.New(compiler, lang, logger)
			if err := worker.Serve(ctx, server, exec, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("in-process worker stopped", slog.String("error", err.Error()))
			}
			server.Close()
		}()

		return &inProcessConn{Stream: client, cancel: cancel, done: done}, nil
	}
}

type inProcessConn struct {
	*transport.Stream
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *inProcessConn) Close() error {
	err := c.Stream.Close()
	c.cancel()
	<-c.done
	return err
}
