// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command labworker compiles and analyzes Go source through an isolated
// worker.
//
// The same binary is both sides of the protocol. "labworker serve" is the
// worker: it speaks framed JSON on stdin/stdout. The other commands are
// hosts that start (or dial) a worker and fall back to in-process
// execution when no worker can run.
//
// Usage:
//
//	labworker compile ./cmd/hello
//	labworker output --type diff main.go
//	labworker diagnostics main.go util.go
//	labworker watch ./cmd/hello
//	labworker serve-ws --addr :7070
//
// Configuration is read from ~/.labworker/labworker.yaml (see --config).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
