// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ProcessConfig describes a worker child process.
type ProcessConfig struct {
	// Command is the executable name or path, resolved with exec.LookPath.
	Command string

	// Args are passed to the command.
	Args []string

	// Env is appended to the parent's environment.
	Env []string

	// Dir is the working directory. Empty means the parent's.
	Dir string

	// ShutdownTimeout bounds the wait for a graceful exit after stdin is
	// closed. The process is killed afterwards. Defaults to 5s.
	ShutdownTimeout time.Duration

	// Logger receives the child's stderr, one record per line.
	Logger *slog.Logger
}

// Process is a Conn to a child process speaking framed stdio.
//
// Thread Safety: Same as Stream.
type Process struct {
	*Stream

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	timeout time.Duration
	logger  *slog.Logger

	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
	closeErr  error
}

// StartProcess launches a worker child process.
//
// Description:
//
//	Resolves the command, wires stdin/stdout as the frame stream and
//	forwards stderr to the logger. The process is not tied to ctx; use
//	Close to stop it. ctx only bounds the start itself.
//
// Outputs:
//
//	*Process - The running process.
//	error - ErrUnsupported (wrapped) if the command cannot be found, or
//	        the start error.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupported, cfg.Command, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	cmd := exec.Command(path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	// A plain os.Pipe keeps our read end open across cmd.Wait, so frames
	// written just before exit are still delivered.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = &lineLogger{logger: logger.With(slog.String("stream", "worker_stderr"))}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}
	_ = stdoutW.Close()

	p := &Process{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdoutR,
		timeout: timeout,
		logger:  logger,
		exited:  make(chan struct{}),
	}
	p.Stream = NewStream(stdoutR, stdin)

	go func() {
		p.exitErr = cmd.Wait()
		close(p.exited)
	}()

	logger.Info("worker process started",
		slog.String("command", path),
		slog.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

// Recv returns the next frame. When the stream ends because the process
// exited, the exit status is included in the error.
func (p *Process) Recv(ctx context.Context) ([]byte, error) {
	frame, err := p.Stream.Recv(ctx)
	if err == nil || ctx.Err() != nil || errors.Is(err, ErrClosed) {
		return frame, err
	}

	select {
	case <-p.exited:
		if p.exitErr != nil {
			return nil, fmt.Errorf("worker process exited: %w (%v)", err, p.exitErr)
		}
		return nil, fmt.Errorf("worker process exited: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil, err
	}
}

// Close stops the child process.
//
// Description:
//
//	Closes stdin so the worker sees EOF and exits on its own, waits up to
//	ShutdownTimeout, then kills it.
//
// Thread Safety: Safe for concurrent use. Multiple calls are idempotent.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.Stream.pump.close()
		_ = p.stdin.Close()

		select {
		case <-p.exited:
		case <-time.After(p.timeout):
			p.logger.Warn("worker process did not exit, killing",
				slog.Int("pid", p.cmd.Process.Pid),
				slog.Duration("timeout", p.timeout),
			)
			_ = p.cmd.Process.Kill()
			<-p.exited
		}

		p.closeErr = p.stdout.Close()
	})
	return p.closeErr
}

// Pid returns the child's process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// lineLogger logs each complete line written to it.
type lineLogger struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (l *lineLogger) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(b)
	for {
		line, err := l.buf.ReadBytes('\n')
		if err != nil {
			// Keep the partial line for the next write.
			l.buf.Write(line)
			break
		}
		if text := bytes.TrimRight(line, "\r\n"); len(text) > 0 {
			l.logger.Info(string(text))
		}
	}
	return len(b), nil
}
