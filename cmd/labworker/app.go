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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/labworker/pkg/logging"
	"github.com/AleutianAI/labworker/pkg/ux"
	"github.com/AleutianAI/labworker/services/golab"
	"github.com/AleutianAI/labworker/services/offload/config"
	"github.com/AleutianAI/labworker/services/offload/controller"
	"github.com/AleutianAI/labworker/services/offload/hoststate"
	"github.com/AleutianAI/labworker/services/offload/message"
	"github.com/AleutianAI/labworker/services/telemetry"
)

// selfCommand in worker.command means this executable.
const selfCommand = "labworker"

// app carries flags and the process-scoped services every command shares.
type app struct {
	// Persistent flags.
	configPath string
	mode       string
	noWorker   bool
	logLevel   string
	plain      bool

	// Command flags.
	addr       string
	outputType string
	goVersion  string
	arch       string

	cfg      config.Config
	logger   *logging.Logger
	log      *slog.Logger
	host     *hoststate.State
	out      *ux.Printer
	shutdown func(context.Context) error
}

// setup loads configuration and starts logging and telemetry.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.mode != "" {
		cfg.Worker.Mode = a.mode
	}
	if a.noWorker {
		cfg.Worker.Enabled = false
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "labworker",
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	a.log = a.logger.Slog()

	a.host = hoststate.New()
	a.host.Subscribe(func(s hoststate.Snapshot) {
		if s.WorkerError != "" {
			a.log.Warn("worker error recorded",
				slog.String("error", s.WorkerError),
				slog.Time("at", s.WorkerFailedAt),
			)
		}
	})

	a.out = ux.NewPrinter(cmd.OutOrStdout(), a.plain || !ux.IsTerminal(os.Stdout))

	a.shutdown, err = telemetry.Init(cmd.Context(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}
	return nil
}

// close flushes telemetry and the log file.
func (a *app) close() error {
	var errs []error
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.shutdown(ctx))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// factory returns the worker factory for the configured mode.
func (a *app) factory() (controller.Factory, error) {
	switch a.cfg.Worker.Mode {
	case config.ModeProcess:
		pc := a.cfg.Process()
		if pc.Command == selfCommand {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locate labworker executable: %w", err)
			}
			pc.Command = exe
		}
		if a.configPath != "" {
			pc.Args = append(append([]string(nil), pc.Args...), "--config", a.configPath)
		}
		pc.Logger = a.log.With(slog.String("component", "worker.stderr"))
		return controller.ProcessFactory(pc), nil
	case config.ModeInProcess:
		compiler := golab.NewCompiler(a.log)
		return controller.InProcessFactory(compiler, golab.NewWorkspace(compiler, a.log), a.log), nil
	case config.ModeWebSocket:
		return controller.WebSocketFactory(a.cfg.Worker.URL, nil), nil
	default:
		return nil, fmt.Errorf("%w: unknown worker mode %q", config.ErrInvalid, a.cfg.Worker.Mode)
	}
}

// newController builds a controller with golab as the fallback and
// applies the --go and --arch selection.
func (a *app) newController(ctx context.Context) (*controller.Controller, error) {
	factory, err := a.factory()
	if err != nil {
		return nil, err
	}
	compiler := golab.NewCompiler(a.log)
	c := controller.New(a.cfg.Controller(),
		controller.WithFactory(factory),
		controller.WithFallback(compiler, golab.NewWorkspace(compiler, a.log)),
		controller.WithLogger(a.log),
		controller.WithHostState(a.host),
	)

	if a.goVersion != "" || a.arch != "" {
		version := a.goVersion
		if version == "" {
			info, err := c.GetCompilerDependencyInfo(ctx, message.CompilerGo)
			if err != nil {
				c.Close()
				return nil, err
			}
			version = info.Version
		}
		if _, err := c.UseCompilerVersion(ctx, message.CompilerGo, version, a.arch); err != nil {
			c.Close()
			return nil, describe(err)
		}
	}
	return c, nil
}

// describe appends a remote failure's detail to its message.
func describe(err error) error {
	var remote *controller.RemoteError
	if errors.As(err, &remote) && remote.Detail != "" {
		return fmt.Errorf("%w (%s)", err, remote.Detail)
	}
	return err
}
