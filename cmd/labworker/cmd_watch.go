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
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/labworker/pkg/ux"
	"github.com/AleutianAI/labworker/services/offload/debounce"
	"github.com/AleutianAI/labworker/services/offload/message"
)

// runWatch recompiles dir after each burst of Go file changes. Only the
// last change in a debounce window triggers a compile.
func (a *app) runWatch(cmd *cobra.Command, dir string) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	c, err := a.newController(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	failures := make(chan string, 1)
	unsubscribe := c.OnFailed(func(msg string) {
		select {
		case failures <- msg:
		default:
		}
	})
	defer unsubscribe()
	rec := newRecovery(c, a.out, a.log, !a.out.Plain() && ux.IsInteractive())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	type outcome struct {
		asm message.CompiledAssembly
		err error
	}
	outcomes := make(chan outcome)
	deb := debounce.New(a.cfg.Debounce.Delay)

	trigger := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			asm, err := debounce.Run(ctx, deb, func(ctx context.Context) (message.CompiledAssembly, error) {
				input, err := readInput([]string{dir})
				if err != nil {
					return message.CompiledAssembly{}, err
				}
				return c.Compile(ctx, input)
			})
			if errors.Is(err, debounce.ErrSuperseded) {
				return
			}
			select {
			case outcomes <- outcome{asm, err}:
			case <-ctx.Done():
			}
		}()
	}

	a.out.Info("watching " + dir)
	trigger()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if isSourceFile(filepath.Base(ev.Name)) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				a.log.Debug("source changed", slog.String("file", ev.Name), slog.String("op", ev.Op.String()))
				trigger()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Warn("watch error", slog.String("error", err.Error()))

		case msg := <-failures:
			rec.handle(ctx, msg)
			trigger()

		case o := <-outcomes:
			if o.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.out.Error(describe(o.err).Error())
				continue
			}
			_ = a.printAssembly(o.asm)
		}
	}
}
