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
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/labworker/pkg/ux"
	"github.com/AleutianAI/labworker/services/offload/controller"
)

const (
	// recoveryInterval and recoveryBurst bound automatic restarts.
	recoveryInterval = 30 * time.Second
	recoveryBurst    = 3
)

// recovery reacts to a worker failure. On a terminal it asks whether to
// restart; otherwise it restarts while the rate budget lasts. Declining,
// or running out of budget, switches the controller to in-process
// execution.
type recovery struct {
	ctrl        *controller.Controller
	out         *ux.Printer
	log         *slog.Logger
	limiter     *rate.Limiter
	interactive bool
	confirm     func(title, description, yes, no string) (bool, error)
}

func newRecovery(c *controller.Controller, out *ux.Printer, logger *slog.Logger, interactive bool) *recovery {
	return &recovery{
		ctrl:        c,
		out:         out,
		log:         logger,
		limiter:     rate.NewLimiter(rate.Every(recoveryInterval), recoveryBurst),
		interactive: interactive,
		confirm:     ux.Confirm,
	}
}

// handle runs on the command's goroutine, never inside an OnFailed
// callback.
func (r *recovery) handle(ctx context.Context, msg string) {
	r.out.ErrorBox("Worker failed", msg)

	var restart bool
	if r.interactive {
		ok, err := r.confirm("Restart the worker?", msg, "Restart", "Run in-process")
		if err != nil {
			r.log.Warn("recovery prompt failed", slog.String("error", err.Error()))
		}
		restart = ok
	} else {
		restart = r.limiter.Allow()
		if !restart {
			r.log.Warn("worker restart budget spent", slog.Duration("interval", recoveryInterval))
		}
	}

	if !restart {
		r.ctrl.SetWorkerEnabled(false)
		r.out.Warning("continuing in-process")
		return
	}
	if err := r.ctrl.RecreateWorker(ctx); err != nil {
		r.ctrl.SetWorkerEnabled(false)
		r.out.Warning("restart failed, continuing in-process: " + err.Error())
		return
	}
	r.out.Success("worker restarted")
}
