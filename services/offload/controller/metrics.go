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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/labworker/services/offload/message"
)

var (
	tracer = otel.Tracer("labworker.controller")
	meter  = otel.Meter("labworker.controller")
)

// Lifecycle and correlation counters, exported on /metrics.
var (
	workersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labworker_workers_created_total",
		Help: "Worker instances that reached the active state",
	})

	workersRecreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labworker_workers_recreated_total",
		Help: "Explicit worker recreations",
	})

	workerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labworker_worker_failures_total",
		Help: "Worker failures reported to the host",
	})

	pendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labworker_pending_requests",
		Help: "Requests waiting for a worker response",
	})

	fallbackRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labworker_fallback_requests_total",
		Help: "Requests served by the in-process fallback",
	})

	staleResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labworker_stale_responses_total",
		Help: "Responses dropped because no caller was waiting for their ID",
	})

	protocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labworker_protocol_violations_total",
		Help: "Undecodable frames received from a worker",
	})

	pingsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labworker_watchdog_pings_total",
		Help: "Watchdog pings sent",
	})
)

// Latency histograms go through the otel meter so they follow the
// configured metric exporter.
var (
	requestLatency metric.Float64Histogram
	startupLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		requestLatency, metricsErr = meter.Float64Histogram(
			"labworker_request_duration_seconds",
			metric.WithDescription("Duration of controller requests"),
			metric.WithUnit("s"),
		)
		if metricsErr != nil {
			return
		}
		startupLatency, metricsErr = meter.Float64Histogram(
			"labworker_worker_startup_seconds",
			metric.WithDescription("Time from transport creation to an active worker"),
			metric.WithUnit("s"),
		)
	})
	return metricsErr
}

func recordRequest(ctx context.Context, kind message.Kind, path, outcome string, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	requestLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	))
}

func recordStartup(ctx context.Context, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	startupLatency.Record(ctx, d.Seconds())
}
