// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func noneConfig() Config {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()

	if cfg.ServiceName != "labworker" {
		t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, "labworker")
	}
	if cfg.TraceExporter != "none" {
		t.Errorf("TraceExporter = %q, want %q", cfg.TraceExporter, "none")
	}
	if cfg.MetricExporter != "prometheus" {
		t.Errorf("MetricExporter = %q, want %q", cfg.MetricExporter, "prometheus")
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("SampleRate = %v, want 1.0", cfg.SampleRate)
	}
}

func TestDefaultConfig_EnvOverride(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	if got := DefaultConfig().TraceExporter; got != "stdout" {
		t.Errorf("TraceExporter = %q, want stdout", got)
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, noneConfig())
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("Init(nil) error = %v, want %v", err, ErrNilContext)
	}
}

func TestInit_None(t *testing.T) {
	shutdown, err := Init(context.Background(), noneConfig())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInit_StdoutTraceWritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	cfg := noneConfig()
	cfg.TraceExporter = "stdout"
	cfg.Writer = &buf

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, span := StartSpan(context.Background(), "test", "unit-span")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "unit-span") {
		t.Errorf("expected span in writer output, got %q", buf.String())
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := noneConfig()
	cfg.TraceExporter = "zipkin"
	if _, err := Init(context.Background(), cfg); !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("trace: error = %v, want %v", err, ErrUnknownExporter)
	}

	cfg = noneConfig()
	cfg.MetricExporter = "statsd"
	if _, err := Init(context.Background(), cfg); !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("metric: error = %v, want %v", err, ErrUnknownExporter)
	}
}

func TestInit_PrometheusHandler(t *testing.T) {
	cfg := noneConfig()
	cfg.MetricExporter = "prometheus"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	counter, err := otel.Meter("test").Int64Counter("labworker_test_total")
	if err != nil {
		t.Fatalf("Int64Counter() error = %v", err)
	}
	counter.Add(context.Background(), 1)

	handler := MetricsHandler()
	if handler == nil {
		t.Fatal("MetricsHandler() = nil after prometheus init")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "labworker_test_total") {
		t.Errorf("metric missing from /metrics output")
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.5, "TraceIDRatioBased"},
	}
	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("sampler(%v) = %q, want it to mention %q", tt.rate, got, tt.want)
		}
	}
}

func TestMapPropagation_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cfg := noneConfig()
	cfg.TraceExporter = "stdout"
	cfg.Writer = &buf
	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "test", "parent")
	defer span.End()

	carrier := InjectToMap(ctx, nil)
	if carrier["traceparent"] == "" {
		t.Fatal("expected traceparent in carrier")
	}

	extracted := ExtractFromMap(context.Background(), carrier)
	if got, want := TraceID(extracted), TraceID(ctx); got != want {
		t.Errorf("extracted trace ID = %q, want %q", got, want)
	}
}

func TestExtractFromMap_Empty(t *testing.T) {
	ctx := ExtractFromMap(context.Background(), nil)
	if trace.SpanContextFromContext(ctx).IsValid() {
		t.Error("expected no span context from empty carrier")
	}
	if TraceID(ctx) != "" {
		t.Error("expected empty trace ID")
	}
}

func TestMapCarrier(t *testing.T) {
	c := MapCarrier{}
	c.Set("a", "1")
	if c.Get("a") != "1" || c.Get("b") != "" {
		t.Errorf("unexpected carrier contents: %v", c)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "a" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestRecordError_Nil(t *testing.T) {
	_, span := StartSpan(context.Background(), "test", "noop")
	defer span.End()
	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
	SetSpanOK(span)
}
