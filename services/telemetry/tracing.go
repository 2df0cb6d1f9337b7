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
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a span on the named tracer. Caller must call span.End().
func StartSpan(ctx context.Context, tracerName, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
}

// RecordError records err on span and marks the span as failed.
// A nil err is ignored.
func RecordError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if err == nil {
		return
	}
	var opts []trace.EventOption
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// TraceID returns the hex trace ID in ctx, or "" if there is none.
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}

// MapCarrier implements propagation.TextMapCarrier for map[string]string.
// Request.Trace uses it to carry trace context across the worker boundary.
type MapCarrier map[string]string

var _ propagation.TextMapCarrier = MapCarrier(nil)

// Get returns the value for a key.
func (c MapCarrier) Get(key string) string { return c[key] }

// Set sets a key-value pair.
func (c MapCarrier) Set(key, value string) { c[key] = value }

// Keys returns all keys in the carrier.
func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectToMap injects the trace context of ctx into carrier.
//
// Description:
//
//	If carrier is nil a new map is allocated. When ctx carries no span the
//	returned map may be empty; callers storing it on the wire should treat
//	an empty map as absent.
//
// Thread Safety: Safe for concurrent use.
func InjectToMap(ctx context.Context, carrier map[string]string) map[string]string {
	if carrier == nil {
		carrier = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, MapCarrier(carrier))
	return carrier
}

// ExtractFromMap returns ctx extended with the trace context in carrier.
// A nil or empty carrier returns ctx unchanged.
//
// Thread Safety: Safe for concurrent use.
func ExtractFromMap(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, MapCarrier(carrier))
}
