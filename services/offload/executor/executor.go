// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor maps request kinds to handlers and turns every handler
// outcome into a message.Response.
//
// The same Executor type runs inside a worker and on the controller's
// fallback path, so both modes share one dispatch table.
//
// # Outcomes
//
//   - handler value:          Success (or Empty for handlers without a result)
//   - handler error or panic: Failure{message, detail}
//   - cancelled by Cancel:    Cancelled
//
// Nothing a handler does can make Handle return an error or panic.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/labworker/services/offload/message"
	"github.com/AleutianAI/labworker/services/telemetry"
)

// =============================================================================
// Handler Interfaces
// =============================================================================

// Compiler produces compiled output.
type Compiler interface {
	Compile(ctx context.Context, input message.CompileInput) (message.CompiledAssembly, error)
	GetOutput(ctx context.Context, args message.GetOutputArgs) (string, error)
	UseCompilerVersion(ctx context.Context, args message.UseCompilerVersionArgs) (bool, error)
	GetCompilerDependencyInfo(ctx context.Context, kind message.CompilerKind) (message.CompilerDependencyInfo, error)
	GetSdkInfo(ctx context.Context, version string) (message.SdkInfo, error)
}

// LanguageServices answers editor queries over a workspace of models.
type LanguageServices interface {
	ProvideCompletionItems(ctx context.Context, args message.PositionArgs) (message.CompletionList, error)
	ResolveCompletionItem(ctx context.Context, args message.ResolveCompletionArgs) (message.CompletionItem, error)
	ProvideSemanticTokens(ctx context.Context, args message.ModelArgs) (message.SemanticTokens, error)
	ProvideCodeActions(ctx context.Context, args message.CodeActionArgs) ([]message.CodeAction, error)
	ProvideHover(ctx context.Context, args message.PositionArgs) (*message.Hover, error)
	ProvideSignatureHelp(ctx context.Context, args message.PositionArgs) (*message.SignatureHelp, error)
	OnDidChangeWorkspace(ctx context.Context, change message.WorkspaceChange) error
	OnDidChangeModel(ctx context.Context, model message.Model) error
	OnDidChangeModelContent(ctx context.Context, change message.ModelContentChange) error
	GetDiagnostics(ctx context.Context, args message.ModelArgs) ([]message.Marker, error)
}

// Detailer is implemented by errors that carry extra diagnostic text for
// FailureInfo.Detail.
type Detailer interface {
	Detail() string
}

// ErrUnknownKind is reported in a Failure for a kind with no handler.
var ErrUnknownKind = errors.New("unknown request kind")

// =============================================================================
// Metrics
// =============================================================================

var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "labworker_executor_requests_total",
		Help: "Requests handled by an executor, by kind and outcome",
	},
	[]string{"kind", "outcome"},
)

// =============================================================================
// Executor
// =============================================================================

type handlerFunc func(ctx context.Context, req message.Request) (any, error)

// Executor dispatches requests to handlers.
//
// Thread Safety: Safe for concurrent use. Cancelable requests may run in
// parallel; each is tracked in the registry under its own ID.
type Executor struct {
	table    map[message.Kind]handlerFunc
	registry *Registry
	logger   *slog.Logger
}

// New builds an Executor over the given handlers.
//
// Inputs:
//
//	compiler - Compilation handlers. Must not be nil.
//	lang - Language service handlers. Must not be nil.
//	logger - Logger; nil uses slog.Default().
func New(compiler Compiler, lang LanguageServices, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		registry: NewRegistry(),
		logger:   logger.With(slog.String("component", "executor")),
	}

	e.table = map[message.Kind]handlerFunc{
		message.KindPing: func(context.Context, message.Request) (any, error) { return nil, nil },

		message.KindCompile:            typed(compiler.Compile),
		message.KindGetOutput:          typed(compiler.GetOutput),
		message.KindUseCompilerVersion: typed(compiler.UseCompilerVersion),
		message.KindGetCompilerDependencyInfo: typed(func(ctx context.Context, a message.KindArgs) (message.CompilerDependencyInfo, error) {
			return compiler.GetCompilerDependencyInfo(ctx, a.Kind)
		}),
		message.KindGetSdkInfo: typed(func(ctx context.Context, a message.VersionArgs) (message.SdkInfo, error) {
			return compiler.GetSdkInfo(ctx, a.Version)
		}),

		message.KindProvideCompletionItems: typed(lang.ProvideCompletionItems),
		message.KindResolveCompletionItem:  typed(lang.ResolveCompletionItem),
		message.KindProvideSemanticTokens:  typed(lang.ProvideSemanticTokens),
		message.KindProvideCodeActions:     typed(lang.ProvideCodeActions),
		message.KindProvideHover:           typed(lang.ProvideHover),
		message.KindProvideSignatureHelp:   typed(lang.ProvideSignatureHelp),

		message.KindOnDidChangeWorkspace:    notify(lang.OnDidChangeWorkspace),
		message.KindOnDidChangeModel:        notify(lang.OnDidChangeModel),
		message.KindOnDidChangeModelContent: notify(lang.OnDidChangeModelContent),

		message.KindGetDiagnostics: typed(lang.GetDiagnostics),
	}

	return e
}

// Registry returns the executor's cancellation registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Handle runs req to completion and returns its response.
func (e *Executor) Handle(ctx context.Context, req message.Request) message.Response {
	return e.Prepare(ctx, req)()
}

// Prepare does the synchronous part of dispatch and returns the rest.
//
// Description:
//
//	For a cancelable kind the cancel handle is registered before Prepare
//	returns, so a Cancel processed after Prepare always finds it. A
//	Cancel request is carried out immediately. The returned function runs
//	the handler and may be called on another goroutine; it must be
//	called exactly once.
//
// Inputs:
//
//	ctx - Parent context for the handler.
//	req - The decoded request.
//
// Outputs:
//
//	func() message.Response - Runs the handler and builds the response.
func (e *Executor) Prepare(ctx context.Context, req message.Request) func() message.Response {
	if req.Kind == message.KindCancel {
		resp := e.cancel(req)
		return func() message.Response { return resp }
	}

	handler, ok := e.table[req.Kind]
	if !ok {
		requestsTotal.WithLabelValues("unknown", "failure").Inc()
		resp := message.Failure(req.ID, fmt.Sprintf("%v: %q", ErrUnknownKind, req.Kind), "")
		return func() message.Response { return resp }
	}

	if !req.Kind.Cancelable() {
		return func() message.Response { return e.run(ctx, req, handler, nil) }
	}

	scopedCtx, scope := e.registry.Begin(ctx, req.ID)
	return func() message.Response {
		defer scope.Close()
		return e.run(scopedCtx, req, handler, scope)
	}
}

func (e *Executor) cancel(req message.Request) message.Response {
	args, err := message.Args[message.CancelArgs](req)
	if err != nil {
		return message.Failure(req.ID, fmt.Sprintf("invalid cancel payload: %v", err), "")
	}
	if e.registry.Cancel(args.TargetID) {
		e.logger.Debug("request cancelled", slog.Int64("target_id", args.TargetID))
	}
	return message.Empty(req.ID)
}

func (e *Executor) run(ctx context.Context, req message.Request, handler handlerFunc, scope *Scope) (resp message.Response) {
	ctx = telemetry.ExtractFromMap(ctx, req.Trace)
	ctx, span := telemetry.StartSpan(ctx, "labworker.executor", "executor."+string(req.Kind),
		trace.WithAttributes(
			attribute.Int64("request.id", req.ID),
			attribute.String("request.kind", string(req.Kind)),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked",
				slog.Int64("id", req.ID),
				slog.String("kind", string(req.Kind)),
				slog.Any("panic", r),
			)
			resp = message.Failure(req.ID, fmt.Sprintf("internal error: %v", r), string(debug.Stack()))
		}
		requestsTotal.WithLabelValues(string(req.Kind), string(resp.Type)).Inc()
		span.SetAttributes(attribute.String("response.type", string(resp.Type)))
	}()

	value, err := handler(ctx, req)

	// A cancelled scope wins over whatever the handler returned.
	if scope != nil && ctx.Err() != nil {
		return message.Cancelled(req.ID)
	}

	if err != nil {
		telemetry.RecordError(span, err)
		detail := ""
		var d Detailer
		if errors.As(err, &d) {
			detail = d.Detail()
		}
		return message.Failure(req.ID, err.Error(), detail)
	}

	telemetry.SetSpanOK(span)
	if value == nil {
		return message.Empty(req.ID)
	}
	return message.Success(req.ID, value)
}

// typed adapts a handler taking A and returning R.
func typed[A, R any](fn func(context.Context, A) (R, error)) handlerFunc {
	return func(ctx context.Context, req message.Request) (any, error) {
		args, err := message.Args[A](req)
		if err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", req.Kind, err)
		}
		return fn(ctx, args)
	}
}

// notify adapts a handler that produces no result.
func notify[A any](fn func(context.Context, A) error) handlerFunc {
	return func(ctx context.Context, req message.Request) (any, error) {
		args, err := message.Args[A](req)
		if err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", req.Kind, err)
		}
		return nil, fn(ctx, args)
	}
}
