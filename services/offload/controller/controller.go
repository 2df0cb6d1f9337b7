// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controller issues requests to an isolated worker and correlates
// the responses with their callers.
//
// # Overview
//
// The Controller owns correlation ID allocation, the worker lifecycle, the
// watchdog and the fallback path:
//
//	caller ─► Send ─┬─► Worker.call ─► transport ─► worker Executor ─┐
//	                │        ▲                                        │
//	                │        └──────────── inbox ◄─── reader ◄────────┘
//	                └─► fallback Executor (worker disabled or unsupported)
//
// Requests go out in the order they were issued and the worker answers in
// the same order, which is what lets the inbox correlate by peeking at the
// head of the response sequence.
//
// # Failure
//
// When the transport breaks, every pending caller receives a broadcast
// failure, the Failed subscribers are notified once, and the worker stays
// failed until RecreateWorker.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/labworker/services/offload/executor"
	"github.com/AleutianAI/labworker/services/offload/hoststate"
	"github.com/AleutianAI/labworker/services/offload/message"
	"github.com/AleutianAI/labworker/services/offload/transport"
	"github.com/AleutianAI/labworker/services/telemetry"
)

// =============================================================================
// Configuration
// =============================================================================

// Config controls worker behavior.
type Config struct {
	// WorkerEnabled selects the worker transport. When false every call
	// runs on the in-process fallback.
	WorkerEnabled bool

	// StartupTimeout bounds the wait for the worker's Ready signal.
	// Zero waits indefinitely.
	StartupTimeout time.Duration

	// WatchdogInterval is the ping period. Zero disables the watchdog.
	WatchdogInterval time.Duration

	// UnresponsiveTimeout fails the worker when a ping stays unanswered
	// for longer. Pings queue behind compilations on the worker, so keep
	// it well above the slowest compile. Zero only pings and relies on
	// transport errors.
	UnresponsiveTimeout time.Duration
}

// DefaultConfig returns the defaults used when no configuration file is
// present.
func DefaultConfig() Config {
	return Config{
		WorkerEnabled:       true,
		StartupTimeout:      30 * time.Second,
		WatchdogInterval:    5 * time.Second,
		UnresponsiveTimeout: 3 * time.Minute,
	}
}

// Factory creates the transport to a new worker instance.
//
// A factory returns an error wrapping transport.ErrUnsupported when the
// host cannot run a worker; the controller then uses the fallback.
type Factory func(ctx context.Context) (transport.Conn, error)

// Option configures a Controller.
type Option func(*Controller)

// WithFactory sets the worker transport factory.
func WithFactory(f Factory) Option {
	return func(c *Controller) { c.factory = f }
}

// WithFallback sets the handlers used when no worker is available.
func WithFallback(compiler executor.Compiler, lang executor.LanguageServices) Option {
	return func(c *Controller) {
		c.fallbackCompiler = compiler
		c.fallbackLang = lang
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithHostState sets the host state that records worker failures.
func WithHostState(state *hoststate.State) Option {
	return func(c *Controller) { c.host = state }
}

// =============================================================================
// Controller
// =============================================================================

// Controller routes requests to a worker or the fallback executor.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	host   *hoststate.State

	factory          Factory
	fallbackCompiler executor.Compiler
	fallbackLang     executor.LanguageServices
	fallbackOnce     sync.Once
	fallback         *executor.Executor
	fallbackStale    atomic.Bool

	nextID atomic.Int64
	group  singleflight.Group

	// lifeMu serializes creation, recreation and disposal.
	lifeMu sync.Mutex

	mu          sync.Mutex
	state       State
	enabled     bool
	unsupported bool
	closed      bool
	current     *Worker
	starting    *Worker
	createErr   error
	selections  map[message.CompilerKind]message.UseCompilerVersionArgs
	models      map[string]string // nil until the host announces a model
	subscribers map[uint64]func(string)
	nextSub     uint64
}

// New creates a Controller. No worker is started until the first call.
//
// Inputs:
//
//	cfg - Worker configuration.
//	opts - Factory, fallback handlers, logger and host state.
//
// Outputs:
//
//	*Controller - The controller. Call Close when done.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:         cfg,
		enabled:     cfg.WorkerEnabled,
		selections:  make(map[message.CompilerKind]message.UseCompilerVersionArgs),
		subscribers: make(map[uint64]func(string)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "controller"))
	if c.host == nil {
		c.host = hoststate.New()
	}
	c.fallbackStale.Store(true)
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WorkerEnabled reports whether worker mode is on.
func (c *Controller) WorkerEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// HostState returns the host state the controller reports failures to.
func (c *Controller) HostState() *hoststate.State {
	return c.host
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("worker state changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// OnFailed subscribes fn to worker failures. fn receives a human-readable
// error string, once per failed worker instance, on its own goroutine.
func (c *Controller) OnFailed(fn func(msg string)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// GetOrCreateWorker returns the current worker, creating it on first use.
//
// Description:
//
//	Concurrent callers share one creation attempt. Creation starts the
//	transport, waits for the Ready signal, replays remembered compiler
//	selections and workspace models, and starts the watchdog. Cancelling
//	ctx stops the wait, not the creation. A worker that failed is returned
//	as is until RecreateWorker; a failed creation keeps returning its
//	error.
//
// Outputs:
//
//	*Worker - The worker instance.
//	error - The creation error, transport.ErrUnsupported (wrapped) when the
//	        host cannot run a worker, ErrWorkerDisposed after Close, or
//	        ctx.Err().
func (c *Controller) GetOrCreateWorker(ctx context.Context) (*Worker, error) {
	for {
		if w, ok, err := c.existing(); ok {
			return w, err
		}

		ch := c.group.DoChan("worker", func() (any, error) {
			c.lifeMu.Lock()
			defer c.lifeMu.Unlock()

			if w, ok, err := c.existing(); ok {
				return w, err
			}
			return c.createLocked(context.WithoutCancel(ctx))
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			// A shared attempt may hand back a worker that a recreate
			// disposed before this caller joined; create again.
			w := res.Val.(*Worker)
			if c.isCurrent(w) {
				return w, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Controller) isCurrent(w *Worker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == w
}

// existing reports the stored outcome of a previous creation.
func (c *Controller) existing() (*Worker, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, true, ErrWorkerDisposed
	case c.current != nil:
		return c.current, true, nil
	case c.createErr != nil:
		return nil, true, c.createErr
	}
	return nil, false, nil
}

// createLocked runs the creation sequence. Caller holds lifeMu.
func (c *Controller) createLocked(ctx context.Context) (*Worker, error) {
	if c.factory == nil {
		return nil, fmt.Errorf("%w: no worker factory", transport.ErrUnsupported)
	}

	ctx, span := tracer.Start(ctx, "controller.CreateWorker")
	defer span.End()
	start := time.Now()

	c.setState(StateStarting)

	conn, err := c.factory(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(err, transport.ErrUnsupported) {
			c.mu.Lock()
			c.unsupported = true
			c.state = StateUninitialized
			c.mu.Unlock()
			c.logger.Info("worker unsupported, using in-process fallback", slog.String("reason", err.Error()))
			return nil, err
		}
		err = fmt.Errorf("%w: start: %w", ErrWorkerFailed, err)
		c.mu.Lock()
		c.createErr = err
		c.mu.Unlock()
		c.reportFailure(nil, err)
		return nil, err
	}

	w := newWorker(conn, &c.nextID, c.logger, c.handleFailure)
	span.SetAttributes(attribute.String("worker.id", w.ID()))

	// Callers only see the worker once it is Active, so no request can
	// overtake the replayed selections. A failed start is published too,
	// so later calls fail fast until RecreateWorker.
	c.mu.Lock()
	c.starting = w
	c.mu.Unlock()
	publish := func() {
		c.mu.Lock()
		c.starting = nil
		c.current = w
		c.mu.Unlock()
	}

	if err := w.awaitReady(ctx, c.cfg.StartupTimeout); err != nil {
		telemetry.RecordError(span, err)
		w.fail(err)
		publish()
		return nil, fmt.Errorf("%w: %w", ErrWorkerFailed, err)
	}
	c.setState(StateReady)

	c.replaySelections(ctx, w)
	c.replayWorkspace(ctx, w)

	publish()
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkerFailed, err)
	}
	c.setState(StateActive)
	w.startWatchdog(c.cfg.WatchdogInterval, c.cfg.UnresponsiveTimeout)

	workersCreated.Inc()
	recordStartup(ctx, time.Since(start))
	telemetry.SetSpanOK(span)
	c.logger.Info("worker active",
		slog.String("worker_id", w.ID()),
		slog.Duration("startup", time.Since(start)),
	)
	return w, nil
}

// replaySelections applies remembered compiler selections so a new worker
// matches the one it replaces.
func (c *Controller) replaySelections(ctx context.Context, w *Worker) {
	for _, args := range c.snapshotSelections() {
		resp, err := w.call(ctx, message.KindUseCompilerVersion, args)
		if err == nil && resp.Type == message.TypeFailure {
			err = errors.New(resp.Failure.Message)
		}
		if err != nil {
			c.logger.Warn("replaying compiler selection failed",
				slog.String("kind", string(args.Kind)),
				slog.String("version", args.Version),
				slog.String("error", err.Error()),
			)
		}
	}
}

// replayWorkspace sends the remembered models to a new worker, which
// starts with an empty workspace.
func (c *Controller) replayWorkspace(ctx context.Context, w *Worker) {
	change, ok := c.snapshotWorkspace()
	if !ok || len(change.Models) == 0 {
		return
	}
	if _, err := w.call(ctx, message.KindOnDidChangeWorkspace, change); err != nil {
		c.logger.Warn("replaying workspace failed", slog.String("error", err.Error()))
	}
}

// snapshotWorkspace returns the remembered models sorted by URI. ok is
// false when the host never announced a model.
func (c *Controller) snapshotWorkspace() (message.WorkspaceChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models == nil {
		return message.WorkspaceChange{}, false
	}
	change := message.WorkspaceChange{Models: make([]message.Model, 0, len(c.models))}
	for _, uri := range slices.Sorted(maps.Keys(c.models)) {
		change.Models = append(change.Models, message.Model{URI: uri, Text: c.models[uri]})
	}
	return change, true
}

func (c *Controller) snapshotSelections() []message.UseCompilerVersionArgs {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.UseCompilerVersionArgs, 0, len(c.selections))
	for _, args := range c.selections {
		out = append(out, args)
	}
	return out
}

// handleFailure is called once by each failing worker.
func (c *Controller) handleFailure(w *Worker, cause error) {
	c.mu.Lock()
	owned := c.current == w || c.starting == w
	c.mu.Unlock()

	if !owned {
		return
	}
	c.reportFailure(w, cause)
}

func (c *Controller) reportFailure(w *Worker, cause error) {
	c.setState(StateFailed)
	workerFailures.Inc()

	msg := cause.Error()
	c.host.SetWorkerError(msg)

	c.mu.Lock()
	subs := make([]func(string), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	attrs := []any{slog.String("error", msg)}
	if w != nil {
		attrs = append(attrs, slog.String("worker_id", w.ID()))
	}
	c.logger.Error("worker failed", attrs...)

	// Subscribers may call RecreateWorker, which waits for the failing
	// worker's reader; running them here would deadlock.
	for _, fn := range subs {
		go fn(msg)
	}
}

// RecreateWorker replaces the current worker with a new one.
//
// Description:
//
//	Under the lifecycle lock: stops the watchdog, closes the old
//	transport, discards its queued responses and releases its waiters with
//	ErrWorkerDisposed. Then runs the creation sequence again through
//	GetOrCreateWorker, so cancelling ctx abandons the wait with
//	ErrCanceled while the new worker keeps starting. With worker mode
//	disabled it only disposes.
func (c *Controller) RecreateWorker(ctx context.Context) error {
	if !c.reset() {
		return ErrWorkerDisposed
	}

	if !c.WorkerEnabled() {
		return nil
	}
	_, err := c.GetOrCreateWorker(ctx)
	switch {
	case err == nil, errors.Is(err, transport.ErrUnsupported):
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return canceled(ctx)
	}
	return err
}

// reset disposes the current worker and forgets the outcome of its
// creation. It reports false after Close.
func (c *Controller) reset() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.isClosed() {
		return false
	}

	c.disposeLocked()
	c.host.ClearWorkerError()
	workersRecreated.Inc()

	c.mu.Lock()
	c.createErr = nil
	c.unsupported = false
	c.mu.Unlock()
	return true
}

// disposeLocked tears down the current worker. Caller holds lifeMu.
func (c *Controller) disposeLocked() {
	c.mu.Lock()
	w := c.current
	c.current = nil
	c.mu.Unlock()

	if w == nil {
		return
	}

	c.setState(StateDisposing)
	if err := w.dispose(); err != nil {
		c.logger.Warn("closing worker transport", slog.String("error", err.Error()))
	}
	c.setState(StateDisposed)
	c.logger.Info("worker disposed", slog.String("worker_id", w.ID()))
}

// SetWorkerEnabled switches between the worker and the in-process
// fallback. Disabling disposes the current worker; enabling creates one
// lazily on the next call.
func (c *Controller) SetWorkerEnabled(enabled bool) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	changed := c.enabled != enabled
	c.enabled = enabled
	if enabled {
		c.createErr = nil
		c.unsupported = false
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Info("worker mode changed", slog.Bool("enabled", enabled))
	if !enabled {
		c.disposeLocked()
		c.host.ClearWorkerError()
	}
}

// Close disposes the worker. Later calls return ErrWorkerDisposed.
func (c *Controller) Close() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.disposeLocked()
	c.setState(StateDisposed)
	return nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// =============================================================================
// Send
// =============================================================================

// Send issues one request and returns its response.
//
// Description:
//
//	Routes to the worker when worker mode is on and supported, otherwise
//	calls the fallback executor directly with args, without encoding.
//	Handler failures and worker failures come back as Failure responses
//	(broadcast failures carry message.BroadcastID). Notification kinds
//	return Empty as soon as the request is sent.
//
// Inputs:
//
//	ctx - Cancels the wait. For cancelable kinds the worker is told to
//	      stop as well.
//	kind - Request kind.
//	args - Kind-specific argument value.
//
// Outputs:
//
//	message.Response - The response.
//	error - ErrCanceled, ErrWorkerDisposed, ErrNoFallback, a creation error,
//	        or a local encoding error.
func (c *Controller) Send(ctx context.Context, kind message.Kind, args any) (message.Response, error) {
	if c.isClosed() {
		return message.Response{}, ErrWorkerDisposed
	}

	ctx, span := tracer.Start(ctx, "controller.Send",
		trace.WithAttributes(attribute.String("request.kind", string(kind))),
	)
	defer span.End()
	start := time.Now()

	resp, path, err := c.dispatch(ctx, kind, args)

	outcome := string(resp.Type)
	if err != nil {
		outcome = "error"
		telemetry.RecordError(span, err)
	}
	span.SetAttributes(
		attribute.String("request.path", path),
		attribute.String("response.type", outcome),
	)
	recordRequest(ctx, kind, path, outcome, time.Since(start))

	if err == nil && kind == message.KindUseCompilerVersion && resp.Type == message.TypeSuccess {
		c.rememberSelection(args, path == "worker")
	}
	if err == nil && kind.Notification() && (resp.Type != message.TypeFailure || resp.IsBroadcast()) {
		c.rememberModels(args, path == "worker")
	}
	return resp, err
}

func (c *Controller) dispatch(ctx context.Context, kind message.Kind, args any) (message.Response, string, error) {
	if c.useWorker() {
		w, err := c.GetOrCreateWorker(ctx)
		switch {
		case err == nil:
			pendingRequests.Inc()
			defer pendingRequests.Dec()
			resp, err := w.call(ctx, kind, args)
			return resp, "worker", err
		case errors.Is(err, transport.ErrUnsupported):
			// Fall through to the fallback.
		case ctx.Err() != nil:
			return message.Response{}, "worker", canceled(ctx)
		default:
			return message.Response{}, "worker", err
		}
	}

	resp, err := c.callFallback(ctx, kind, args)
	return resp, "fallback", err
}

func (c *Controller) useWorker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled && !c.unsupported
}

// callFallback runs the request on the in-process executor. The caller's
// ctx is the cancellation handle on this path.
func (c *Controller) callFallback(ctx context.Context, kind message.Kind, args any) (message.Response, error) {
	fallback := c.fallbackExecutor()
	if fallback == nil {
		return message.Response{}, ErrNoFallback
	}
	if c.fallbackStale.Swap(false) {
		c.replayFallback(ctx, fallback)
	}
	fallbackRequests.Inc()

	resp := fallback.Handle(ctx, message.Request{ID: c.nextID.Add(1), Kind: kind, Args: args})
	if resp.Type == message.TypeCancelled {
		return message.Response{}, canceled(ctx)
	}
	return resp, nil
}

// fallbackExecutor returns the in-process executor, building it on first
// use, or nil when no fallback handlers were configured.
func (c *Controller) fallbackExecutor() *executor.Executor {
	if c.fallbackCompiler == nil || c.fallbackLang == nil {
		return nil
	}
	c.fallbackOnce.Do(func() {
		c.fallback = executor.New(c.fallbackCompiler, c.fallbackLang, c.logger)
	})
	return c.fallback
}

// replayFallback applies remembered selections and models to the fallback
// handlers, which miss the changes made while a worker served calls.
func (c *Controller) replayFallback(ctx context.Context, fallback *executor.Executor) {
	for _, args := range c.snapshotSelections() {
		fallback.Handle(ctx, message.Request{ID: c.nextID.Add(1), Kind: message.KindUseCompilerVersion, Args: args})
	}
	if change, ok := c.snapshotWorkspace(); ok {
		resp := fallback.Handle(ctx, message.Request{ID: c.nextID.Add(1), Kind: message.KindOnDidChangeWorkspace, Args: change})
		if resp.Type == message.TypeFailure && resp.Failure != nil {
			c.logger.Warn("replaying workspace into fallback failed", slog.String("error", resp.Failure.Message))
		}
	}
}

// rememberSelection records a successful selection for replay. A selection
// served by a worker leaves the fallback behind.
func (c *Controller) rememberSelection(args any, viaWorker bool) {
	sel, ok := args.(message.UseCompilerVersionArgs)
	if !ok {
		return
	}
	c.mu.Lock()
	c.selections[sel.Kind] = sel
	c.mu.Unlock()
	if viaWorker {
		c.fallbackStale.Store(true)
	}
}

// rememberModels mirrors a workspace notification so the models can be
// replayed into the next worker or the fallback. Notifications are
// mirrored in the order their calls return.
func (c *Controller) rememberModels(args any, viaWorker bool) {
	c.mu.Lock()
	c.applyModelsLocked(args)
	c.mu.Unlock()

	if viaWorker {
		c.fallbackStale.Store(true)
	}
}

func (c *Controller) applyModelsLocked(args any) {
	switch change := args.(type) {
	case message.WorkspaceChange:
		models := make(map[string]string, len(change.Models))
		for _, m := range change.Models {
			if m.URI == "" {
				return
			}
			models[m.URI] = m.Text
		}
		c.models = models
	case message.Model:
		if change.URI == "" {
			return
		}
		if c.models == nil {
			c.models = make(map[string]string)
		}
		c.models[change.URI] = change.Text
	case message.ModelContentChange:
		if text, ok := c.models[change.URI]; ok {
			c.models[change.URI] = change.Apply(text)
		}
	}
}

// Call sends a request and decodes a Success payload as Res.
//
// Description:
//
//	Empty yields the zero Res. A handler Failure becomes *RemoteError; a
//	broadcast failure becomes a *RemoteError that also matches
//	ErrWorkerFailed. Cancellation yields ErrCanceled.
func Call[Res any](ctx context.Context, c *Controller, kind message.Kind, args any) (Res, error) {
	var zero Res

	resp, err := c.Send(ctx, kind, args)
	if err != nil {
		return zero, err
	}

	switch resp.Type {
	case message.TypeSuccess:
		v, err := message.Value[Res](resp)
		if err != nil {
			return zero, fmt.Errorf("decode %s result: %w", kind, err)
		}
		return v, nil
	case message.TypeEmpty:
		return zero, nil
	case message.TypeCancelled:
		return zero, ErrCanceled
	case message.TypeFailure:
		info := resp.Failure
		if info == nil {
			info = &message.FailureInfo{Message: "unknown failure"}
		}
		return zero, &RemoteError{Message: info.Message, Detail: info.Detail, Broadcast: resp.IsBroadcast()}
	default:
		return zero, fmt.Errorf("unexpected response type %q for %s", resp.Type, kind)
	}
}
