// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package golab

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/labworker/services/offload/message"
)

// Workspace holds the open models and answers language service queries.
//
// Every model whose URI ends in ".go" belongs to one package, analyzed
// with the compiler's current selection. Other models are text only.
//
// Thread Safety: Safe for concurrent use. Queries analyze a snapshot of
// the models taken when they start.
type Workspace struct {
	compiler *Compiler
	logger   *slog.Logger

	mu     sync.RWMutex
	models map[string]string
}

// NewWorkspace creates an empty workspace analyzed with compiler.
func NewWorkspace(compiler *Compiler, logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{
		compiler: compiler,
		logger:   logger.With(slog.String("component", "golab.workspace")),
		models:   make(map[string]string),
	}
}

// =============================================================================
// Notifications
// =============================================================================

// OnDidChangeWorkspace replaces every model.
func (w *Workspace) OnDidChangeWorkspace(_ context.Context, change message.WorkspaceChange) error {
	models := make(map[string]string, len(change.Models))
	for _, m := range change.Models {
		if m.URI == "" {
			return fmt.Errorf("%w: empty model URI", ErrInvalidInput)
		}
		models[m.URI] = m.Text
	}

	w.mu.Lock()
	w.models = models
	w.mu.Unlock()
	w.logger.Debug("workspace replaced", slog.Int("models", len(models)))
	return nil
}

// OnDidChangeModel adds or replaces one model.
func (w *Workspace) OnDidChangeModel(_ context.Context, model message.Model) error {
	if model.URI == "" {
		return fmt.Errorf("%w: empty model URI", ErrInvalidInput)
	}
	w.mu.Lock()
	w.models[model.URI] = model.Text
	w.mu.Unlock()
	return nil
}

// OnDidChangeModelContent applies edits to a model in order. A change with
// a zero range replaces the whole text.
func (w *Workspace) OnDidChangeModelContent(_ context.Context, change message.ModelContentChange) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	text, ok := w.models[change.URI]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, change.URI)
	}
	w.models[change.URI] = change.Apply(text)
	return nil
}

// =============================================================================
// Analysis
// =============================================================================

// Model returns the text of uri.
func (w *Workspace) Model(uri string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	text, ok := w.models[uri]
	return text, ok
}

// snapshot returns the text of uri and the Go package it belongs to.
func (w *Workspace) snapshot(uri string) (string, message.CompileInput, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	text, ok := w.models[uri]
	if !ok {
		return "", message.CompileInput{}, fmt.Errorf("%w: %q", ErrUnknownModel, uri)
	}

	var input message.CompileInput
	for u, t := range w.models {
		if strings.HasSuffix(u, ".go") {
			input.Files = append(input.Files, message.SourceFile{Name: u, Text: t})
		}
	}
	sort.Slice(input.Files, func(i, j int) bool { return input.Files[i].Name < input.Files[j].Name })
	return text, input, nil
}

// analyze loads the package containing uri. The unit is nil for a model
// that is not Go source.
func (w *Workspace) analyze(ctx context.Context, uri string) (string, *unit, error) {
	text, input, err := w.snapshot(uri)
	if err != nil {
		return "", nil, err
	}
	if !strings.HasSuffix(uri, ".go") {
		return text, nil, nil
	}
	u, err := load(ctx, input, w.compiler.selection())
	if err != nil {
		return "", nil, err
	}
	return text, u, nil
}

// GetDiagnostics returns the syntax, type and format markers of a model.
func (w *Workspace) GetDiagnostics(ctx context.Context, args message.ModelArgs) ([]message.Marker, error) {
	_, u, err := w.analyze(ctx, args.ModelURI)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return []message.Marker{}, nil
	}
	return u.markersFor(args.ModelURI), nil
}
