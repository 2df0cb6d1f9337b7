// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package offloadtest provides controllable handler fakes for tests of the
// executor, worker and controller.
package offloadtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/labworker/services/offload/message"
)

// Services implements executor.Compiler and executor.LanguageServices.
//
// Compile is deterministic: it echoes file names and sizes. Hover blocks
// until its context ends or Release is called, which makes it the
// cancelable call tests use to observe cancellation. Hooks override
// individual methods.
//
// Thread Safety: Safe for concurrent use.
type Services struct {
	// CompileHook replaces Compile when set.
	CompileHook func(ctx context.Context, input message.CompileInput) (message.CompiledAssembly, error)

	// DiagnosticsHook replaces GetDiagnostics when set.
	DiagnosticsHook func(ctx context.Context, args message.ModelArgs) ([]message.Marker, error)

	mu       sync.Mutex
	models   map[string]string
	version  string
	config   string
	calls    map[message.Kind]int
	started  chan int64
	release  chan struct{}
	released bool
}

// NewServices creates a fake with an empty workspace.
func NewServices() *Services {
	return &Services{
		models:  make(map[string]string),
		version: "v1.22.0",
		config:  "amd64",
		calls:   make(map[message.Kind]int),
		started: make(chan int64, 64),
		release: make(chan struct{}),
	}
}

// Calls returns how many times kind was handled.
func (s *Services) Calls(kind message.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

// Model returns the current text of uri.
func (s *Services) Model(uri string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.models[uri]
	return text, ok
}

// HoverStarted delivers the line of every Hover call once it is blocked.
func (s *Services) HoverStarted() <-chan int64 {
	return s.started
}

// Release unblocks every current and future Hover call.
func (s *Services) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.released {
		s.released = true
		close(s.release)
	}
}

func (s *Services) count(kind message.Kind) {
	s.mu.Lock()
	s.calls[kind]++
	s.mu.Unlock()
}

// Compile renders a deterministic summary of input.
func (s *Services) Compile(ctx context.Context, input message.CompileInput) (message.CompiledAssembly, error) {
	s.count(message.KindCompile)
	if s.CompileHook != nil {
		return s.CompileHook(ctx, input)
	}

	files := append([]message.SourceFile(nil), input.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	asm := message.CompiledAssembly{GoVersion: s.version, Configuration: s.config}
	for _, f := range files {
		if strings.Contains(f.Text, "syntax error") {
			asm.Diagnostics = append(asm.Diagnostics, message.Marker{
				Severity: message.SeverityError,
				Message:  "syntax error",
				File:     f.Name,
			})
			asm.ErrorCount++
		}
		asm.Files = append(asm.Files, message.CompiledFile{
			Name: f.Name,
			Outputs: []message.CompiledOutput{
				{Type: message.OutputSyntax, Text: fmt.Sprintf("%s: %d bytes", f.Name, len(f.Text))},
				{Type: message.OutputTokens, Lazy: true},
			},
		})
	}
	return asm, nil
}

// GetOutput returns the file's upper-cased text for any output type.
func (s *Services) GetOutput(_ context.Context, args message.GetOutputArgs) (string, error) {
	s.count(message.KindGetOutput)
	for _, f := range args.Input.Files {
		if f.Name == args.File {
			return strings.ToUpper(f.Text), nil
		}
	}
	return "", fmt.Errorf("file %q not found", args.File)
}

// UseCompilerVersion records the selection and reports whether it changed.
func (s *Services) UseCompilerVersion(_ context.Context, args message.UseCompilerVersionArgs) (bool, error) {
	s.count(message.KindUseCompilerVersion)
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.version != args.Version || (args.Configuration != "" && s.config != args.Configuration)
	s.version = args.Version
	if args.Configuration != "" {
		s.config = args.Configuration
	}
	return changed, nil
}

// GetCompilerDependencyInfo returns the current selection.
func (s *Services) GetCompilerDependencyInfo(_ context.Context, kind message.CompilerKind) (message.CompilerDependencyInfo, error) {
	s.count(message.KindGetCompilerDependencyInfo)
	s.mu.Lock()
	defer s.mu.Unlock()
	return message.CompilerDependencyInfo{Kind: kind, Version: s.version, Configuration: s.config}, nil
}

// GetSdkInfo echoes version.
func (s *Services) GetSdkInfo(_ context.Context, version string) (message.SdkInfo, error) {
	s.count(message.KindGetSdkInfo)
	return message.SdkInfo{Version: version, Valid: strings.HasPrefix(version, "v")}, nil
}

// ProvideCompletionItems returns one item per model.
func (s *Services) ProvideCompletionItems(_ context.Context, args message.PositionArgs) (message.CompletionList, error) {
	s.count(message.KindProvideCompletionItems)
	return message.CompletionList{Items: []message.CompletionItem{{Label: args.ModelURI, Kind: "text"}}}, nil
}

// ResolveCompletionItem fills in Detail.
func (s *Services) ResolveCompletionItem(_ context.Context, args message.ResolveCompletionArgs) (message.CompletionItem, error) {
	s.count(message.KindResolveCompletionItem)
	item := args.Item
	item.Detail = "resolved"
	return item, nil
}

// ProvideSemanticTokens returns one token per model line.
func (s *Services) ProvideSemanticTokens(_ context.Context, args message.ModelArgs) (message.SemanticTokens, error) {
	s.count(message.KindProvideSemanticTokens)
	text, _ := s.Model(args.ModelURI)
	tokens := message.SemanticTokens{Legend: []string{"line"}}
	for i := range strings.Split(text, "\n") {
		delta := uint32(1)
		if i == 0 {
			delta = 0
		}
		tokens.Data = append(tokens.Data, delta, 0, 1, 0, 0)
	}
	return tokens, nil
}

// ProvideCodeActions returns no actions.
func (s *Services) ProvideCodeActions(context.Context, message.CodeActionArgs) ([]message.CodeAction, error) {
	s.count(message.KindProvideCodeActions)
	return nil, nil
}

// ProvideHover blocks until ctx ends or Release is called.
func (s *Services) ProvideHover(ctx context.Context, args message.PositionArgs) (*message.Hover, error) {
	s.count(message.KindProvideHover)
	s.started <- int64(args.Position.Line)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return &message.Hover{Contents: []string{fmt.Sprintf("line %d", args.Position.Line)}}, nil
	}
}

// ProvideSignatureHelp returns nil: no enclosing call.
func (s *Services) ProvideSignatureHelp(context.Context, message.PositionArgs) (*message.SignatureHelp, error) {
	s.count(message.KindProvideSignatureHelp)
	return nil, nil
}

// OnDidChangeWorkspace replaces the workspace.
func (s *Services) OnDidChangeWorkspace(_ context.Context, change message.WorkspaceChange) error {
	s.count(message.KindOnDidChangeWorkspace)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = make(map[string]string, len(change.Models))
	for _, m := range change.Models {
		s.models[m.URI] = m.Text
	}
	return nil
}

// OnDidChangeModel replaces one model.
func (s *Services) OnDidChangeModel(_ context.Context, model message.Model) error {
	s.count(message.KindOnDidChangeModel)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[model.URI] = model.Text
	return nil
}

// OnDidChangeModelContent applies the edits in order.
func (s *Services) OnDidChangeModelContent(_ context.Context, change message.ModelContentChange) error {
	s.count(message.KindOnDidChangeModelContent)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[change.URI] = change.Apply(s.models[change.URI])
	return nil
}

// GetDiagnostics reports one marker naming the model.
func (s *Services) GetDiagnostics(ctx context.Context, args message.ModelArgs) ([]message.Marker, error) {
	s.count(message.KindGetDiagnostics)
	if s.DiagnosticsHook != nil {
		return s.DiagnosticsHook(ctx, args)
	}
	return []message.Marker{{Severity: message.SeverityInfo, Message: "checked " + args.ModelURI}}, nil
}
