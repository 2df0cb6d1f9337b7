// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package golab implements the compiler and language service handlers for
// Go source held in memory.
//
// Compiler parses and type checks a set of files as one package and
// renders views of the result (syntax tree, gofmt output, semantic tokens,
// gofmt diff, package scope). Workspace keeps the open models and answers
// editor queries over them. Both are deterministic for identical input
// and honor context cancellation between phases.
//
// Both types satisfy the executor handler interfaces and are used the same
// way inside a worker process and on the in-process fallback.
package golab

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/labworker/services/offload/message"
)

var (
	ErrNoFiles              = errors.New("no source files")
	ErrInvalidInput         = errors.New("invalid input")
	ErrUnknownFile          = errors.New("unknown file")
	ErrUnknownOutput        = errors.New("unknown output type")
	ErrUnknownCompiler      = errors.New("unknown compiler kind")
	ErrUnsupportedVersion   = errors.New("unsupported Go version")
	ErrUnknownConfiguration = errors.New("unknown configuration")
	ErrUnknownModel         = errors.New("unknown model")
)

// detailedError adds failure detail text for the caller.
type detailedError struct {
	err    error
	detail string
}

func (e *detailedError) Error() string  { return e.err.Error() }
func (e *detailedError) Unwrap() error  { return e.err }
func (e *detailedError) Detail() string { return e.detail }

// =============================================================================
// Compiler
// =============================================================================

// Compiler compiles CompileInput values.
//
// Thread Safety: Safe for concurrent use. The selection is read once per
// call, so a concurrent UseCompilerVersion affects only later calls.
type Compiler struct {
	logger *slog.Logger

	mu  sync.RWMutex
	sel selection
}

// NewCompiler creates a Compiler with the default selection.
func NewCompiler(logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{
		logger: logger.With(slog.String("component", "golab")),
		sel:    selection{version: defaultVersion, configuration: defaultConfiguration},
	}
}

func (c *Compiler) selection() selection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sel
}

// Compile parses and type checks input.
//
// Description:
//
//	Returns eager outputs for every file, lazy placeholders for the rest,
//	the package scope as a global output, and all diagnostics. Compile
//	errors are diagnostics, not a returned error.
//
// Outputs:
//
//	message.CompiledAssembly - The result.
//	error - ErrNoFiles, ErrInvalidInput or ctx.Err().
func (c *Compiler) Compile(ctx context.Context, input message.CompileInput) (message.CompiledAssembly, error) {
	start := time.Now()
	sel := c.selection()

	u, err := load(ctx, input, sel)
	if err != nil {
		return message.CompiledAssembly{}, err
	}

	asm := message.CompiledAssembly{
		Files:         make([]message.CompiledFile, 0, len(u.names)),
		GlobalOutputs: []message.CompiledOutput{},
		Diagnostics:   u.markers,
		GoVersion:     sel.version,
		Configuration: sel.configuration,
	}
	if asm.Diagnostics == nil {
		asm.Diagnostics = []message.Marker{}
	}
	asm.ErrorCount, asm.WarningCount = u.counts()

	for _, name := range u.names {
		file := message.CompiledFile{Name: name}
		for _, o := range fileOutputs {
			out := message.CompiledOutput{Type: o.typ, Lazy: o.lazy}
			if !o.lazy {
				if out.Text, err = u.fileOutput(ctx, name, o.typ); err != nil {
					return message.CompiledAssembly{}, err
				}
			}
			file.Outputs = append(file.Outputs, out)
		}
		asm.Files = append(asm.Files, file)
	}
	if u.pkg != nil {
		text, err := u.globalOutput(message.OutputTypes)
		if err != nil {
			return message.CompiledAssembly{}, err
		}
		asm.GlobalOutputs = append(asm.GlobalOutputs, message.CompiledOutput{Type: message.OutputTypes, Text: text})
	}

	c.logger.Debug("compiled",
		slog.Int("files", len(u.names)),
		slog.Int("errors", asm.ErrorCount),
		slog.Duration("duration", time.Since(start)),
	)
	return asm, ctx.Err()
}

// GetOutput computes one output. An empty file name selects a global
// output.
func (c *Compiler) GetOutput(ctx context.Context, args message.GetOutputArgs) (string, error) {
	u, err := load(ctx, args.Input, c.selection())
	if err != nil {
		return "", err
	}
	if args.File == "" {
		return u.globalOutput(args.OutputType)
	}
	return u.fileOutput(ctx, args.File, args.OutputType)
}

// UseCompilerVersion selects the language version and target
// architecture used for type checking. It reports whether the selection
// changed.
func (c *Compiler) UseCompilerVersion(_ context.Context, args message.UseCompilerVersionArgs) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := validateSelection(c.sel, args)
	if err != nil {
		return false, &detailedError{
			err:    err,
			detail: "supported versions: " + strings.Join(SupportedVersions, ", ") + "; configurations: " + strings.Join(Configurations, ", "),
		}
	}
	changed := next != c.sel
	c.sel = next
	if changed {
		c.logger.Info("compiler selection changed",
			slog.String("version", next.version),
			slog.String("configuration", next.configuration),
		)
	}
	return changed, nil
}

// GetCompilerDependencyInfo describes the active selection.
func (c *Compiler) GetCompilerDependencyInfo(_ context.Context, kind message.CompilerKind) (message.CompilerDependencyInfo, error) {
	if kind != message.CompilerGo {
		return message.CompilerDependencyInfo{}, &detailedError{err: ErrUnknownCompiler, detail: "known kinds: go"}
	}
	sel := c.selection()
	return message.CompilerDependencyInfo{
		Kind:              kind,
		Version:           sel.version,
		Configuration:     sel.configuration,
		SupportedVersions: append([]string(nil), SupportedVersions...),
		Configurations:    append([]string(nil), Configurations...),
	}, nil
}

// GetSdkInfo parses version and reports whether it can be selected.
func (c *Compiler) GetSdkInfo(_ context.Context, version string) (message.SdkInfo, error) {
	return sdkInfo(version), nil
}
