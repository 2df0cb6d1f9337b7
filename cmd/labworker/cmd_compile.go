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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/labworker/services/offload/message"
)

// ErrCompileFailed is returned when the input has compile errors.
var ErrCompileFailed = errors.New("compilation failed")

// readInput reads the named files, and the non-test Go files of named
// directories, into a CompileInput. Names are slash-separated paths as
// given.
func readInput(paths []string) (message.CompileInput, error) {
	seen := make(map[string]bool)
	var input message.CompileInput

	add := func(path string) error {
		name := filepath.ToSlash(filepath.Clean(path))
		if seen[name] {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		seen[name] = true
		input.Files = append(input.Files, message.SourceFile{Name: name, Text: string(data)})
		return nil
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return message.CompileInput{}, err
		}
		if !info.IsDir() {
			if err := add(path); err != nil {
				return message.CompileInput{}, err
			}
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return message.CompileInput{}, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !isSourceFile(name) {
				continue
			}
			if err := add(filepath.Join(path, name)); err != nil {
				return message.CompileInput{}, err
			}
		}
	}

	if len(input.Files) == 0 {
		return message.CompileInput{}, fmt.Errorf("no Go files in %s", strings.Join(paths, ", "))
	}
	sort.Slice(input.Files, func(i, j int) bool { return input.Files[i].Name < input.Files[j].Name })
	return input, nil
}

// isSourceFile reports whether name is a non-test Go file.
func isSourceFile(name string) bool {
	return strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go") && !strings.HasPrefix(name, ".")
}

func (a *app) runCompile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	input, err := readInput(args)
	if err != nil {
		return err
	}

	c, err := a.newController(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	asm, err := c.Compile(ctx, input)
	if err != nil {
		return describe(err)
	}
	return a.printAssembly(asm)
}

func (a *app) printAssembly(asm message.CompiledAssembly) error {
	a.out.Info(fmt.Sprintf("go %s (%s)", asm.GoVersion, asm.Configuration))
	for _, m := range asm.Diagnostics {
		a.out.Diagnostic(m.File, m.Range.Start.Line, m.Range.Start.Column, m.Severity, m.Message)
	}
	a.out.Summary(len(asm.Files), asm.ErrorCount, asm.WarningCount)
	if asm.ErrorCount > 0 {
		return fmt.Errorf("%w: %d errors", ErrCompileFailed, asm.ErrorCount)
	}
	return nil
}

func (a *app) runOutput(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	input, err := readInput(args)
	if err != nil {
		return err
	}

	file := filepath.ToSlash(filepath.Clean(args[0]))
	if a.outputType == message.OutputTypes {
		file = ""
	}

	c, err := a.newController(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	text, err := c.GetOutput(ctx, input, file, a.outputType)
	if err != nil {
		return describe(err)
	}
	if text != "" {
		a.out.Text(text)
	}
	return nil
}

func (a *app) runDiagnostics(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	input, err := readInput(args)
	if err != nil {
		return err
	}

	c, err := a.newController(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	change := message.WorkspaceChange{}
	for _, f := range input.Files {
		change.Models = append(change.Models, message.Model{URI: f.Name, Text: f.Text})
	}
	if err := c.OnDidChangeWorkspace(ctx, change); err != nil {
		return describe(err)
	}

	errs, warnings := 0, 0
	for _, f := range input.Files {
		markers, err := c.GetDiagnostics(ctx, f.Name)
		if err != nil {
			return describe(err)
		}
		for _, m := range markers {
			a.out.Diagnostic(f.Name, m.Range.Start.Line, m.Range.Start.Column, m.Severity, m.Message)
			if m.Severity == message.SeverityError {
				errs++
			} else {
				warnings++
			}
		}
	}
	a.out.Summary(len(input.Files), errs, warnings)
	if errs > 0 {
		return fmt.Errorf("%w: %d errors", ErrCompileFailed, errs)
	}
	return nil
}
