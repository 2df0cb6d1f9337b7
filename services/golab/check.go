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
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/importer"
	"go/parser"
	"go/scanner"
	"go/token"
	"go/types"
	"sort"

	"github.com/AleutianAI/labworker/services/offload/message"
)

// markerSource tags diagnostics produced by this package.
const markerSource = "golab"

// unit is one parsed and, when parsing succeeded, type-checked input.
type unit struct {
	fset    *token.FileSet
	names   []string
	sources map[string][]byte
	files   map[string]*ast.File
	pkg     *types.Package
	info    *types.Info
	markers []message.Marker
}

// load parses and type checks input as a single package.
//
// Description:
//
//	Files are processed in name order so every output is deterministic.
//	Syntax errors become markers and skip type checking; type errors
//	become markers too. Files that differ from their gofmt form get a
//	warning. Only malformed input (no files, empty or duplicate names)
//	and cancellation return an error.
func load(ctx context.Context, input message.CompileInput, sel selection) (*unit, error) {
	if len(input.Files) == 0 {
		return nil, ErrNoFiles
	}

	u := &unit{
		fset:    token.NewFileSet(),
		sources: make(map[string][]byte, len(input.Files)),
		files:   make(map[string]*ast.File, len(input.Files)),
	}
	for _, f := range input.Files {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: empty file name", ErrInvalidInput)
		}
		if _, dup := u.sources[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate file %q", ErrInvalidInput, f.Name)
		}
		u.sources[f.Name] = []byte(f.Text)
		u.names = append(u.names, f.Name)
	}
	sort.Strings(u.names)

	parsed := true
	for _, name := range u.names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file, err := parser.ParseFile(u.fset, name, u.sources[name], parser.ParseComments|parser.AllErrors)
		u.files[name] = file
		if err != nil {
			parsed = false
			u.addSyntaxErrors(name, err)
			continue
		}
		if formatted, err := format.Source(u.sources[name]); err == nil && string(formatted) != string(u.sources[name]) {
			u.markers = append(u.markers, message.Marker{
				Severity: message.SeverityWarning,
				Message:  "file is not gofmt-formatted",
				Source:   markerSource,
				File:     name,
				Range:    message.Range{Start: message.Position{Line: 1, Column: 1}, End: message.Position{Line: 1, Column: 1}},
			})
		}
	}

	if parsed {
		if err := u.check(ctx, sel); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(u.markers, func(i, j int) bool {
		a, b := u.markers[i], u.markers[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Range.Start.Line != b.Range.Start.Line {
			return a.Range.Start.Line < b.Range.Start.Line
		}
		if a.Range.Start.Column != b.Range.Start.Column {
			return a.Range.Start.Column < b.Range.Start.Column
		}
		return a.Message < b.Message
	})
	return u, nil
}

func (u *unit) addSyntaxErrors(name string, err error) {
	var list scanner.ErrorList
	if !errors.As(err, &list) {
		u.markers = append(u.markers, message.Marker{
			Severity: message.SeverityError,
			Message:  err.Error(),
			Source:   markerSource,
			File:     name,
		})
		return
	}
	for _, e := range list {
		pos := message.Position{Line: e.Pos.Line, Column: e.Pos.Column}
		u.markers = append(u.markers, message.Marker{
			Severity: message.SeverityError,
			Message:  e.Msg,
			Source:   markerSource,
			File:     name,
			Range:    message.Range{Start: pos, End: pos},
		})
	}
}

// check runs go/types over the parsed files. Imports are resolved from
// GOROOT source.
func (u *unit) check(ctx context.Context, sel selection) error {
	files := make([]*ast.File, 0, len(u.names))
	for _, name := range u.names {
		files = append(files, u.files[name])
	}

	u.info = &types.Info{
		Types:      make(map[ast.Expr]types.TypeAndValue),
		Defs:       make(map[*ast.Ident]types.Object),
		Uses:       make(map[*ast.Ident]types.Object),
		Selections: make(map[*ast.SelectorExpr]*types.Selection),
		Scopes:     make(map[ast.Node]*types.Scope),
	}
	conf := types.Config{
		GoVersion: sel.goVersion(),
		Importer:  importer.ForCompiler(u.fset, "source", nil),
		Sizes:     types.SizesFor("gc", sel.configuration),
		Error: func(err error) {
			var te types.Error
			if !errors.As(err, &te) {
				return
			}
			p := te.Fset.Position(te.Pos)
			pos := message.Position{Line: p.Line, Column: p.Column}
			u.markers = append(u.markers, message.Marker{
				Severity: message.SeverityError,
				Message:  te.Msg,
				Source:   markerSource,
				File:     p.Filename,
				Range:    message.Range{Start: pos, End: pos},
			})
		},
	}

	name := "main"
	if len(files) > 0 && files[0].Name != nil {
		name = files[0].Name.Name
	}
	// Errors are collected through conf.Error.
	u.pkg, _ = conf.Check(name, u.fset, files, u.info)
	return ctx.Err()
}

// counts returns the number of error and warning markers.
func (u *unit) counts() (errs, warnings int) {
	for _, m := range u.markers {
		switch m.Severity {
		case message.SeverityError:
			errs++
		case message.SeverityWarning:
			warnings++
		}
	}
	return errs, warnings
}

// markersFor returns the markers of one file.
func (u *unit) markersFor(name string) []message.Marker {
	out := []message.Marker{}
	for _, m := range u.markers {
		if m.File == name {
			out = append(out, m)
		}
	}
	return out
}

// pos converts a 1-based line and column in file name to a token.Pos,
// clamping to the file bounds. It returns token.NoPos for an unknown file.
func (u *unit) pos(name string, p message.Position) token.Pos {
	file := u.files[name]
	if file == nil {
		return token.NoPos
	}
	tf := u.fset.File(file.Pos())
	if tf == nil {
		return token.NoPos
	}
	line := max(p.Line, 1)
	if line > tf.LineCount() {
		return token.Pos(tf.Base() + tf.Size())
	}
	start := tf.LineStart(line)
	end := tf.Base() + tf.Size()
	if line < tf.LineCount() {
		end = int(tf.LineStart(line+1)) - 1
	}
	return token.Pos(min(int(start)+max(p.Column, 1)-1, end))
}

// position converts a token.Pos to a 1-based message.Position.
func (u *unit) position(p token.Pos) message.Position {
	pp := u.fset.Position(p)
	return message.Position{Line: pp.Line, Column: pp.Column}
}
