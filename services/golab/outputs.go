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
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/format"
	"go/types"
	"strings"

	"github.com/AleutianAI/labworker/services/offload/message"
)

// fileOutputs lists the per-file outputs in display order. Eager outputs
// are computed by Compile; lazy ones only on GetOutput.
var fileOutputs = []struct {
	typ  string
	lazy bool
}{
	{message.OutputSyntax, false},
	{message.OutputFormat, false},
	{message.OutputTokens, true},
	{message.OutputDiff, true},
}

// fileOutput renders one output of a file.
func (u *unit) fileOutput(ctx context.Context, name, typ string) (string, error) {
	src, ok := u.sources[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFile, name)
	}

	switch typ {
	case message.OutputSyntax:
		return u.syntaxText(name)
	case message.OutputFormat:
		return formatText(src), nil
	case message.OutputTokens:
		toks, err := semanticTokens(ctx, src)
		if err != nil {
			return "", err
		}
		return tokensText(src, toks), nil
	case message.OutputDiff:
		formatted, err := format.Source(src)
		if err != nil {
			return "", nil
		}
		return unifiedDiff(name, string(src), string(formatted))
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOutput, typ)
	}
}

// globalOutput renders an output of the whole package.
func (u *unit) globalOutput(typ string) (string, error) {
	if typ != message.OutputTypes {
		return "", fmt.Errorf("%w: %q", ErrUnknownOutput, typ)
	}
	return u.typesText(), nil
}

func (u *unit) syntaxText(name string) (string, error) {
	file := u.files[name]
	if file == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := ast.Fprint(&buf, u.fset, file, ast.NotNilFilter); err != nil {
		return "", fmt.Errorf("print syntax tree: %w", err)
	}
	return buf.String(), nil
}

// formatText returns the gofmt form of src, or the formatter's error.
func formatText(src []byte) string {
	formatted, err := format.Source(src)
	if err != nil {
		return "// " + err.Error() + "\n"
	}
	return string(formatted)
}

// typesText lists the package scope, one declaration per line.
func (u *unit) typesText() string {
	if u.pkg == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "package %s\n", u.pkg.Name())
	if u.pkg.GoVersion() != "" {
		fmt.Fprintf(&b, "// %s\n", u.pkg.GoVersion())
	}
	b.WriteString("\n")

	qual := types.RelativeTo(u.pkg)
	scope := u.pkg.Scope()
	for _, name := range scope.Names() {
		obj := scope.Lookup(name)
		b.WriteString(types.ObjectString(obj, qual))
		b.WriteString("\n")
		if tn, ok := obj.(*types.TypeName); ok {
			if named, ok := tn.Type().(*types.Named); ok {
				for i := 0; i < named.NumMethods(); i++ {
					b.WriteString("\t")
					b.WriteString(types.ObjectString(named.Method(i), qual))
					b.WriteString("\n")
				}
			}
		}
	}
	return b.String()
}

// tokensText renders tokens one per line as "line:col kind text".
func tokensText(src []byte, toks []semToken) string {
	lines := strings.Split(string(src), "\n")
	var b strings.Builder
	for _, t := range toks {
		text := ""
		if t.line < len(lines) {
			line := lines[t.line]
			end := min(t.col+t.length, len(line))
			if t.col <= end {
				text = line[t.col:end]
			}
		}
		fmt.Fprintf(&b, "%d:%d %s %q\n", t.line+1, t.col+1, tokenLegend[t.kind], text)
	}
	return b.String()
}
