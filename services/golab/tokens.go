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
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/AleutianAI/labworker/services/offload/message"
)

// Token kinds, in legend order.
const (
	tokKeyword = iota
	tokType
	tokFunction
	tokVariable
	tokParameter
	tokProperty
	tokNamespace
	tokString
	tokNumber
	tokComment
)

var tokenLegend = []string{
	"keyword", "type", "function", "variable", "parameter",
	"property", "namespace", "string", "number", "comment",
}

var goKeywords = []string{
	"break", "case", "chan", "const", "continue", "default", "defer", "else",
	"fallthrough", "for", "func", "go", "goto", "if", "import", "interface",
	"map", "package", "range", "return", "select", "struct", "switch", "type", "var",
}

var keywordSet = func() map[string]bool {
	m := make(map[string]bool, len(goKeywords))
	for _, k := range goKeywords {
		m[k] = true
	}
	return m
}()

// semToken is one single-line token with 0-based byte coordinates.
type semToken struct {
	line, col, length int
	kind              int
}

// semanticTokens classifies src with the tree-sitter Go grammar. It works
// on source with syntax errors.
func semanticTokens(ctx context.Context, src []byte) ([]semToken, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	var toks []semToken
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if kind, ok := classify(n); ok {
			toks = appendSpan(toks, src, n, kind)
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(tree.RootNode())

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return toks, nil
}

// classify maps a node to a token kind. Nodes that classify are not
// descended into.
func classify(n *sitter.Node) (int, bool) {
	typ := n.Type()
	if !n.IsNamed() {
		if keywordSet[typ] {
			return tokKeyword, true
		}
		return 0, false
	}

	switch typ {
	case "comment":
		return tokComment, true
	case "interpreted_string_literal", "raw_string_literal", "rune_literal":
		return tokString, true
	case "int_literal", "float_literal", "imaginary_literal":
		return tokNumber, true
	case "true", "false", "nil", "iota":
		return tokKeyword, true
	case "type_identifier":
		return tokType, true
	case "package_identifier":
		return tokNamespace, true
	case "field_identifier":
		if p := n.Parent(); p != nil && p.Type() == "method_spec" {
			return tokFunction, true
		}
		return tokProperty, true
	case "identifier":
		return classifyIdentifier(n), true
	}
	return 0, false
}

func classifyIdentifier(n *sitter.Node) int {
	p := n.Parent()
	if p == nil {
		return tokVariable
	}
	switch p.Type() {
	case "function_declaration":
		return tokFunction
	case "call_expression":
		if fn := p.ChildByFieldName("function"); fn != nil && fn.StartByte() == n.StartByte() && fn.EndByte() == n.EndByte() {
			return tokFunction
		}
	case "parameter_declaration", "variadic_parameter_declaration":
		return tokParameter
	}
	return tokVariable
}

// appendSpan appends n, split at line breaks.
func appendSpan(toks []semToken, src []byte, n *sitter.Node, kind int) []semToken {
	start, end := int(n.StartByte()), int(n.EndByte())
	if start >= end || end > len(src) {
		return toks
	}
	line := int(n.StartPoint().Row)
	col := int(n.StartPoint().Column)
	for i, part := range strings.Split(string(src[start:end]), "\n") {
		if i > 0 {
			line++
			col = 0
		}
		part = strings.TrimSuffix(part, "\r")
		if part != "" {
			toks = append(toks, semToken{line: line, col: col, length: len(part), kind: kind})
		}
	}
	return toks
}

// encodeTokens produces the relative five-integer encoding.
func encodeTokens(toks []semToken) message.SemanticTokens {
	out := message.SemanticTokens{Legend: tokenLegend, Data: make([]uint32, 0, len(toks)*5)}
	prevLine, prevCol := 0, 0
	for _, t := range toks {
		deltaLine := t.line - prevLine
		deltaCol := t.col
		if deltaLine == 0 {
			deltaCol = t.col - prevCol
		}
		out.Data = append(out.Data, uint32(deltaLine), uint32(deltaCol), uint32(t.length), uint32(t.kind), 0)
		prevLine, prevCol = t.line, t.col
	}
	return out
}
