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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labworker/services/offload/message"
)

func newWorkspace(t *testing.T, models ...string) *Workspace {
	t.Helper()
	w := NewWorkspace(NewCompiler(nil), nil)
	var change message.WorkspaceChange
	for i := 0; i+1 < len(models); i += 2 {
		change.Models = append(change.Models, message.Model{URI: models[i], Text: models[i+1]})
	}
	require.NoError(t, w.OnDidChangeWorkspace(context.Background(), change))
	return w
}

func at(uri string, line, col int) message.PositionArgs {
	return message.PositionArgs{ModelURI: uri, Position: message.Position{Line: line, Column: col}}
}

// langSource puts body on line 17, inside main.
func langSource(body string) string {
	return `package main

// point is a position.
type point struct {
	X, Y int
}

// Len sums the coordinates.
func (p point) Len() int { return p.X + p.Y }

func process(n int) int { return n }

func add(a, b int) int { return a + b }

func main() {
	var pt point
` + body + `
}
`
}

func labels(list message.CompletionList) []string {
	out := make([]string, 0, len(list.Items))
	for _, it := range list.Items {
		out = append(out, it.Label)
	}
	return out
}

// =============================================================================
// Notifications
// =============================================================================

func TestWorkspace_Notifications(t *testing.T) {
	ctx := context.Background()
	w := newWorkspace(t, "a.txt", "hello\nworld\n", "b.txt", "b")

	err := w.OnDidChangeModelContent(ctx, message.ModelContentChange{
		URI: "a.txt",
		Changes: []message.ContentChange{
			{Range: message.Range{Start: message.Position{Line: 1, Column: 1}, End: message.Position{Line: 1, Column: 6}}, Text: "HELLO"},
			{Range: message.Range{Start: message.Position{Line: 2, Column: 6}, End: message.Position{Line: 2, Column: 6}}, Text: "!"},
		},
	})
	require.NoError(t, err)
	text, ok := w.Model("a.txt")
	require.True(t, ok)
	assert.Equal(t, "HELLO\nworld!\n", text)

	require.NoError(t, w.OnDidChangeModel(ctx, message.Model{URI: "c.txt", Text: "c"}))
	text, _ = w.Model("c.txt")
	assert.Equal(t, "c", text)

	require.NoError(t, w.OnDidChangeWorkspace(ctx, message.WorkspaceChange{Models: []message.Model{{URI: "d.txt"}}}))
	_, ok = w.Model("a.txt")
	assert.False(t, ok, "workspace change replaces every model")

	err = w.OnDidChangeModelContent(ctx, message.ModelContentChange{URI: "a.txt"})
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.ErrorIs(t, w.OnDidChangeModel(ctx, message.Model{}), ErrInvalidInput)
	assert.ErrorIs(t, w.OnDidChangeWorkspace(ctx, message.WorkspaceChange{Models: []message.Model{{}}}), ErrInvalidInput)
}

// =============================================================================
// Diagnostics
// =============================================================================

func TestWorkspace_GetDiagnostics(t *testing.T) {
	ctx := context.Background()
	w := newWorkspace(t,
		"a.go", "package main\n\nfunc main() { helper() }\n",
		"b.go", "package main\n\nfunc helper() {\n\tvar s string = 1\n\t_ = s\n}\n",
		"notes.md", "# notes\n",
	)

	markers, err := w.GetDiagnostics(ctx, message.ModelArgs{ModelURI: "a.go"})
	require.NoError(t, err)
	assert.Empty(t, markers)
	assert.NotNil(t, markers)

	markers, err = w.GetDiagnostics(ctx, message.ModelArgs{ModelURI: "b.go"})
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, "b.go", markers[0].File)
	assert.Equal(t, 4, markers[0].Range.Start.Line)

	markers, err = w.GetDiagnostics(ctx, message.ModelArgs{ModelURI: "notes.md"})
	require.NoError(t, err)
	assert.Empty(t, markers)

	_, err = w.GetDiagnostics(ctx, message.ModelArgs{ModelURI: "missing.go"})
	assert.ErrorIs(t, err, ErrUnknownModel)
}

// =============================================================================
// Completion
// =============================================================================

func TestWorkspace_CompletionByPrefix(t *testing.T) {
	w := newWorkspace(t, "main.go", langSource("\t_ = pt\n\tpr"))

	list, err := w.ProvideCompletionItems(context.Background(), at("main.go", 18, 4))
	require.NoError(t, err)
	assert.Equal(t, []string{"print", "println", "process"}, labels(list))

	for _, it := range list.Items {
		if it.Label == "process" {
			assert.Equal(t, "function", it.Kind)
			assert.Equal(t, "func process(n int) int", it.Detail)
		}
	}
}

func TestWorkspace_CompletionKeywordsAndLocals(t *testing.T) {
	w := newWorkspace(t, "main.go", langSource("\t_ = pt\n\tp"))

	list, err := w.ProvideCompletionItems(context.Background(), at("main.go", 18, 3))
	require.NoError(t, err)
	got := labels(list)
	assert.Contains(t, got, "package")
	assert.Contains(t, got, "panic")
	assert.Contains(t, got, "point")
	assert.Contains(t, got, "pt")
	assert.IsIncreasing(t, got)
}

func TestWorkspace_CompletionMembers(t *testing.T) {
	w := newWorkspace(t, "main.go", langSource("\tpt."))

	list, err := w.ProvideCompletionItems(context.Background(), at("main.go", 17, 5))
	require.NoError(t, err)
	assert.Equal(t, []string{"Len", "X", "Y"}, labels(list))
}

func TestWorkspace_CompletionPackageMembers(t *testing.T) {
	ctx := context.Background()
	src := "package main\n\nimport \"strings\"\n\nfunc main() {\n\tstrings.\n}\n"
	w := newWorkspace(t, "main.go", src)

	list, err := w.ProvideCompletionItems(ctx, at("main.go", 6, 10))
	require.NoError(t, err)
	got := labels(list)
	assert.Contains(t, got, "ToUpper")
	assert.Contains(t, got, "Builder")
	for _, l := range got {
		assert.Equal(t, strings.ToUpper(l[:1]), l[:1], "unexported %q offered", l)
	}

	src = strings.Replace(src, "strings.\n", "strings.ToU\n", 1)
	require.NoError(t, w.OnDidChangeModel(ctx, message.Model{URI: "main.go", Text: src}))
	list, err = w.ProvideCompletionItems(ctx, at("main.go", 6, 13))
	require.NoError(t, err)
	assert.Equal(t, []string{"ToUpper", "ToUpperSpecial"}, labels(list))
}

func TestWorkspace_ResolveCompletionItem(t *testing.T) {
	ctx := context.Background()
	w := newWorkspace(t, "main.go", langSource("\t_ = pt"))

	item, err := w.ResolveCompletionItem(ctx, message.ResolveCompletionArgs{
		ModelURI: "main.go",
		Item:     message.CompletionItem{Label: "point", Kind: "type"},
	})
	require.NoError(t, err)
	assert.Equal(t, "type point struct{X int; Y int}", item.Detail)
	assert.Equal(t, "point is a position.", item.Documentation)

	item, err = w.ResolveCompletionItem(ctx, message.ResolveCompletionArgs{
		ModelURI: "main.go",
		Item:     message.CompletionItem{Label: "func", Kind: "keyword"},
	})
	require.NoError(t, err)
	assert.Equal(t, "keyword", item.Detail)

	item, err = w.ResolveCompletionItem(ctx, message.ResolveCompletionArgs{
		ModelURI: "main.go",
		Item:     message.CompletionItem{Label: "len", Kind: "function"},
	})
	require.NoError(t, err)
	assert.Equal(t, "predeclared function", item.Documentation)
}

// =============================================================================
// Hover and Signature Help
// =============================================================================

func TestWorkspace_ProvideHover(t *testing.T) {
	ctx := context.Background()
	w := newWorkspace(t, "main.go", langSource("\t_ = pt.Len()"))

	hover, err := w.ProvideHover(ctx, at("main.go", 17, 10))
	require.NoError(t, err)
	require.NotNil(t, hover)
	assert.Equal(t, []string{"func (point).Len() int", "Len sums the coordinates."}, hover.Contents)
	assert.Equal(t, message.Range{
		Start: message.Position{Line: 17, Column: 9},
		End:   message.Position{Line: 17, Column: 12},
	}, hover.Range)

	hover, err = w.ProvideHover(ctx, at("main.go", 17, 7))
	require.NoError(t, err)
	require.NotNil(t, hover)
	assert.Equal(t, "var pt point", hover.Contents[0])

	hover, err = w.ProvideHover(ctx, at("main.go", 14, 1))
	require.NoError(t, err)
	assert.Nil(t, hover, "blank line")

	_, err = w.ProvideHover(ctx, at("other.go", 1, 1))
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestWorkspace_ProvideSignatureHelp(t *testing.T) {
	ctx := context.Background()

	t.Run("active parameter", func(t *testing.T) {
		w := newWorkspace(t, "main.go", langSource("\t_ = pt\n\tadd(1, )"))

		help, err := w.ProvideSignatureHelp(ctx, at("main.go", 18, 9))
		require.NoError(t, err)
		require.NotNil(t, help)
		require.Len(t, help.Signatures, 1)
		assert.Equal(t, "add(a int, b int) int", help.Signatures[0].Label)
		assert.Equal(t, []string{"a int", "b int"}, help.Signatures[0].Parameters)
		assert.Equal(t, 1, help.ActiveParameter)

		help, err = w.ProvideSignatureHelp(ctx, at("main.go", 18, 6))
		require.NoError(t, err)
		require.NotNil(t, help)
		assert.Equal(t, 0, help.ActiveParameter)
	})

	t.Run("innermost call", func(t *testing.T) {
		w := newWorkspace(t, "main.go", langSource("\t_ = pt\n\t_ = process(add(1, 2))"))

		help, err := w.ProvideSignatureHelp(ctx, at("main.go", 18, 21))
		require.NoError(t, err)
		require.NotNil(t, help)
		assert.Equal(t, "add(a int, b int) int", help.Signatures[0].Label)
		assert.Equal(t, 1, help.ActiveParameter)

		help, err = w.ProvideSignatureHelp(ctx, at("main.go", 18, 23))
		require.NoError(t, err)
		require.NotNil(t, help)
		assert.Equal(t, "process(n int) int", help.Signatures[0].Label)
		assert.Equal(t, 0, help.ActiveParameter)
	})

	t.Run("outside a call", func(t *testing.T) {
		w := newWorkspace(t, "main.go", langSource("\t_ = pt"))

		help, err := w.ProvideSignatureHelp(ctx, at("main.go", 17, 2))
		require.NoError(t, err)
		assert.Nil(t, help)
	})
}

// =============================================================================
// Code Actions and Semantic Tokens
// =============================================================================

func TestWorkspace_ProvideCodeActions(t *testing.T) {
	ctx := context.Background()

	t.Run("unused import", func(t *testing.T) {
		src := "package main\n\nimport \"errors\"\n\nfunc main() {\n}\n"
		w := newWorkspace(t, "main.go", src)

		actions, err := w.ProvideCodeActions(ctx, message.CodeActionArgs{ModelURI: "main.go"})
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, `Remove unused import "errors"`, actions[0].Title)
		assert.Equal(t, "quickfix", actions[0].Kind)
		require.Len(t, actions[0].Edits, 1)
		edit := actions[0].Edits[0]
		assert.NotContains(t, edit.Text, "errors")
		assert.Contains(t, edit.Text, "func main() {")
		assert.Equal(t, message.Position{Line: 1, Column: 1}, edit.Range.Start)
		assert.Equal(t, message.Position{Line: 7, Column: 1}, edit.Range.End)

		actions, err = w.ProvideCodeActions(ctx, message.CodeActionArgs{
			ModelURI: "main.go",
			Range:    message.Range{Start: message.Position{Line: 5, Column: 1}, End: message.Position{Line: 6, Column: 1}},
		})
		require.NoError(t, err)
		assert.Empty(t, actions, "marker outside the range")
	})

	t.Run("format", func(t *testing.T) {
		w := newWorkspace(t, "main.go", "package main\nfunc main(){}\n")

		actions, err := w.ProvideCodeActions(ctx, message.CodeActionArgs{ModelURI: "main.go"})
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, "Format document", actions[0].Title)
		assert.Equal(t, "package main\n\nfunc main() {}\n", actions[0].Edits[0].Text)
		assert.Equal(t, message.Position{Line: 3, Column: 1}, actions[0].Edits[0].Range.End)
	})

	t.Run("not go", func(t *testing.T) {
		w := newWorkspace(t, "notes.md", "#  notes")

		actions, err := w.ProvideCodeActions(ctx, message.CodeActionArgs{ModelURI: "notes.md"})
		require.NoError(t, err)
		assert.NotNil(t, actions)
		assert.Empty(t, actions)
	})
}

func TestWorkspace_ProvideSemanticTokens(t *testing.T) {
	ctx := context.Background()
	w := newWorkspace(t, "main.go", "package main\n\nfunc main() {}\n", "notes.md", "package")

	toks, err := w.ProvideSemanticTokens(ctx, message.ModelArgs{ModelURI: "main.go"})
	require.NoError(t, err)
	assert.Equal(t, tokenLegend, toks.Legend)
	require.NotEmpty(t, toks.Data)
	assert.Zero(t, len(toks.Data)%5)
	assert.Equal(t, []uint32{0, 0, 7, tokKeyword, 0}, toks.Data[:5])

	toks, err = w.ProvideSemanticTokens(ctx, message.ModelArgs{ModelURI: "notes.md"})
	require.NoError(t, err)
	assert.Empty(t, toks.Data)

	_, err = w.ProvideSemanticTokens(ctx, message.ModelArgs{ModelURI: "missing.go"})
	assert.ErrorIs(t, err, ErrUnknownModel)
}
