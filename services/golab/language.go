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
	"go/parser"
	"go/token"
	"go/types"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/tools/go/ast/astutil"

	"github.com/AleutianAI/labworker/services/offload/message"
)

// =============================================================================
// Completion
// =============================================================================

// ProvideCompletionItems lists candidates for the identifier being typed.
//
// Description:
//
//	After "x." the candidates are the members of x: exported names of an
//	imported package, or fields and methods of x's type. Otherwise they
//	are keywords, predeclared names and every name in scope at the
//	position. Candidates are filtered by the typed prefix and sorted.
func (w *Workspace) ProvideCompletionItems(ctx context.Context, args message.PositionArgs) (message.CompletionList, error) {
	text, input, err := w.snapshot(args.ModelURI)
	if err != nil {
		return message.CompletionList{}, err
	}
	offset := message.Offset(text, args.Position)
	prefix, base := completionContext(text, offset)

	var u *unit
	if strings.HasSuffix(args.ModelURI, ".go") {
		// "fmt." alone does not parse; complete against "fmt._" instead.
		if base != "" && prefix == "" {
			for i := range input.Files {
				if input.Files[i].Name == args.ModelURI {
					input.Files[i].Text = text[:offset] + "_" + text[offset:]
				}
			}
		}
		if u, err = load(ctx, input, w.compiler.selection()); err != nil {
			return message.CompletionList{}, err
		}
	}

	var items []message.CompletionItem
	if base != "" {
		if u != nil && u.pkg != nil {
			items = u.memberItems(args.ModelURI, args.Position, base)
		}
	} else {
		// Inner scopes first so their names shadow outer ones.
		if u != nil && u.pkg != nil {
			pos := u.pos(args.ModelURI, args.Position)
			qual := types.RelativeTo(u.pkg)
			for s := u.scopeAt(pos); s != nil && s != types.Universe; s = s.Parent() {
				limit := pos
				if s == u.pkg.Scope() {
					limit = token.NoPos
				}
				items = append(items, scopeItems(s, limit, qual)...)
			}
		}
		items = append(items, keywordItems()...)
		items = append(items, scopeItems(types.Universe, token.NoPos, nil)...)
	}

	return message.CompletionList{Items: filterItems(items, prefix)}, nil
}

// scopeAt returns the innermost scope containing pos.
func (u *unit) scopeAt(pos token.Pos) *types.Scope {
	if s := u.pkg.Scope().Innermost(pos); s != nil {
		return s
	}
	return u.pkg.Scope()
}

// completionContext returns the identifier prefix ending at offset and,
// after a selector dot, the identifier before the dot.
func completionContext(text string, offset int) (prefix, base string) {
	start := identStart(text, offset)
	prefix = text[start:offset]
	if start > 0 && text[start-1] == '.' {
		baseStart := identStart(text, start-1)
		base = text[baseStart : start-1]
	}
	return prefix, base
}

func identStart(text string, offset int) int {
	i := offset
	for i > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:i])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		i -= size
	}
	return i
}

func keywordItems() []message.CompletionItem {
	items := make([]message.CompletionItem, 0, len(goKeywords))
	for _, k := range goKeywords {
		items = append(items, message.CompletionItem{Label: k, Kind: "keyword"})
	}
	return items
}

// scopeItems lists the names of s. With limit set, names declared after
// limit are skipped.
func scopeItems(s *types.Scope, limit token.Pos, qual types.Qualifier) []message.CompletionItem {
	var items []message.CompletionItem
	for _, name := range s.Names() {
		obj := s.Lookup(name)
		if limit.IsValid() && obj.Pos().IsValid() && obj.Pos() > limit {
			continue
		}
		items = append(items, objectItem(obj, qual))
	}
	return items
}

// memberItems lists the members of the expression named base.
func (u *unit) memberItems(uri string, p message.Position, base string) []message.CompletionItem {
	pos := u.pos(uri, p)
	_, obj := u.scopeAt(pos).LookupParent(base, pos)
	if obj == nil {
		return nil
	}
	qual := types.RelativeTo(u.pkg)

	if pkgName, ok := obj.(*types.PkgName); ok {
		var items []message.CompletionItem
		scope := pkgName.Imported().Scope()
		for _, name := range scope.Names() {
			if m := scope.Lookup(name); m.Exported() {
				items = append(items, objectItem(m, qual))
			}
		}
		return items
	}

	typ := obj.Type()
	if typ == nil {
		return nil
	}
	var items []message.CompletionItem
	if st, ok := derefUnderlying(typ).(*types.Struct); ok {
		for i := 0; i < st.NumFields(); i++ {
			f := st.Field(i)
			if f.Exported() || f.Pkg() == u.pkg {
				items = append(items, objectItem(f, qual))
			}
		}
	}
	mtyp := typ
	if _, isPtr := typ.(*types.Pointer); !isPtr && !types.IsInterface(typ) {
		mtyp = types.NewPointer(typ)
	}
	mset := types.NewMethodSet(mtyp)
	for i := 0; i < mset.Len(); i++ {
		m := mset.At(i).Obj()
		if m.Exported() || m.Pkg() == u.pkg {
			items = append(items, objectItem(m, qual))
		}
	}
	return items
}

func derefUnderlying(t types.Type) types.Type {
	if p, ok := t.Underlying().(*types.Pointer); ok {
		return p.Elem().Underlying()
	}
	return t.Underlying()
}

func objectItem(obj types.Object, qual types.Qualifier) message.CompletionItem {
	item := message.CompletionItem{Label: obj.Name(), Kind: objectKind(obj)}
	if _, isBuiltin := obj.(*types.Builtin); !isBuiltin {
		item.Detail = types.ObjectString(obj, qual)
	}
	return item
}

func objectKind(obj types.Object) string {
	switch o := obj.(type) {
	case *types.Func:
		if sig, ok := o.Type().(*types.Signature); ok && sig.Recv() != nil {
			return "method"
		}
		return "function"
	case *types.Builtin:
		return "function"
	case *types.Var:
		if o.IsField() {
			return "field"
		}
		return "variable"
	case *types.Const, *types.Nil:
		return "constant"
	case *types.TypeName:
		return "type"
	case *types.PkgName:
		return "module"
	case *types.Label:
		return "label"
	}
	return "text"
}

// filterItems keeps items starting with prefix and drops repeated labels,
// keeping the first.
func filterItems(items []message.CompletionItem, prefix string) []message.CompletionItem {
	seen := make(map[string]bool, len(items))
	out := make([]message.CompletionItem, 0, len(items))
	for _, it := range items {
		if !strings.HasPrefix(it.Label, prefix) || it.Label == "_" {
			continue
		}
		if seen[it.Label] {
			continue
		}
		seen[it.Label] = true
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// ResolveCompletionItem fills in Detail and Documentation.
func (w *Workspace) ResolveCompletionItem(ctx context.Context, args message.ResolveCompletionArgs) (message.CompletionItem, error) {
	item := args.Item
	if keywordSet[item.Label] && item.Kind == "keyword" {
		item.Detail = "keyword"
		item.Documentation = "Go keyword " + item.Label
		return item, nil
	}

	_, u, err := w.analyze(ctx, args.ModelURI)
	if err != nil {
		return item, err
	}

	if u != nil && u.pkg != nil {
		qual := types.RelativeTo(u.pkg)
		if obj := u.pkg.Scope().Lookup(item.Label); obj != nil {
			item.Detail = types.ObjectString(obj, qual)
			item.Documentation = u.docAt(obj.Pos())
			return item, nil
		}
		for _, imp := range u.pkg.Imports() {
			if obj := imp.Scope().Lookup(item.Label); obj != nil && obj.Exported() {
				item.Detail = types.ObjectString(obj, qual)
				return item, nil
			}
		}
	}
	if obj := types.Universe.Lookup(item.Label); obj != nil {
		if item.Detail == "" {
			item.Detail = types.ObjectString(obj, nil)
		}
		item.Documentation = "predeclared " + objectKind(obj)
	}
	return item, nil
}

// docAt returns the doc comment of the declaration at pos, if it is in
// one of the unit's files.
func (u *unit) docAt(pos token.Pos) string {
	if !pos.IsValid() {
		return ""
	}
	tf := u.fset.File(pos)
	if tf == nil {
		return ""
	}
	file := u.files[tf.Name()]
	if file == nil {
		return ""
	}
	path, _ := astutil.PathEnclosingInterval(file, pos, pos)
	for i, n := range path {
		switch n := n.(type) {
		case *ast.FuncDecl:
			return strings.TrimSpace(n.Doc.Text())
		case *ast.Field:
			return strings.TrimSpace(firstNonEmpty(n.Doc.Text(), n.Comment.Text()))
		case *ast.TypeSpec:
			return strings.TrimSpace(firstNonEmpty(n.Doc.Text(), genDeclDoc(path[i+1:])))
		case *ast.ValueSpec:
			return strings.TrimSpace(firstNonEmpty(n.Doc.Text(), n.Comment.Text(), genDeclDoc(path[i+1:])))
		}
	}
	return ""
}

func genDeclDoc(path []ast.Node) string {
	for _, n := range path {
		if gd, ok := n.(*ast.GenDecl); ok {
			return gd.Doc.Text()
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// Semantic Tokens
// =============================================================================

// ProvideSemanticTokens classifies the tokens of a model.
func (w *Workspace) ProvideSemanticTokens(ctx context.Context, args message.ModelArgs) (message.SemanticTokens, error) {
	text, ok := w.Model(args.ModelURI)
	if !ok {
		return message.SemanticTokens{}, fmt.Errorf("%w: %q", ErrUnknownModel, args.ModelURI)
	}
	if !strings.HasSuffix(args.ModelURI, ".go") {
		return encodeTokens(nil), nil
	}
	toks, err := semanticTokens(ctx, []byte(text))
	if err != nil {
		return message.SemanticTokens{}, err
	}
	return encodeTokens(toks), nil
}

// =============================================================================
// Code Actions
// =============================================================================

var unusedImport = regexp.MustCompile(`^"([^"]+)" imported (?:as (\w+) )?and not used`)

// ProvideCodeActions offers removal of unused imports whose diagnostics
// fall in the range (any range when zero), then whole-document gofmt.
func (w *Workspace) ProvideCodeActions(ctx context.Context, args message.CodeActionArgs) ([]message.CodeAction, error) {
	text, u, err := w.analyze(ctx, args.ModelURI)
	if err != nil {
		return nil, err
	}
	actions := []message.CodeAction{}
	if u == nil {
		return actions, nil
	}

	for _, m := range u.markersFor(args.ModelURI) {
		match := unusedImport.FindStringSubmatch(m.Message)
		if match == nil || !inRange(m.Range.Start, args.Range) {
			continue
		}
		fixed, err := deleteImport(args.ModelURI, text, match[2], match[1])
		if err != nil || fixed == text {
			continue
		}
		actions = append(actions, message.CodeAction{
			Title: "Remove unused import " + `"` + match[1] + `"`,
			Kind:  "quickfix",
			Edits: []message.TextEdit{wholeDocument(text, fixed)},
		})
	}

	if formatted, err := format.Source([]byte(text)); err == nil && string(formatted) != text {
		actions = append(actions, message.CodeAction{
			Title: "Format document",
			Kind:  "source.format",
			Edits: []message.TextEdit{wholeDocument(text, string(formatted))},
		})
	}
	return actions, nil
}

func deleteImport(name, text, alias, path string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name, text, parser.ParseComments)
	if err != nil {
		return "", err
	}
	if !astutil.DeleteNamedImport(fset, file, alias, path) {
		return text, nil
	}
	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func inRange(p message.Position, r message.Range) bool {
	if r == (message.Range{}) {
		return true
	}
	return p.Line >= r.Start.Line && p.Line <= r.End.Line
}

// wholeDocument replaces all of text with updated.
func wholeDocument(text, updated string) message.TextEdit {
	lines := strings.Split(text, "\n")
	last := lines[len(lines)-1]
	return message.TextEdit{
		Range: message.Range{
			Start: message.Position{Line: 1, Column: 1},
			End:   message.Position{Line: len(lines), Column: len(last) + 1},
		},
		Text: updated,
	}
}

// =============================================================================
// Hover and Signature Help
// =============================================================================

// ProvideHover describes the identifier or expression at the position.
// It returns nil when there is nothing to describe.
func (w *Workspace) ProvideHover(ctx context.Context, args message.PositionArgs) (*message.Hover, error) {
	_, u, err := w.analyze(ctx, args.ModelURI)
	if err != nil || u == nil || u.pkg == nil {
		return nil, err
	}
	file := u.files[args.ModelURI]
	pos := u.pos(args.ModelURI, args.Position)
	path, _ := astutil.PathEnclosingInterval(file, pos, pos)
	if len(path) == 0 {
		return nil, nil
	}
	qual := types.RelativeTo(u.pkg)

	if id, ok := path[0].(*ast.Ident); ok {
		if obj := u.info.ObjectOf(id); obj != nil {
			contents := []string{types.ObjectString(obj, qual)}
			if doc := u.docAt(obj.Pos()); doc != "" {
				contents = append(contents, doc)
			}
			return u.hover(id, contents), nil
		}
	}

	expr, ok := path[0].(ast.Expr)
	if !ok {
		return nil, nil
	}
	tv, ok := u.info.Types[expr]
	if !ok || tv.Type == nil {
		return nil, nil
	}
	content := types.TypeString(tv.Type, qual)
	if tv.Value != nil {
		content += " = " + tv.Value.ExactString()
	}
	return u.hover(expr, []string{content}), nil
}

func (u *unit) hover(n ast.Node, contents []string) *message.Hover {
	return &message.Hover{
		Contents: contents,
		Range:    message.Range{Start: u.position(n.Pos()), End: u.position(n.End())},
	}
}

// ProvideSignatureHelp describes the innermost call whose parentheses
// enclose the position. It returns nil outside a call.
func (w *Workspace) ProvideSignatureHelp(ctx context.Context, args message.PositionArgs) (*message.SignatureHelp, error) {
	_, u, err := w.analyze(ctx, args.ModelURI)
	if err != nil || u == nil || u.pkg == nil {
		return nil, err
	}
	file := u.files[args.ModelURI]
	pos := u.pos(args.ModelURI, args.Position)
	path, _ := astutil.PathEnclosingInterval(file, pos, pos)

	var call *ast.CallExpr
	for _, n := range path {
		if c, ok := n.(*ast.CallExpr); ok && c.Lparen < pos && pos <= c.Rparen {
			call = c
			break
		}
	}
	if call == nil {
		return nil, nil
	}
	if tv, ok := u.info.Types[call.Fun]; ok && tv.IsType() {
		return nil, nil
	}
	typ := u.info.TypeOf(call.Fun)
	if typ == nil {
		return nil, nil
	}
	sig, ok := typ.Underlying().(*types.Signature)
	if !ok {
		return nil, nil
	}

	qual := types.RelativeTo(u.pkg)
	info := message.SignatureInformation{
		Label:      calleeName(call.Fun) + strings.TrimPrefix(types.TypeString(sig, qual), "func"),
		Parameters: []string{},
	}
	for i := 0; i < sig.Params().Len(); i++ {
		p := sig.Params().At(i)
		label := types.TypeString(p.Type(), qual)
		if p.Name() != "" {
			label = p.Name() + " " + label
		}
		info.Parameters = append(info.Parameters, label)
	}
	if id := calleeIdent(call.Fun); id != nil {
		if obj := u.info.Uses[id]; obj != nil {
			info.Documentation = u.docAt(obj.Pos())
		}
	}

	active := 0
	for i, arg := range call.Args {
		if pos > arg.End() {
			active = i + 1
		}
	}
	if n := len(info.Parameters); n > 0 {
		active = min(active, n-1)
	}

	return &message.SignatureHelp{
		Signatures:      []message.SignatureInformation{info},
		ActiveParameter: active,
	}, nil
}

func calleeIdent(fun ast.Expr) *ast.Ident {
	switch f := astutil.Unparen(fun).(type) {
	case *ast.Ident:
		return f
	case *ast.SelectorExpr:
		return f.Sel
	case *ast.IndexExpr:
		return calleeIdent(f.X)
	}
	return nil
}

func calleeName(fun ast.Expr) string {
	if id := calleeIdent(fun); id != nil {
		return id.Name
	}
	return "func"
}
