// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package message

import "strings"

// =============================================================================
// Compilation
// =============================================================================

// SourceFile is one named Go source file.
type SourceFile struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// CompileInput is the set of files compiled together as one package.
type CompileInput struct {
	Files []SourceFile `json:"files"`
}

// Output types produced per file or for the whole input.
const (
	OutputSyntax = "syntax"
	OutputFormat = "fmt"
	OutputTokens = "tokens"
	OutputDiff   = "diff"
	OutputTypes  = "types"
)

// CompiledOutput is one rendered view of the compiled input. A lazy output
// has no Text; fetch it with GetOutput.
type CompiledOutput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Lazy bool   `json:"lazy,omitempty"`
}

// CompiledFile groups the outputs of one source file.
type CompiledFile struct {
	Name    string           `json:"name"`
	Outputs []CompiledOutput `json:"outputs"`
}

// CompiledAssembly is the result of Compile.
type CompiledAssembly struct {
	Files         []CompiledFile   `json:"files"`
	GlobalOutputs []CompiledOutput `json:"globalOutputs"`
	Diagnostics   []Marker         `json:"diagnostics"`
	ErrorCount    int              `json:"errorCount"`
	WarningCount  int              `json:"warningCount"`
	GoVersion     string           `json:"goVersion"`
	Configuration string           `json:"configuration"`
}

// GetOutputArgs requests one output of one file ("" for global outputs).
type GetOutputArgs struct {
	Input      CompileInput `json:"input"`
	File       string       `json:"file"`
	OutputType string       `json:"outputType"`
}

// CompilerKind names a selectable compiler component.
type CompilerKind string

const (
	// CompilerGo is the language version used for type checking.
	CompilerGo CompilerKind = "go"
)

// UseCompilerVersionArgs selects a compiler version and build configuration.
type UseCompilerVersionArgs struct {
	Kind          CompilerKind `json:"kind"`
	Version       string       `json:"version"`
	Configuration string       `json:"configuration,omitempty"`
}

// CompilerDependencyInfo describes the active selection for a compiler kind.
type CompilerDependencyInfo struct {
	Kind              CompilerKind `json:"kind"`
	Version           string       `json:"version"`
	Configuration     string       `json:"configuration"`
	SupportedVersions []string     `json:"supportedVersions"`
	Configurations    []string     `json:"configurations"`
}

// SdkInfo describes a Go release.
type SdkInfo struct {
	Version    string `json:"version"`
	Valid      bool   `json:"valid"`
	Major      string `json:"major,omitempty"`
	MajorMinor string `json:"majorMinor,omitempty"`
	Prerelease string `json:"prerelease,omitempty"`
	GoVersion  string `json:"goVersion,omitempty"`
	Supported  bool   `json:"supported"`
}

// KindArgs carries a compiler kind.
type KindArgs struct {
	Kind CompilerKind `json:"kind"`
}

// VersionArgs carries a version string.
type VersionArgs struct {
	Version string `json:"version"`
}

// =============================================================================
// Language Services
// =============================================================================

// Position is a 1-based line and column.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Range is a half-open span of positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// ModelArgs names an open model.
type ModelArgs struct {
	ModelURI string `json:"modelUri"`
}

// PositionArgs names a position within a model.
type PositionArgs struct {
	ModelURI string   `json:"modelUri"`
	Position Position `json:"position"`
}

// CompletionItem is one completion candidate.
type CompletionItem struct {
	Label         string `json:"label"`
	Kind          string `json:"kind"`
	Detail        string `json:"detail,omitempty"`
	Documentation string `json:"documentation,omitempty"`
	InsertText    string `json:"insertText,omitempty"`
}

// CompletionList is the result of ProvideCompletionItems.
type CompletionList struct {
	Items []CompletionItem `json:"items"`
}

// ResolveCompletionArgs asks for detail on a previously returned item.
type ResolveCompletionArgs struct {
	ModelURI string         `json:"modelUri"`
	Item     CompletionItem `json:"item"`
}

// SemanticTokens uses the LSP relative encoding: five integers per token
// (delta line, delta start, length, type index, modifier bits).
type SemanticTokens struct {
	Legend []string `json:"legend"`
	Data   []uint32 `json:"data"`
}

// TextEdit replaces Range with Text.
type TextEdit struct {
	Range Range  `json:"range"`
	Text  string `json:"text"`
}

// CodeAction is an edit the user can apply.
type CodeAction struct {
	Title string     `json:"title"`
	Kind  string     `json:"kind"`
	Edits []TextEdit `json:"edits"`
}

// CodeActionArgs requests actions for a range.
type CodeActionArgs struct {
	ModelURI string `json:"modelUri"`
	Range    Range  `json:"range"`
}

// Hover is the result of ProvideHover. A nil *Hover means nothing to show.
type Hover struct {
	Contents []string `json:"contents"`
	Range    Range    `json:"range"`
}

// SignatureInformation describes one callable signature.
type SignatureInformation struct {
	Label         string   `json:"label"`
	Documentation string   `json:"documentation,omitempty"`
	Parameters    []string `json:"parameters"`
}

// SignatureHelp is the result of ProvideSignatureHelp. A nil value means no
// call encloses the position.
type SignatureHelp struct {
	Signatures      []SignatureInformation `json:"signatures"`
	ActiveSignature int                    `json:"activeSignature"`
	ActiveParameter int                    `json:"activeParameter"`
}

// Model is an open document.
type Model struct {
	URI  string `json:"uri"`
	Text string `json:"text"`
}

// WorkspaceChange replaces every open model.
type WorkspaceChange struct {
	Models []Model `json:"models"`
}

// ContentChange replaces Range in a model with Text.
type ContentChange struct {
	Range Range  `json:"range"`
	Text  string `json:"text"`
}

// Apply splices the change into text. Positions are 1-based with columns
// counted in bytes and clamped to the text. A zero range replaces the
// whole text.
func (c ContentChange) Apply(text string) string {
	if c.Range == (Range{}) {
		return c.Text
	}
	start := Offset(text, c.Range.Start)
	end := Offset(text, c.Range.End)
	if end < start {
		start, end = end, start
	}
	return text[:start] + c.Text + text[end:]
}

// Offset converts a 1-based position to a byte offset in text.
func Offset(text string, p Position) int {
	offset := 0
	for line := 1; line < p.Line; line++ {
		i := strings.IndexByte(text[offset:], '\n')
		if i < 0 {
			return len(text)
		}
		offset += i + 1
	}
	lineEnd := len(text)
	if i := strings.IndexByte(text[offset:], '\n'); i >= 0 {
		lineEnd = offset + i
	}
	return min(offset+max(p.Column, 1)-1, lineEnd)
}

// ModelContentChange applies incremental edits in order.
type ModelContentChange struct {
	URI     string          `json:"uri"`
	Changes []ContentChange `json:"changes"`
}

// Apply runs every change against text in order.
func (c ModelContentChange) Apply(text string) string {
	for _, ch := range c.Changes {
		text = ch.Apply(text)
	}
	return text
}

// Marker severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Marker is a diagnostic attached to a range of a model.
type Marker struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Source   string `json:"source"`
	File     string `json:"file,omitempty"`
	Range    Range  `json:"range"`
}

// =============================================================================
// Control
// =============================================================================

// CancelArgs names the request to cancel.
type CancelArgs struct {
	TargetID int64 `json:"targetId"`
}
