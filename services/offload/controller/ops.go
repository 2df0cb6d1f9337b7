// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"context"

	"github.com/AleutianAI/labworker/services/offload/message"
)

// =============================================================================
// Compiler Operations
// =============================================================================

// Compile compiles input and returns every eager output.
func (c *Controller) Compile(ctx context.Context, input message.CompileInput) (message.CompiledAssembly, error) {
	return Call[message.CompiledAssembly](ctx, c, message.KindCompile, input)
}

// GetOutput computes one output of file, typically a lazy one.
func (c *Controller) GetOutput(ctx context.Context, input message.CompileInput, file, outputType string) (string, error) {
	return Call[string](ctx, c, message.KindGetOutput, message.GetOutputArgs{
		Input:      input,
		File:       file,
		OutputType: outputType,
	})
}

// UseCompilerVersion selects the compiler version and configuration. The
// selection is remembered and applied to every later worker instance.
//
// Outputs:
//
//	bool - Whether the selection changed.
func (c *Controller) UseCompilerVersion(ctx context.Context, kind message.CompilerKind, version, configuration string) (bool, error) {
	return Call[bool](ctx, c, message.KindUseCompilerVersion, message.UseCompilerVersionArgs{
		Kind:          kind,
		Version:       version,
		Configuration: configuration,
	})
}

// GetCompilerDependencyInfo describes the selected compiler of kind.
func (c *Controller) GetCompilerDependencyInfo(ctx context.Context, kind message.CompilerKind) (message.CompilerDependencyInfo, error) {
	return Call[message.CompilerDependencyInfo](ctx, c, message.KindGetCompilerDependencyInfo, message.KindArgs{Kind: kind})
}

// GetSdkInfo describes version.
func (c *Controller) GetSdkInfo(ctx context.Context, version string) (message.SdkInfo, error) {
	return Call[message.SdkInfo](ctx, c, message.KindGetSdkInfo, message.VersionArgs{Version: version})
}

// =============================================================================
// Language Services
// =============================================================================
//
// The Provide* and Resolve* operations are cancelable: ending ctx sends a
// cancel to the worker and returns ErrCanceled.

// ProvideCompletionItems lists completions at a position.
func (c *Controller) ProvideCompletionItems(ctx context.Context, args message.PositionArgs) (message.CompletionList, error) {
	return Call[message.CompletionList](ctx, c, message.KindProvideCompletionItems, args)
}

// ResolveCompletionItem fills in the detail of a completion item.
func (c *Controller) ResolveCompletionItem(ctx context.Context, modelURI string, item message.CompletionItem) (message.CompletionItem, error) {
	return Call[message.CompletionItem](ctx, c, message.KindResolveCompletionItem, message.ResolveCompletionArgs{
		ModelURI: modelURI,
		Item:     item,
	})
}

// ProvideSemanticTokens returns the semantic tokens of a model.
func (c *Controller) ProvideSemanticTokens(ctx context.Context, modelURI string) (message.SemanticTokens, error) {
	return Call[message.SemanticTokens](ctx, c, message.KindProvideSemanticTokens, message.ModelArgs{ModelURI: modelURI})
}

// ProvideCodeActions lists code actions for a range.
func (c *Controller) ProvideCodeActions(ctx context.Context, args message.CodeActionArgs) ([]message.CodeAction, error) {
	return Call[[]message.CodeAction](ctx, c, message.KindProvideCodeActions, args)
}

// ProvideHover returns hover content, or nil when there is none.
func (c *Controller) ProvideHover(ctx context.Context, args message.PositionArgs) (*message.Hover, error) {
	return Call[*message.Hover](ctx, c, message.KindProvideHover, args)
}

// ProvideSignatureHelp returns signature help, or nil outside a call.
func (c *Controller) ProvideSignatureHelp(ctx context.Context, args message.PositionArgs) (*message.SignatureHelp, error) {
	return Call[*message.SignatureHelp](ctx, c, message.KindProvideSignatureHelp, args)
}

// GetDiagnostics returns the markers of a model.
func (c *Controller) GetDiagnostics(ctx context.Context, modelURI string) ([]message.Marker, error) {
	return Call[[]message.Marker](ctx, c, message.KindGetDiagnostics, message.ModelArgs{ModelURI: modelURI})
}

// =============================================================================
// Notifications
// =============================================================================
//
// Over a worker, notifications return once the request is written and a
// handler failure is never reported back. On the fallback path the handler
// runs before the call returns.

// OnDidChangeWorkspace replaces the workspace.
func (c *Controller) OnDidChangeWorkspace(ctx context.Context, change message.WorkspaceChange) error {
	_, err := Call[struct{}](ctx, c, message.KindOnDidChangeWorkspace, change)
	return err
}

// OnDidChangeModel adds or replaces one model.
func (c *Controller) OnDidChangeModel(ctx context.Context, model message.Model) error {
	_, err := Call[struct{}](ctx, c, message.KindOnDidChangeModel, model)
	return err
}

// OnDidChangeModelContent applies incremental edits to a model.
func (c *Controller) OnDidChangeModelContent(ctx context.Context, change message.ModelContentChange) error {
	_, err := Call[struct{}](ctx, c, message.KindOnDidChangeModelContent, change)
	return err
}
