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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labworker/services/offload/message"
)

func input(files ...string) message.CompileInput {
	var in message.CompileInput
	for i := 0; i+1 < len(files); i += 2 {
		in.Files = append(in.Files, message.SourceFile{Name: files[i], Text: files[i+1]})
	}
	return in
}

const helloSrc = `package main

// Point is a position on a grid.
type Point struct {
	X, Y int
}

// Len sums the coordinates.
func (p Point) Len() int { return p.X + p.Y }

func main() {
	_ = Point{1, 2}.Len()
}
`

func TestCompile_Deterministic(t *testing.T) {
	c := NewCompiler(nil)
	ctx := context.Background()
	util := "package main\n\nfunc helper() int { return 1 }\n"

	first, err := c.Compile(ctx, input("main.go", helloSrc, "util.go", util))
	require.NoError(t, err)
	second, err := c.Compile(ctx, input("util.go", util, "main.go", helloSrc))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first.Files, 2)
	assert.Equal(t, "main.go", first.Files[0].Name)
	assert.Equal(t, "util.go", first.Files[1].Name)
	assert.Zero(t, first.ErrorCount)
	assert.Equal(t, "v1.24.0", first.GoVersion)
	assert.Equal(t, "amd64", first.Configuration)
}

func TestCompile_Outputs(t *testing.T) {
	c := NewCompiler(nil)
	asm, err := c.Compile(context.Background(), input("main.go", helloSrc))
	require.NoError(t, err)

	require.Len(t, asm.Files, 1)
	outputs := asm.Files[0].Outputs
	require.Len(t, outputs, 4)

	byType := map[string]message.CompiledOutput{}
	for _, o := range outputs {
		byType[o.Type] = o
	}
	assert.False(t, byType[message.OutputSyntax].Lazy)
	assert.Contains(t, byType[message.OutputSyntax].Text, "*ast.File")
	assert.Equal(t, helloSrc, byType[message.OutputFormat].Text)
	assert.True(t, byType[message.OutputTokens].Lazy)
	assert.Empty(t, byType[message.OutputTokens].Text)
	assert.True(t, byType[message.OutputDiff].Lazy)

	require.Len(t, asm.GlobalOutputs, 1)
	global := asm.GlobalOutputs[0]
	assert.Equal(t, message.OutputTypes, global.Type)
	assert.Contains(t, global.Text, "package main")
	assert.Contains(t, global.Text, "type Point struct{X int; Y int}")
	assert.Contains(t, global.Text, "Len() int")
	assert.Contains(t, global.Text, "func main()")
}

func TestCompile_TypeErrorIsDiagnostic(t *testing.T) {
	src := "package main\n\nfunc main() {\n\tvar x int = \"s\"\n\t_ = x\n}\n"
	asm, err := NewCompiler(nil).Compile(context.Background(), input("main.go", src))
	require.NoError(t, err)

	assert.Equal(t, 1, asm.ErrorCount)
	require.Len(t, asm.Diagnostics, 1)
	m := asm.Diagnostics[0]
	assert.Equal(t, message.SeverityError, m.Severity)
	assert.Equal(t, "golab", m.Source)
	assert.Equal(t, "main.go", m.File)
	assert.Equal(t, 4, m.Range.Start.Line)
}

func TestCompile_SyntaxErrorSkipsTypes(t *testing.T) {
	src := "package main\n\nfunc main() {\n"
	asm, err := NewCompiler(nil).Compile(context.Background(), input("main.go", src))
	require.NoError(t, err)

	assert.Positive(t, asm.ErrorCount)
	assert.Empty(t, asm.GlobalOutputs)
	require.Len(t, asm.Files, 1)
	assert.Contains(t, asm.Files[0].Outputs[1].Text, "// ")
}

func TestCompile_GofmtWarning(t *testing.T) {
	src := "package main\nfunc main(){}\n"
	asm, err := NewCompiler(nil).Compile(context.Background(), input("main.go", src))
	require.NoError(t, err)

	assert.Zero(t, asm.ErrorCount)
	assert.Equal(t, 1, asm.WarningCount)
	require.Len(t, asm.Diagnostics, 1)
	assert.Equal(t, message.SeverityWarning, asm.Diagnostics[0].Severity)
}

func TestCompile_InvalidInput(t *testing.T) {
	c := NewCompiler(nil)
	ctx := context.Background()

	_, err := c.Compile(ctx, message.CompileInput{})
	assert.ErrorIs(t, err, ErrNoFiles)

	_, err = c.Compile(ctx, input("", "package main\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.Compile(ctx, input("a.go", "package main\n", "a.go", "package main\n"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCompile_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCompiler(nil).Compile(ctx, input("main.go", helloSrc))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetOutput(t *testing.T) {
	c := NewCompiler(nil)
	ctx := context.Background()
	messy := "package main\nfunc main(){}\n"

	t.Run("diff of unformatted file", func(t *testing.T) {
		out, err := c.GetOutput(ctx, message.GetOutputArgs{Input: input("main.go", messy), File: "main.go", OutputType: message.OutputDiff})
		require.NoError(t, err)
		assert.Contains(t, out, "--- a/main.go")
		assert.Contains(t, out, "+++ b/main.go")
		assert.Contains(t, out, "+func main() {}")
	})

	t.Run("diff of formatted file is empty", func(t *testing.T) {
		out, err := c.GetOutput(ctx, message.GetOutputArgs{Input: input("main.go", helloSrc), File: "main.go", OutputType: message.OutputDiff})
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("tokens", func(t *testing.T) {
		out, err := c.GetOutput(ctx, message.GetOutputArgs{Input: input("main.go", helloSrc), File: "main.go", OutputType: message.OutputTokens})
		require.NoError(t, err)
		assert.Contains(t, out, `1:1 keyword "package"`)
		assert.Contains(t, out, `comment "// Point is a position on a grid."`)
	})

	t.Run("global types", func(t *testing.T) {
		out, err := c.GetOutput(ctx, message.GetOutputArgs{Input: input("main.go", helloSrc), OutputType: message.OutputTypes})
		require.NoError(t, err)
		assert.Contains(t, out, "type Point")
	})

	t.Run("unknown file", func(t *testing.T) {
		_, err := c.GetOutput(ctx, message.GetOutputArgs{Input: input("main.go", helloSrc), File: "other.go", OutputType: message.OutputSyntax})
		assert.ErrorIs(t, err, ErrUnknownFile)
	})

	t.Run("unknown output type", func(t *testing.T) {
		_, err := c.GetOutput(ctx, message.GetOutputArgs{Input: input("main.go", helloSrc), File: "main.go", OutputType: "ssa"})
		assert.ErrorIs(t, err, ErrUnknownOutput)

		_, err = c.GetOutput(ctx, message.GetOutputArgs{Input: input("main.go", helloSrc), OutputType: message.OutputSyntax})
		assert.ErrorIs(t, err, ErrUnknownOutput)
	})
}

func TestUseCompilerVersion(t *testing.T) {
	c := NewCompiler(nil)
	ctx := context.Background()

	changed, err := c.UseCompilerVersion(ctx, message.UseCompilerVersionArgs{Kind: message.CompilerGo, Version: "1.22"})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = c.UseCompilerVersion(ctx, message.UseCompilerVersionArgs{Kind: message.CompilerGo, Version: "go1.22.0"})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = c.UseCompilerVersion(ctx, message.UseCompilerVersionArgs{Kind: message.CompilerGo, Version: "v1.23.4", Configuration: "arm64"})
	require.NoError(t, err)
	assert.True(t, changed)

	info, err := c.GetCompilerDependencyInfo(ctx, message.CompilerGo)
	require.NoError(t, err)
	assert.Equal(t, "v1.23.4", info.Version)
	assert.Equal(t, "arm64", info.Configuration)
	assert.Equal(t, SupportedVersions, info.SupportedVersions)

	tests := []struct {
		name string
		args message.UseCompilerVersionArgs
		want error
	}{
		{"too old", message.UseCompilerVersionArgs{Kind: message.CompilerGo, Version: "1.19"}, ErrUnsupportedVersion},
		{"not a version", message.UseCompilerVersionArgs{Kind: message.CompilerGo, Version: "latest"}, ErrUnsupportedVersion},
		{"unknown configuration", message.UseCompilerVersionArgs{Kind: message.CompilerGo, Version: "1.24", Configuration: "mips"}, ErrUnknownConfiguration},
		{"unknown kind", message.UseCompilerVersionArgs{Kind: "rust", Version: "1.24"}, ErrUnknownCompiler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := c.UseCompilerVersion(ctx, tt.args)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, changed)

			var detailed interface{ Detail() string }
			if assert.True(t, errors.As(err, &detailed)) {
				assert.Contains(t, detailed.Detail(), "v1.24.0")
			}
		})
	}

	info, err = c.GetCompilerDependencyInfo(ctx, message.CompilerGo)
	require.NoError(t, err)
	assert.Equal(t, "v1.23.4", info.Version, "failed selections leave the previous one")

	_, err = c.GetCompilerDependencyInfo(ctx, "rust")
	assert.ErrorIs(t, err, ErrUnknownCompiler)
}

func TestUseCompilerVersion_AffectsTypeCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("language version", func(t *testing.T) {
		src := "package main\n\nfunc main() {\n\tfor range 3 {\n\t}\n}\n"
		c := NewCompiler(nil)

		asm, err := c.Compile(ctx, input("main.go", src))
		require.NoError(t, err)
		assert.Zero(t, asm.ErrorCount)

		_, err = c.UseCompilerVersion(ctx, message.UseCompilerVersionArgs{Kind: message.CompilerGo, Version: "1.21"})
		require.NoError(t, err)
		asm, err = c.Compile(ctx, input("main.go", src))
		require.NoError(t, err)
		assert.Equal(t, 1, asm.ErrorCount)
		assert.Contains(t, asm.Diagnostics[0].Message, "go1.22")
	})

	t.Run("configuration", func(t *testing.T) {
		src := "package main\n\nimport \"unsafe\"\n\nconst size = unsafe.Sizeof(uintptr(0))\n"
		c := NewCompiler(nil)

		out, err := c.GetOutput(ctx, message.GetOutputArgs{Input: input("main.go", src), OutputType: message.OutputTypes})
		require.NoError(t, err)
		assert.Contains(t, out, "const size uintptr = 8")

		_, err = c.UseCompilerVersion(ctx, message.UseCompilerVersionArgs{Kind: message.CompilerGo, Version: "1.24", Configuration: "386"})
		require.NoError(t, err)
		out, err = c.GetOutput(ctx, message.GetOutputArgs{Input: input("main.go", src), OutputType: message.OutputTypes})
		require.NoError(t, err)
		assert.Contains(t, out, "const size uintptr = 4")
	})
}

func TestGetSdkInfo(t *testing.T) {
	c := NewCompiler(nil)
	ctx := context.Background()

	info, err := c.GetSdkInfo(ctx, "1.22.3")
	require.NoError(t, err)
	assert.True(t, info.Valid)
	assert.True(t, info.Supported)
	assert.Equal(t, "v1", info.Major)
	assert.Equal(t, "v1.22", info.MajorMinor)
	assert.Equal(t, "go1.22", info.GoVersion)

	info, err = c.GetSdkInfo(ctx, "v1.26.0-rc.1")
	require.NoError(t, err)
	assert.True(t, info.Valid)
	assert.False(t, info.Supported)
	assert.Equal(t, "-rc.1", info.Prerelease)

	info, err = c.GetSdkInfo(ctx, "tip")
	require.NoError(t, err)
	assert.False(t, info.Valid)
	assert.False(t, info.Supported)
	assert.Equal(t, "tip", info.Version)
}
