// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/labworker/services/offload/message"
	"github.com/AleutianAI/labworker/services/offload/offloadtest"
)

func newTestExecutor(t *testing.T) (*Executor, *offloadtest.Services) {
	t.Helper()
	fake := offloadtest.NewServices()
	t.Cleanup(fake.Release)
	return New(fake, fake, slog.New(slog.NewTextHandler(io.Discard, nil))), fake
}

type detailedError struct{}

func (detailedError) Error() string  { return "type check failed" }
func (detailedError) Detail() string { return "main.go:3:2: undefined: x" }

func TestHandle_Success(t *testing.T) {
	exec, _ := newTestExecutor(t)

	input := message.CompileInput{Files: []message.SourceFile{{Name: "main.go", Text: "package main"}}}
	resp := exec.Handle(context.Background(), message.Request{ID: 1, Kind: message.KindCompile, Args: input})

	require.Equal(t, message.TypeSuccess, resp.Type)
	assert.Equal(t, int64(1), resp.ID)
	asm, err := message.Value[message.CompiledAssembly](resp)
	require.NoError(t, err)
	require.Len(t, asm.Files, 1)
	assert.Equal(t, "main.go", asm.Files[0].Name)
}

func TestHandle_WirePayload(t *testing.T) {
	exec, _ := newTestExecutor(t)

	payload, err := json.Marshal(message.VersionArgs{Version: "v1.23.1"})
	require.NoError(t, err)

	resp := exec.Handle(context.Background(), message.Request{ID: 2, Kind: message.KindGetSdkInfo, Payload: payload})
	require.Equal(t, message.TypeSuccess, resp.Type)
	info, err := message.Value[message.SdkInfo](resp)
	require.NoError(t, err)
	assert.Equal(t, "v1.23.1", info.Version)
}

func TestHandle_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		req        message.Request
		setup      func(*offloadtest.Services)
		wantType   message.ResponseType
		wantMsg    string
		wantDetail string
	}{
		{
			name:     "ping",
			req:      message.Request{ID: 1, Kind: message.KindPing},
			wantType: message.TypeEmpty,
		},
		{
			name:     "notification",
			req:      message.Request{ID: 2, Kind: message.KindOnDidChangeModel, Args: message.Model{URI: "a", Text: "x"}},
			wantType: message.TypeEmpty,
		},
		{
			name:     "unknown kind",
			req:      message.Request{ID: 3, Kind: "format_disk"},
			wantType: message.TypeFailure,
			wantMsg:  `unknown request kind: "format_disk"`,
		},
		{
			name:     "bad payload",
			req:      message.Request{ID: 4, Kind: message.KindGetSdkInfo, Payload: json.RawMessage(`[1,2]`)},
			wantType: message.TypeFailure,
			wantMsg:  "invalid get_sdk_info payload",
		},
		{
			name:     "handler error",
			req:      message.Request{ID: 5, Kind: message.KindGetOutput, Args: message.GetOutputArgs{File: "missing.go"}},
			wantType: message.TypeFailure,
			wantMsg:  `file "missing.go" not found`,
		},
		{
			name: "detailed error",
			req:  message.Request{ID: 6, Kind: message.KindCompile, Args: message.CompileInput{}},
			setup: func(s *offloadtest.Services) {
				s.CompileHook = func(context.Context, message.CompileInput) (message.CompiledAssembly, error) {
					return message.CompiledAssembly{}, detailedError{}
				}
			},
			wantType:   message.TypeFailure,
			wantMsg:    "type check failed",
			wantDetail: "undefined: x",
		},
		{
			name: "panic",
			req:  message.Request{ID: 7, Kind: message.KindGetDiagnostics, Args: message.ModelArgs{ModelURI: "a"}},
			setup: func(s *offloadtest.Services) {
				s.DiagnosticsHook = func(context.Context, message.ModelArgs) ([]message.Marker, error) {
					panic("index out of range")
				}
			},
			wantType:   message.TypeFailure,
			wantMsg:    "internal error: index out of range",
			wantDetail: "goroutine",
		},
		{
			name:     "nil pointer result",
			req:      message.Request{ID: 8, Kind: message.KindProvideSignatureHelp, Args: message.PositionArgs{}},
			wantType: message.TypeSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, fake := newTestExecutor(t)
			if tt.setup != nil {
				tt.setup(fake)
			}

			resp := exec.Handle(context.Background(), tt.req)

			assert.Equal(t, tt.req.ID, resp.ID)
			require.Equal(t, tt.wantType, resp.Type)
			if tt.wantType == message.TypeFailure {
				require.NotNil(t, resp.Failure)
				assert.Contains(t, resp.Failure.Message, tt.wantMsg)
				assert.Contains(t, resp.Failure.Detail, tt.wantDetail)
			}
			assert.Zero(t, exec.Registry().Len())
		})
	}
}

func TestCancel_InFlight(t *testing.T) {
	exec, fake := newTestExecutor(t)

	run := exec.Prepare(context.Background(), message.Request{
		ID: 10, Kind: message.KindProvideHover, Args: message.PositionArgs{Position: message.Position{Line: 3}},
	})
	assert.Equal(t, 1, exec.Registry().Len(), "handle must be registered before the handler runs")

	done := make(chan message.Response, 1)
	go func() { done <- run() }()
	<-fake.HoverStarted()

	cancelResp := exec.Handle(context.Background(), message.Request{
		ID: 11, Kind: message.KindCancel, Args: message.CancelArgs{TargetID: 10},
	})
	assert.Equal(t, message.TypeEmpty, cancelResp.Type)

	select {
	case resp := <-done:
		assert.Equal(t, message.TypeCancelled, resp.Type)
		assert.Equal(t, int64(10), resp.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled handler did not finish")
	}
	assert.Zero(t, exec.Registry().Len())
}

func TestCancel_CancelledWinsOverLateResult(t *testing.T) {
	exec, fake := newTestExecutor(t)

	run := exec.Prepare(context.Background(), message.Request{ID: 12, Kind: message.KindProvideHover, Args: message.PositionArgs{}})
	// Cancel before the handler even starts; the fake then sees a done ctx.
	assert.True(t, exec.Registry().Cancel(12))
	fake.Release()

	resp := run()
	assert.Equal(t, message.TypeCancelled, resp.Type)
}

func TestCancel_CompletedIsNoop(t *testing.T) {
	exec, fake := newTestExecutor(t)

	// A finished request.
	fake.Release()
	resp := exec.Handle(context.Background(), message.Request{ID: 20, Kind: message.KindProvideHover, Args: message.PositionArgs{}})
	require.Equal(t, message.TypeSuccess, resp.Type)

	// Another one still registered.
	other := exec.Prepare(context.Background(), message.Request{ID: 21, Kind: message.KindProvideCompletionItems, Args: message.PositionArgs{ModelURI: "m"}})

	cancelResp := exec.Handle(context.Background(), message.Request{
		ID: 22, Kind: message.KindCancel, Args: message.CancelArgs{TargetID: 20},
	})
	assert.Equal(t, message.TypeEmpty, cancelResp.Type)
	assert.Equal(t, 1, exec.Registry().Len())

	assert.Equal(t, message.TypeSuccess, other().Type)
	assert.Zero(t, exec.Registry().Len())
}

func TestRegistry_ScopeCloseOnce(t *testing.T) {
	reg := NewRegistry()

	ctx, scope := reg.Begin(context.Background(), 1)
	assert.Equal(t, 1, reg.Len())

	scope.Close()
	scope.Close()
	assert.Zero(t, reg.Len())
	assert.True(t, errors.Is(ctx.Err(), context.Canceled))
	assert.False(t, reg.Cancel(1))
}

func TestRegistry_DuplicateID(t *testing.T) {
	reg := NewRegistry()

	first, firstScope := reg.Begin(context.Background(), 7)
	_, secondScope := reg.Begin(context.Background(), 7)
	assert.Error(t, first.Err(), "older call with a reused ID is cancelled")

	firstScope.Close()
	assert.Equal(t, 1, reg.Len(), "closing the older scope must not remove the newer entry")
	secondScope.Close()
	assert.Zero(t, reg.Len())
}
