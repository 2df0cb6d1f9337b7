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

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_Classification(t *testing.T) {
	tests := []struct {
		kind         Kind
		valid        bool
		cancelable   bool
		notification bool
	}{
		{KindCompile, true, false, false},
		{KindProvideHover, true, true, false},
		{KindResolveCompletionItem, true, true, false},
		{KindOnDidChangeModelContent, true, false, true},
		{KindGetDiagnostics, true, false, false},
		{KindCancel, true, false, false},
		{Kind("launch_missiles"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.kind.Valid())
			assert.Equal(t, tt.cancelable, tt.kind.Cancelable())
			assert.Equal(t, tt.notification, tt.kind.Notification())
		})
	}
}

func TestEncodeRequest_ArgsBecomePayload(t *testing.T) {
	req := Request{ID: 3, Kind: KindGetDiagnostics, Args: ModelArgs{ModelURI: "file:///main.go"}}

	data, err := EncodeRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, int64(3), decoded.ID)
	assert.Equal(t, KindGetDiagnostics, decoded.Kind)
	assert.Nil(t, decoded.Args)

	args, err := Args[ModelArgs](decoded)
	require.NoError(t, err)
	assert.Equal(t, "file:///main.go", args.ModelURI)
}

func TestDecodeRequest_KindBeforePayload(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":1,"kind":"compile","payload":{"files":"not-a-list"}}`))
	require.NoError(t, err, "envelope decode must not touch the payload")
	assert.Equal(t, KindCompile, req.Kind)

	_, err = Args[CompileInput](req)
	assert.ErrorIs(t, err, ErrPayloadType)
}

func TestDecodeRequest_Malformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"id":1}`, `[]`} {
		_, err := DecodeRequest([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestDecodeResponse(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodeResponse([]byte(`{"id":1,"type":"maybe"}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("failure without info", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"id":1,"type":"failure"}`))
		require.NoError(t, err)
		require.NotNil(t, resp.Failure)
		assert.NotEmpty(t, resp.Failure.Message)
	})

	t.Run("broadcast", func(t *testing.T) {
		data, err := EncodeResponse(BroadcastFailure("worker exited", "exit status 2"))
		require.NoError(t, err)
		resp, err := DecodeResponse(data)
		require.NoError(t, err)
		assert.True(t, resp.IsBroadcast())
		assert.Equal(t, "worker exited", resp.Failure.Message)
		assert.Equal(t, "exit status 2", resp.Failure.Detail)
	})
}

func TestValue_InProcessAndWire(t *testing.T) {
	hover := &Hover{Contents: []string{"func main()"}}
	inProcess := Success(9, hover)

	got, err := Value[*Hover](inProcess)
	require.NoError(t, err)
	assert.Same(t, hover, got)

	data, err := EncodeResponse(inProcess)
	require.NoError(t, err)
	wire, err := DecodeResponse(data)
	require.NoError(t, err)

	got, err = Value[*Hover](wire)
	require.NoError(t, err)
	assert.Equal(t, hover, got)
}

func TestValue_NilPointerPayload(t *testing.T) {
	data, err := EncodeResponse(Success(4, (*SignatureHelp)(nil)))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "null", string(raw["payload"]))

	resp, err := DecodeResponse(data)
	require.NoError(t, err)
	help, err := Value[*SignatureHelp](resp)
	require.NoError(t, err)
	assert.Nil(t, help)
}

func TestValue_TypeMismatch(t *testing.T) {
	_, err := Value[bool](Success(1, "yes"))
	assert.ErrorIs(t, err, ErrPayloadType)

	_, err = Args[ModelArgs](Request{ID: 1, Kind: KindGetDiagnostics, Args: PositionArgs{}})
	assert.ErrorIs(t, err, ErrPayloadType)
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, Response{ID: UnsolicitedID, Type: TypeReady}, Ready())
	assert.Equal(t, TypeEmpty, Empty(5).Type)
	assert.Equal(t, TypeCancelled, Cancelled(5).Type)
	assert.False(t, Failure(5, "m", "d").IsBroadcast())
}

func TestContentChange_Apply(t *testing.T) {
	pos := func(line, col int) Position { return Position{Line: line, Column: col} }
	tests := []struct {
		name   string
		text   string
		change ContentChange
		want   string
	}{
		{"replace word", "hello\nworld\n", ContentChange{Range: Range{Start: pos(1, 1), End: pos(1, 6)}, Text: "HELLO"}, "HELLO\nworld\n"},
		{"insert", "hello\nworld\n", ContentChange{Range: Range{Start: pos(2, 6), End: pos(2, 6)}, Text: "!"}, "hello\nworld!\n"},
		{"join lines", "hello\nworld\n", ContentChange{Range: Range{Start: pos(1, 6), End: pos(2, 1)}}, "helloworld\n"},
		{"column clamped to line end", "hello\nworld\n", ContentChange{Range: Range{Start: pos(1, 99), End: pos(1, 99)}, Text: "!"}, "hello!\nworld\n"},
		{"line past end appends", "hello", ContentChange{Range: Range{Start: pos(9, 1), End: pos(9, 1)}, Text: "!"}, "hello!"},
		{"reversed range", "abcdef", ContentChange{Range: Range{Start: pos(1, 4), End: pos(1, 2)}, Text: "-"}, "a-def"},
		{"zero range replaces all", "hello\n", ContentChange{Text: "bye\n"}, "bye\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.change.Apply(tt.text))
		})
	}
}

func TestModelContentChange_AppliesInOrder(t *testing.T) {
	change := ModelContentChange{URI: "a.txt", Changes: []ContentChange{
		{Range: Range{Start: Position{Line: 1, Column: 1}, End: Position{Line: 1, Column: 6}}, Text: "hi"},
		{Range: Range{Start: Position{Line: 1, Column: 3}, End: Position{Line: 1, Column: 3}}, Text: "!"},
	}}
	assert.Equal(t, "hi! world", change.Apply("hello world"))
}
