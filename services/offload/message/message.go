// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package message defines the envelopes exchanged between the controller
// and a worker.
//
// # Wire Format
//
// Every frame is one JSON object. The kind (for requests) or type (for
// responses) is decoded before the payload, which stays a json.RawMessage
// until a caller that knows the kind asks for it with Args or Value:
//
//	{"id":7,"kind":"compile","payload":{...}}
//	{"id":7,"type":"success","payload":{...}}
//
// # Reserved IDs
//
// Request IDs are positive. Two negative IDs are reserved for responses
// that no single caller issued:
//
//   - UnsolicitedID carries the worker's Ready signal.
//   - BroadcastID carries a failure that applies to every pending caller.
//
// # In-Process Values
//
// Request.Args and Response.Value hold Go values and are never serialized.
// The fallback path hands them straight through, so the same handler code
// runs with and without a worker and nothing is encoded on that path.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// Identifiers
// =============================================================================

const (
	// UnsolicitedID marks a response that answers no request, such as Ready.
	UnsolicitedID int64 = -1

	// BroadcastID marks a failure addressed to every pending caller.
	BroadcastID int64 = -2
)

// Kind discriminates request types.
type Kind string

const (
	KindPing   Kind = "ping"
	KindCancel Kind = "cancel"

	KindCompile                   Kind = "compile"
	KindGetOutput                 Kind = "get_output"
	KindUseCompilerVersion        Kind = "use_compiler_version"
	KindGetCompilerDependencyInfo Kind = "get_compiler_dependency_info"
	KindGetSdkInfo                Kind = "get_sdk_info"

	KindProvideCompletionItems Kind = "provide_completion_items"
	KindResolveCompletionItem  Kind = "resolve_completion_item"
	KindProvideSemanticTokens  Kind = "provide_semantic_tokens"
	KindProvideCodeActions     Kind = "provide_code_actions"
	KindProvideHover           Kind = "provide_hover"
	KindProvideSignatureHelp   Kind = "provide_signature_help"

	KindOnDidChangeWorkspace    Kind = "on_did_change_workspace"
	KindOnDidChangeModel        Kind = "on_did_change_model"
	KindOnDidChangeModelContent Kind = "on_did_change_model_content"

	KindGetDiagnostics Kind = "get_diagnostics"
)

var kinds = map[Kind]struct {
	cancelable   bool
	notification bool
}{
	KindPing:                      {},
	KindCancel:                    {},
	KindCompile:                   {},
	KindGetOutput:                 {},
	KindUseCompilerVersion:        {},
	KindGetCompilerDependencyInfo: {},
	KindGetSdkInfo:                {},
	KindProvideCompletionItems:    {cancelable: true},
	KindResolveCompletionItem:     {cancelable: true},
	KindProvideSemanticTokens:     {cancelable: true},
	KindProvideCodeActions:        {cancelable: true},
	KindProvideHover:              {cancelable: true},
	KindProvideSignatureHelp:      {cancelable: true},
	KindOnDidChangeWorkspace:      {notification: true},
	KindOnDidChangeModel:          {notification: true},
	KindOnDidChangeModelContent:   {notification: true},
	KindGetDiagnostics:            {},
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Cancelable reports whether requests of this kind can be interrupted by a
// Cancel request naming their ID.
func (k Kind) Cancelable() bool {
	return kinds[k].cancelable
}

// Notification reports whether the caller does not wait for the response.
func (k Kind) Notification() bool {
	return kinds[k].notification
}

// ResponseType is the closed set of response variants.
type ResponseType string

const (
	TypeSuccess   ResponseType = "success"
	TypeFailure   ResponseType = "failure"
	TypeEmpty     ResponseType = "empty"
	TypeReady     ResponseType = "ready"
	TypeCancelled ResponseType = "cancelled"
)

// Valid reports whether t is one of the five response types.
func (t ResponseType) Valid() bool {
	switch t {
	case TypeSuccess, TypeFailure, TypeEmpty, TypeReady, TypeCancelled:
		return true
	}
	return false
}

// =============================================================================
// Envelopes
// =============================================================================

// Request is a correlated call from the controller to an executor.
type Request struct {
	ID   int64 `json:"id"`
	Kind Kind  `json:"kind"`

	// Trace carries W3C trace context across the worker boundary.
	Trace map[string]string `json:"trace,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	// Args is the in-process argument value. Never serialized.
	Args any `json:"-"`
}

// FailureInfo describes a failed request. Message is suitable for inline
// display; Detail holds diagnostics such as a stack trace.
type FailureInfo struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Response answers the request with the same ID, or carries one of the
// reserved IDs.
type Response struct {
	ID      int64           `json:"id"`
	Type    ResponseType    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Failure *FailureInfo    `json:"failure,omitempty"`

	// Value is the in-process result value. Never serialized.
	Value any `json:"-"`
}

// IsBroadcast reports whether the response applies to every pending caller.
func (r Response) IsBroadcast() bool {
	return r.ID == BroadcastID
}

// Success builds a successful response carrying v.
func Success(id int64, v any) Response {
	return Response{ID: id, Type: TypeSuccess, Value: v}
}

// Failure builds a failed response.
func Failure(id int64, msg, detail string) Response {
	return Response{ID: id, Type: TypeFailure, Failure: &FailureInfo{Message: msg, Detail: detail}}
}

// BroadcastFailure builds the failure pushed to every pending caller when
// the transport breaks.
func BroadcastFailure(msg, detail string) Response {
	return Failure(BroadcastID, msg, detail)
}

// Empty builds an acknowledgement without payload.
func Empty(id int64) Response {
	return Response{ID: id, Type: TypeEmpty}
}

// Cancelled builds the response for a request stopped by a Cancel.
func Cancelled(id int64) Response {
	return Response{ID: id, Type: TypeCancelled}
}

// Ready builds the worker startup signal.
func Ready() Response {
	return Response{ID: UnsolicitedID, Type: TypeReady}
}

// =============================================================================
// Codec
// =============================================================================

var (
	// ErrMalformed is returned for frames that are not a valid envelope.
	ErrMalformed = errors.New("malformed message")

	// ErrPayloadType is returned when a payload cannot be read as the
	// requested type.
	ErrPayloadType = errors.New("payload type mismatch")
)

// EncodeRequest serializes req, encoding Args into Payload when Payload is
// not already set.
func EncodeRequest(req Request) ([]byte, error) {
	if req.Payload == nil && req.Args != nil {
		raw, err := json.Marshal(req.Args)
		if err != nil {
			return nil, fmt.Errorf("encode %s args: %w", req.Kind, err)
		}
		req.Payload = raw
	}
	return json.Marshal(req)
}

// DecodeRequest parses a request envelope. The payload is left raw.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Kind == "" {
		return Request{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return req, nil
}

// EncodeResponse serializes resp, encoding Value into Payload when Payload
// is not already set.
func EncodeResponse(resp Response) ([]byte, error) {
	if resp.Payload == nil && resp.Value != nil {
		raw, err := json.Marshal(resp.Value)
		if err != nil {
			return nil, fmt.Errorf("encode response %d: %w", resp.ID, err)
		}
		resp.Payload = raw
	}
	return json.Marshal(resp)
}

// DecodeResponse parses a response envelope. The payload is left raw.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !resp.Type.Valid() {
		return Response{}, fmt.Errorf("%w: unknown response type %q", ErrMalformed, resp.Type)
	}
	if resp.Type == TypeFailure && resp.Failure == nil {
		resp.Failure = &FailureInfo{Message: "unknown failure"}
	}
	return resp, nil
}

// Args returns the request argument as T.
//
// Description:
//
//	On the fallback path Args already holds a T and is returned as is.
//	Otherwise Payload is unmarshaled into a fresh T. An absent payload
//	yields the zero T.
func Args[T any](req Request) (T, error) {
	var zero T
	if req.Args != nil {
		if v, ok := req.Args.(T); ok {
			return v, nil
		}
		return zero, fmt.Errorf("%w: %s args are %T, want %T", ErrPayloadType, req.Kind, req.Args, zero)
	}
	return decode[T](req.Payload)
}

// Value returns the response payload as T, following the same rules as Args.
func Value[T any](resp Response) (T, error) {
	var zero T
	if resp.Value != nil {
		if v, ok := resp.Value.(T); ok {
			return v, nil
		}
		return zero, fmt.Errorf("%w: response %d holds %T, want %T", ErrPayloadType, resp.ID, resp.Value, zero)
	}
	return decode[T](resp.Payload)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrPayloadType, err)
	}
	return v, nil
}
