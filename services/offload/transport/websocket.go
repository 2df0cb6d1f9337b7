// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket is a Conn carrying one frame per binary WebSocket message.
//
// Thread Safety: Same as Stream.
type WebSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pump    *pump

	closeOnce sync.Once
	closeErr  error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	// Workers are reached through a local socket or an authenticating
	// proxy; origin checks belong to that layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// DialWebSocket connects to a remote worker at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWebSocket(conn), nil
}

// AcceptWebSocket upgrades an HTTP request into a worker connection.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return newWebSocket(conn), nil
}

func newWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(MaxFrameSize)
	ws := &WebSocket{conn: conn}
	ws.pump = newPump(ws.readFrame)
	return ws
}

func (ws *WebSocket) readFrame() ([]byte, error) {
	for {
		msgType, data, err := ws.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.BinaryMessage || msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

// Send writes one frame as a binary message. A ctx deadline becomes the
// write deadline.
func (ws *WebSocket) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	if ws.pump.isClosed() {
		return ErrClosed
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := ws.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Recv returns the next frame.
func (ws *WebSocket) Recv(ctx context.Context) ([]byte, error) {
	return ws.pump.recv(ctx)
}

// Close sends a close message and closes the socket.
func (ws *WebSocket) Close() error {
	ws.closeOnce.Do(func() {
		ws.pump.close()

		ws.writeMu.Lock()
		_ = ws.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		ws.writeMu.Unlock()

		ws.closeErr = ws.conn.Close()
	})
	return ws.closeErr
}
