// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc

import (
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteWait bounds transport writes of control messages.
const wsWriteWait = 10 * time.Second

// wsChannel adapts a gorilla WebSocket connection to the Channel
// interface for the connections the Server and Client establish. Frames
// travel as text messages; binary messages are discarded.
type wsChannel struct {
	conn *websocket.Conn
}

func newWSChannel(conn *websocket.Conn) *wsChannel { return &wsChannel{conn: conn} }

func (c *wsChannel) Send(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv reports a close handshake performed by the remote endpoint as a
// *CloseError carrying the received status.
func (c *wsChannel) Recv() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsChannel) Ping(payload []byte) error {
	return c.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(wsWriteWait))
}

func (c *wsChannel) SetPongHandler(f func(payload []byte)) {
	c.conn.SetPongHandler(func(appData string) error {
		f([]byte(appData))
		return nil
	})
}

func (c *wsChannel) CloseStatus(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func (c *wsChannel) Close() error { return c.conn.Close() }

var (
	_ Channel      = (*wsChannel)(nil)
	_ Pinger       = (*wsChannel)(nil)
	_ StatusCloser = (*wsChannel)(nil)
)
