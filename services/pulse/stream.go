// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pulse

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianPulse/services/pulse/alerting"
)

const (
	// streamSendBuffer is the per-client outbound queue. A client that
	// falls this far behind is disconnected rather than allowed to
	// block the broadcast path.
	streamSendBuffer = 32

	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to loopback by default; cross-origin dashboards
	// are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans fired alerts out to connected websocket clients.
//
// # Thread Safety
//
// Safe for concurrent use. Broadcast never blocks on a slow client.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn *websocket.Conn
	send chan alerting.Alert
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With(slog.String("component", "alert_stream")),
		clients: map[*streamClient]struct{}{},
	}
}

// Broadcast queues an alert for every connected client. Clients whose
// queue is full are dropped.
func (h *Hub) Broadcast(alert alerting.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- alert:
		default:
			h.logger.Warn("dropping slow alert stream client",
				"remote", client.conn.RemoteAddr().String(),
			)
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleStream upgrades the request to a websocket and streams alerts
// until the client disconnects.
func (h *Hub) HandleStream(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan alerting.Alert, streamSendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("alert stream client connected",
		"remote", conn.RemoteAddr().String(),
	)

	go h.writePump(client)
	h.readPump(client)
}

// writePump drains the client queue onto the socket, interleaving
// pings to detect dead peers.
func (h *Hub) writePump(client *streamClient) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	defer client.conn.Close()

	for {
		select {
		case alert, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := client.conn.WriteJSON(alert); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages until the connection errors,
// then unregisters the client.
func (h *Hub) readPump(client *streamClient) {
	defer h.remove(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(client *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	client.conn.Close()
}

// Close disconnects all clients. Further connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}
