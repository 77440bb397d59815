// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/adapter"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/connection"
)

const (
	// streamBuffer is how many events a slow client may fall behind before
	// it is disconnected.
	streamBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleStream handles GET /v1/notebook/notebooks/:id/ws.
//
// Description:
//
//	Upgrades to a websocket and pushes a StreamMessage for every rebuild
//	and every diagnostics publication of the session. Clients only read.
//	A client that falls streamBuffer messages behind is dropped.
func (h *Handlers) HandleStream(c *gin.Context) {
	logger := h.logger(c, "HandleStream")
	s, ok := h.session(c)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("Websocket client connected", "session", s.ID())

	out := make(chan StreamMessage, streamBuffer)
	overflow := make(chan struct{})
	var (
		sendMu     sync.Mutex
		overflowed bool
	)
	send := func(m StreamMessage) {
		sendMu.Lock()
		defer sendMu.Unlock()
		select {
		case out <- m:
		default:
			if !overflowed {
				overflowed = true
				close(overflow)
			}
		}
	}

	cancelRebuild := s.Adapter().OnRebuild(func(ev adapter.RebuildEvent) {
		send(StreamMessage{Type: "rebuild", Rebuild: &ev})
	})
	defer cancelRebuild()
	if conns := s.Connections(); conns != nil {
		cancelDiag := conns.Subscribe(func(ev connection.DiagnosticsEvent) {
			send(StreamMessage{Type: "diagnostics", Diagnostics: &ev})
		})
		defer cancelDiag()
	}

	// The read loop only services control frames and notices the close.
	closed := make(chan struct{})
	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case m := <-out:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(m); err != nil {
				logger.Warn("Failed to write WebSocket JSON", "error", err)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-overflow:
			logger.Warn("Websocket client too slow, disconnecting", "session", s.ID())
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			logger.Info("Websocket client disconnected", "session", s.ID())
			return
		}
	}
}
