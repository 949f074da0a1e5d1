// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package api

import (
	"net/http"

	gorilla "github.com/gorilla/websocket"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/websocket"
)

// WSHandler upgrades HTTP connections and registers them with the hub.
type WSHandler struct {
	hub      *websocket.Hub
	cfg      config.WebSocketConfig
	upgrader gorilla.Upgrader
}

// NewWSHandler creates the upgrade handler. checkOrigin may be nil, in
// which case gorilla's same-origin default applies.
func NewWSHandler(hub *websocket.Hub, cfg config.WebSocketConfig, checkOrigin func(*http.Request) bool) *WSHandler {
	return &WSHandler{
		hub: hub,
		cfg: cfg,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades the connection. The identity query parameter names
// who is connecting; it feeds presence tracking.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		http.Error(w, "identity query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn, identity, h.cfg)
	h.hub.Register <- client
	client.Start()
}
