// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package websocket

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/logging"
)

// Inbound control frame types.
const (
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
	ControlPing        = "ping"
	ControlPong        = "pong"
)

// ControlFrame is what a client sends upstream: subscription management
// and application-level pings.
type ControlFrame struct {
	Type        string `json:"type"`
	Destination string `json:"destination,omitempty"`
}

// clientIDCounter generates unique, monotonically increasing IDs.
// DETERMINISM: lets the hub sort clients consistently for routing.
var clientIDCounter atomic.Uint64

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id       uint64
	identity string
	hub      *Hub
	conn     *websocket.Conn
	send     chan Frame
	limiter  *rate.Limiter
	cfg      config.WebSocketConfig

	// destinations is this client's subscription set. Guarded by the
	// hub's mutex, not the client's.
	destinations map[string]bool
}

// NewClient creates a client for an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, identity string, cfg config.WebSocketConfig) *Client {
	limit := rate.Limit(cfg.InboundPerSecond)
	if cfg.InboundPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.InboundBurst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		id:           clientIDCounter.Add(1),
		identity:     identity,
		hub:          hub,
		conn:         conn,
		send:         make(chan Frame, cfg.SendBuffer),
		limiter:      rate.NewLimiter(limit, burst),
		cfg:          cfg,
		destinations: make(map[string]bool),
	}
}

// ID returns the client's unique identifier for deterministic ordering.
func (c *Client) ID() uint64 {
	return c.id
}

// Identity returns the identity this connection authenticated as.
func (c *Client) Identity() string {
	return c.identity
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump pumps control frames from the connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Str("identity", c.identity).Msg("unexpected websocket close error")
			}
			break
		}

		if !c.limiter.Allow() {
			logging.Warn().Str("identity", c.identity).Msg("inbound rate limit exceeded, closing connection")
			break
		}

		var frame ControlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn().Err(err).Str("identity", c.identity).Msg("malformed control frame")
			continue
		}
		c.handleControl(frame)
	}
}

func (c *Client) handleControl(frame ControlFrame) {
	switch frame.Type {
	case ControlSubscribe:
		if !validDestination(frame.Destination) {
			logging.Warn().Str("destination", frame.Destination).Msg("rejecting invalid destination")
			return
		}
		c.hub.Subscribe(c, frame.Destination)
	case ControlUnsubscribe:
		c.hub.Unsubscribe(c, frame.Destination)
	case ControlPing:
		// The hub owns the send channel's lifecycle; Send checks the
		// client is still registered before writing, so a ping racing an
		// eviction is dropped instead of hitting a closed channel.
		pong, _ := json.Marshal(ControlFrame{Type: ControlPong})
		c.hub.Send(c, Frame{Data: pong})
	}
}

// writePump pumps frames from the hub to the connection and keeps the
// protocol-level ping/pong heartbeat alive.
func (c *Client) writePump() {
	pingPeriod := c.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The hub closed the channel
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					logging.Error().Err(err).Msg("failed to write close message")
				}
				return
			}

			if err := c.conn.WriteJSON(frame); err != nil {
				logging.Error().Err(err).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// validDestination accepts only the destination shapes the fan-out layer
// produces. Anything else would subscribe the client to a channel nothing
// ever delivers to.
func validDestination(destination string) bool {
	if destination == events.DestinationPresence {
		return true
	}
	parts := strings.Split(destination, "/")
	if len(parts) == 4 && parts[0] == "" && parts[2] != "" {
		if parts[1] == "channels" && parts[3] == "messages" {
			return true
		}
		if parts[1] == "users" && parts[3] == "direct" {
			return true
		}
	}
	return false
}
