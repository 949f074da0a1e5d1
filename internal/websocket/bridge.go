// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package websocket

import (
	"context"

	"github.com/parley-chat/parley/internal/broadcast"
	"github.com/parley-chat/parley/internal/logging"
)

// bridgePatterns covers every destination shape the delivery pipeline
// produces. The dispatcher fans a frame to at most one of these.
var bridgePatterns = []string{
	"/channels/*/messages",
	"/users/*/direct",
	"/presence",
}

// Bridge forwards fan-out deliveries from the broadcast dispatcher into
// the hub. One bridge runs per replica, under supervision; together with
// the dispatcher it is the only path by which event payloads reach
// connected clients.
type Bridge struct {
	dispatcher *broadcast.Dispatcher
	hub        *Hub
}

// NewBridge wires a dispatcher to a hub.
func NewBridge(dispatcher *broadcast.Dispatcher, hub *Hub) *Bridge {
	return &Bridge{dispatcher: dispatcher, hub: hub}
}

// String implements fmt.Stringer for supervision tree logging.
func (b *Bridge) String() string { return "websocket-bridge" }

// Serve subscribes to all delivery patterns and forwards until the
// context is canceled.
func (b *Bridge) Serve(ctx context.Context) error {
	merged := make(chan broadcast.Delivery, 256)
	cancels := make([]func(), 0, len(bridgePatterns))
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	for _, pattern := range bridgePatterns {
		ch, cancel := b.dispatcher.Subscribe(pattern)
		cancels = append(cancels, cancel)
		go func() {
			for d := range ch {
				select {
				case merged <- d:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	logging.Info().Msg("WebSocket bridge started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-merged:
			b.hub.Deliver(d.Destination, d.Payload)
		}
	}
}
