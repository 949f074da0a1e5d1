// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package inbox

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/parley-chat/parley/internal/events"
)

// HandlerFunc processes one decoded event. Handlers must be idempotent:
// a retried row re-invokes the handler with the same payload.
type HandlerFunc func(ctx context.Context, e *events.Envelope) error

// Registry maps event types to handlers.
type Registry struct {
	handlers map[events.Type]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[events.Type]HandlerFunc)}
}

// Register binds a handler to an event type, replacing any previous one.
func (r *Registry) Register(t events.Type, h HandlerFunc) {
	r.handlers[t] = h
}

// Dispatch routes an envelope to its handler. An unregistered type is an
// error so the row retries and eventually surfaces as dead rather than
// vanishing silently.
func (r *Registry) Dispatch(ctx context.Context, e *events.Envelope) error {
	h, ok := r.handlers[e.Type]
	if !ok {
		return fmt.Errorf("inbox: no handler registered for %q", e.Type)
	}
	return h(ctx, e)
}

// Broadcaster pushes a payload to every replica holding sockets
// subscribed to the destination.
type Broadcaster interface {
	Publish(ctx context.Context, destination string, payload []byte) error
}

// View is the client-facing frame re-materialized from a processed event.
type View struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// RegisterBroadcastHandlers wires the standard delivery handlers: each
// decodes its payload, rebuilds a client view, and pushes it to the
// destinations relevant for that event family.
func RegisterBroadcastHandlers(r *Registry, b Broadcaster) {
	forward := func(kind string, destinations func(any) []string) HandlerFunc {
		return func(ctx context.Context, e *events.Envelope) error {
			payload, err := events.DecodePayload(e)
			if err != nil {
				return err
			}
			frame, err := json.Marshal(View{Kind: kind, Data: payload})
			if err != nil {
				return fmt.Errorf("marshal %s view: %w", kind, err)
			}
			for _, dest := range destinations(payload) {
				if err := b.Publish(ctx, dest, frame); err != nil {
					return fmt.Errorf("broadcast %s to %s: %w", kind, dest, err)
				}
			}
			return nil
		}
	}

	channelDest := func(p any) []string {
		if mp, ok := p.(*events.MessagePayload); ok {
			return []string{events.ChannelDestination(mp.ChannelID)}
		}
		if rp, ok := p.(*events.ReactionPayload); ok {
			return []string{events.ChannelDestination(rp.ChannelID)}
		}
		return nil
	}

	directDest := func(p any) []string {
		dm, ok := p.(*events.DirectMessagePayload)
		if !ok {
			return nil
		}
		// Both parties' streams show the message.
		return []string{
			events.DirectDestination(dm.RecipientID),
			events.DirectDestination(dm.SenderID),
		}
	}

	presenceDest := func(any) []string {
		return []string{events.DestinationPresence}
	}

	r.Register(events.TypeMessageCreated, forward("message.created", channelDest))
	r.Register(events.TypeMessageEdited, forward("message.edited", channelDest))
	r.Register(events.TypeMessageDeleted, forward("message.deleted", channelDest))
	r.Register(events.TypeReactionAdded, forward("reaction.added", channelDest))
	r.Register(events.TypeReactionRemoved, forward("reaction.removed", channelDest))
	r.Register(events.TypeDirectMessageCreated, forward("direct.created", directDest))
	r.Register(events.TypeDirectMessageEdited, forward("direct.edited", directDest))
	r.Register(events.TypeDirectMessageDeleted, forward("direct.deleted", directDest))
	r.Register(events.TypePresenceChanged, forward("presence.changed", presenceDest))
	r.Register(events.TypePresenceSnapshot, forward("presence.snapshot", presenceDest))
}
