// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package broadcast turns one logical event into a local delivery on
// every replica holding a relevant live connection. Publishing always
// goes through the broker's fan-out subject — including for destinations
// served by the publishing replica itself. The uniform path costs one
// broker round trip for local deliveries and in exchange removes the
// "deliver to my own sockets" special case entirely.
package broadcast

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/metrics"
)

// frame is the wire format on the fan-out subject. Origin identifies the
// publishing replica for observability; it is not used for routing —
// every replica, origin included, delivers the payload locally.
type frame struct {
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
}

// Bus is the broker transport for fan-out frames.
type Bus interface {
	Publish(topic string, msg *message.Message) error
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// Broadcaster publishes payloads to destinations across all replicas.
type Broadcaster struct {
	bus       Bus
	replicaID string
}

// NewBroadcaster creates a broadcaster tagged with this replica's ID.
func NewBroadcaster(bus Bus, replicaID string) *Broadcaster {
	return &Broadcaster{bus: bus, replicaID: replicaID}
}

// Publish wraps the payload with the origin replica and destination and
// publishes it to the shared fan-out subject.
func (b *Broadcaster) Publish(_ context.Context, destination string, payload []byte) error {
	data, err := json.Marshal(frame{
		Origin:      b.replicaID,
		Destination: destination,
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("broadcast: marshal frame: %w", err)
	}

	if err := b.bus.Publish(events.SubjectFanout, message.NewMessage(uuid.New().String(), data)); err != nil {
		return fmt.Errorf("broadcast: publish to %s: %w", destination, err)
	}
	metrics.FanoutPublished.Inc()
	return nil
}
