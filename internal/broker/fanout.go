// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package broker

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/parley-chat/parley/internal/config"
)

// FanoutBus is the transport for the broadcast path. It runs on core NATS
// (JetStream disabled) with no queue group: every replica's subscription
// receives every message independently, which is exactly the fan-out
// semantics the broadcast layer needs. Durability is deliberately absent —
// a replica that was down gets healed by the presence snapshot and by
// clients re-syncing on reconnect, not by replaying fan-out traffic.
type FanoutBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

// NewFanoutBus creates the fan-out publisher/subscriber pair.
func NewFanoutBus(cfg config.NATSConfig, logger watermill.LoggerAdapter) (*FanoutBus, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOptions(cfg, logger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create fanout publisher: %w", err)
	}

	// No QueueGroupPrefix: subscriptions must not load-balance.
	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:         cfg.URL,
		NatsOptions: natsOptions(cfg, logger),
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("create fanout subscriber: %w", err)
	}

	return &FanoutBus{publisher: pub, subscriber: sub}, nil
}

// Publish sends a payload to the fan-out subject.
func (b *FanoutBus) Publish(topic string, msg *message.Message) error {
	return b.publisher.Publish(topic, msg)
}

// Subscribe returns this replica's independent message stream for topic.
func (b *FanoutBus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.subscriber.Subscribe(ctx, topic)
}

// Close shuts down both sides of the bus.
func (b *FanoutBus) Close() error {
	pubErr := b.publisher.Close()
	subErr := b.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
