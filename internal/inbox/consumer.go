// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package inbox

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/parley-chat/parley/internal/broker"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/metrics"
)

// Consumer subscribes this replica to every business topic and feeds the
// intake Writer. Each replica owns its own named consumer — intake is
// fan-out across replicas, not competing consumption; the idempotency key
// turns the resulting N-way redundant delivery into exactly one stored row.
type Consumer struct {
	js        jetstream.JetStream
	writer    *Writer
	cfg       config.NATSConfig
	replicaID string
}

// NewConsumer creates the intake consumer for this replica.
func NewConsumer(js jetstream.JetStream, writer *Writer, cfg config.NATSConfig, replicaID string) *Consumer {
	return &Consumer{js: js, writer: writer, cfg: cfg, replicaID: replicaID}
}

// String implements fmt.Stringer for the supervisor.
func (c *Consumer) String() string {
	return "inbox-consumer"
}

// Serve implements suture.Service: it binds a per-replica durable consumer
// to the business stream and pumps messages into the Writer until the
// context is canceled.
func (c *Consumer) Serve(ctx context.Context) error {
	// InactiveThreshold ages out the durables left behind when a replica
	// restarts under a freshly generated ID.
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.StreamName, jetstream.ConsumerConfig{
		Durable:           fmt.Sprintf("%s-%s", c.cfg.DurableName, c.replicaID),
		FilterSubjects:    events.BusinessTopics(),
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           c.cfg.AckWaitTimeout,
		InactiveThreshold: c.cfg.ConsumerInactiveThreshold,
	})
	if err != nil {
		return fmt.Errorf("create intake consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("start intake consumption: %w", err)
	}
	defer cc.Stop()

	logging.Info().Str("replica", c.replicaID).Msg("inbox intake consumer started")
	<-ctx.Done()
	return ctx.Err()
}

// handleMessage stores one delivery and acknowledges the broker. The ack
// is unconditional once storage has been attempted: a failed local write
// after broker receipt drops the message, an explicit at-most-once
// trade-off on this single path. Retrying here would instead break the
// inbox's exactly-once processing guarantee downstream.
func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	meta, err := msg.Metadata()
	if err != nil {
		logging.Warn().Err(err).Msg("inbox message without JetStream metadata, dropping")
		_ = msg.Ack()
		return
	}

	metrics.BrokerConsumed.WithLabelValues(msg.Subject()).Inc()

	d := &Delivery{
		Topic:          msg.Subject(),
		StreamSequence: meta.Sequence.Stream,
		MessageKey:     msg.Headers().Get(broker.MetadataPartitionKey),
		Data:           msg.Data(),
	}

	stored, err := c.writer.Store(ctx, d)
	if err != nil {
		logging.Error().Err(err).
			Str("topic", d.Topic).
			Uint64("stream_seq", d.StreamSequence).
			Msg("inbox intake store failed, message dropped")
	} else if !stored {
		logging.Debug().
			Str("topic", d.Topic).
			Uint64("stream_seq", d.StreamSequence).
			Msg("inbox intake duplicate ignored")
	}

	if err := msg.Ack(); err != nil {
		logging.Warn().Err(err).Msg("inbox ack failed")
	}
}
