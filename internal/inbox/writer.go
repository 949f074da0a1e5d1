// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package inbox implements the consumer side of reliable event delivery:
// every replica's broker consumer persists raw events through the Writer
// (deduplicated by idempotency key), and a single leader-locked Processor
// decodes and dispatches them to local handlers that feed the broadcast
// fan-out.
package inbox

import (
	"context"
	"fmt"

	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/metrics"
	"github.com/parley-chat/parley/internal/store"
)

// Delivery is a raw broker message plus its consumer coordinates.
type Delivery struct {
	Topic          string
	StreamSequence uint64
	MessageKey     string
	Data           []byte
}

// WriterRepository is the slice of the inbox store the writer needs.
type WriterRepository interface {
	Insert(ctx context.Context, row *store.InboundEvent) (bool, error)
}

// Writer persists inbound events before any processing happens. The write
// is fast, local, and idempotent so the broker can be acknowledged
// immediately; a slow or failing processor can never stall consumption.
type Writer struct {
	repo WriterRepository
}

// NewWriter creates the intake writer.
func NewWriter(repo WriterRepository) *Writer {
	return &Writer{repo: repo}
}

// Store persists a delivery. It returns stored=false when the idempotency
// key already exists, which is the expected result of broker redelivery
// and of other replicas winning the intake race — never an error.
//
// The idempotency key is the envelope's business ID when the payload
// decodes; otherwise it falls back to the broker coordinates
// (topic:stream-sequence), which still collapses redeliveries of the
// same stored message.
func (w *Writer) Store(ctx context.Context, d *Delivery) (bool, error) {
	row := &store.InboundEvent{
		IdempotencyKey: fmt.Sprintf("%s:%d", d.Topic, d.StreamSequence),
		EventType:      "unknown",
		Topic:          d.Topic,
		StreamSequence: d.StreamSequence,
		MessageKey:     d.MessageKey,
		Payload:        d.Data,
	}

	if envelope, err := events.Decode(d.Data); err == nil {
		row.EventType = string(envelope.Type)
		if envelope.ID != "" {
			row.IdempotencyKey = envelope.ID
		}
	}

	stored, err := w.repo.Insert(ctx, row)
	if err != nil {
		return false, fmt.Errorf("inbox: store delivery: %w", err)
	}

	if stored {
		metrics.InboxStored.WithLabelValues(d.Topic).Inc()
	} else {
		metrics.InboxDuplicates.WithLabelValues(d.Topic).Inc()
	}
	return stored, nil
}
