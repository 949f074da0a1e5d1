// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package outbox implements the producer side of reliable event delivery:
// the Writer appends events inside the caller's business transaction, the
// Processor drains the queue to the broker under a distributed-lock lease,
// and the Cleaner purges processed rows past retention.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/store"
)

// ErrNoTransaction is returned when Append is called without an open
// transaction. The append must share the business mutation's atomic unit
// of work; silently writing outside it would break the outbox guarantee.
var ErrNoTransaction = errors.New("outbox: append requires an active transaction")

// Writer appends outbound events. It performs no network I/O: the only
// side effect is one row in the outbound queue, committed or rolled back
// together with the business mutation.
type Writer struct {
	repo *store.OutboxRepository
}

// NewWriter creates a Writer over the outbox repository.
func NewWriter(repo *store.OutboxRepository) *Writer {
	return &Writer{repo: repo}
}

// Append records an event in the caller's transaction. The payload is
// wrapped in a typed envelope and serialized immediately; a serialization
// failure surfaces to the caller untouched so the business transaction
// rolls back with it. partitionKey may be empty for unordered events.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, eventType events.Type, partitionKey string, payload any) error {
	if tx == nil {
		return ErrNoTransaction
	}

	envelope, err := events.NewEnvelope(eventType, partitionKey, payload)
	if err != nil {
		return err
	}

	data, err := events.Encode(envelope)
	if err != nil {
		return err
	}

	row := &store.OutboundEvent{
		EventType:    string(eventType),
		Topic:        events.TopicFor(eventType),
		PartitionKey: partitionKey,
		Payload:      data,
	}
	if err := w.repo.InsertTx(ctx, tx, row); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	return nil
}
