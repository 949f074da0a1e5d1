// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package store

import "time"

// OutboundEvent is a row in the outbound queue. It is created exactly once
// per business fact, inside the same transaction as the mutation it
// describes, and mutated only by the outbox processor afterwards.
//
// Row state machine: pending -> processed (terminal) or
// pending -> pending(retry+1) -> ... -> dead (terminal, operator visible).
// Nothing ever leaves processed.
type OutboundEvent struct {
	ID           int64
	EventType    string
	Topic        string
	PartitionKey string
	Payload      []byte
	Processed    bool
	Dead         bool
	RetryCount   int
	LastError    string
	LastAttempt  *time.Time
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// InboundEvent is a row in the inbound intake. Every replica's consumer
// writes here; the unique idempotency key makes redelivered broker
// messages no-op inserts. Only the inbox processor mutates rows after
// insert. Same state machine as OutboundEvent.
type InboundEvent struct {
	ID             int64
	IdempotencyKey string
	EventType      string
	Topic          string
	StreamSequence uint64
	MessageKey     string
	Payload        []byte
	Processed      bool
	Dead           bool
	RetryCount     int
	LastError      string
	LastAttempt    *time.Time
	ProcessorID    string
	ReceivedAt     time.Time
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}
