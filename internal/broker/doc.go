// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package broker wraps Watermill over NATS JetStream: a circuit-broken
// publisher used by the outbox processor, a durable queue-group subscriber
// feeding the inbox intake on every replica, plain-NATS fan-out primitives
// for the broadcast path, stream provisioning, and an optional embedded
// JetStream server for single-node deployments and tests.
//
// The business stream holds all chat.* subjects with a deduplication
// window keyed on the outbox row ID, so a processor that loses its lease
// mid-batch and double-publishes degrades to a broker-side no-op.
package broker
