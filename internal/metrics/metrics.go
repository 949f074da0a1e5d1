// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package metrics provides Prometheus instrumentation for the event
// delivery pipeline: outbox/inbox queue depth and dead-letter counts,
// publish/consume throughput, processor cycle timing, lock contention,
// fan-out delivery, presence, and WebSocket connection gauges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbox metrics
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_events",
			Help: "Current number of unprocessed outbox rows",
		},
	)

	OutboxDead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_dead_events",
			Help: "Current number of outbox rows exhausted past the retry budget",
		},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total outbox rows successfully published to the broker",
		},
		[]string{"topic"},
	)

	OutboxPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_errors_total",
			Help: "Total outbox publish attempts that failed",
		},
		[]string{"topic"},
	)

	// Inbox metrics
	InboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_pending_events",
			Help: "Current number of unprocessed inbox rows",
		},
	)

	InboxDead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_dead_events",
			Help: "Current number of inbox rows exhausted past the retry budget",
		},
	)

	InboxStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_stored_total",
			Help: "Total inbound events stored by the intake writer",
		},
		[]string{"topic"},
	)

	InboxDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_duplicates_total",
			Help: "Total inbound events discarded as idempotency-key duplicates",
		},
		[]string{"topic"},
	)

	InboxProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_processed_total",
			Help: "Total inbox rows processed by handler outcome",
		},
		[]string{"event_type", "outcome"}, // outcome: ok, retry, dead
	)

	// Processor cycle metrics
	ProcessorCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processor_cycle_duration_seconds",
			Help:    "Duration of leader-locked processor cycles",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"processor"}, // outbox, inbox, outbox_cleaner, inbox_cleaner, presence_sync
	)

	// Distributed lock metrics
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquisitions_total",
			Help: "Distributed lock acquisition attempts by result",
		},
		[]string{"key", "result"}, // result: acquired, contended, error
	)

	// Broker metrics
	BrokerPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_publishes_total",
			Help: "Total messages published to NATS JetStream",
		},
	)

	BrokerConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_consumed_total",
			Help: "Total messages received from broker subscriptions",
		},
		[]string{"topic"},
	)

	// Broadcast fan-out metrics
	FanoutPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_published_total",
			Help: "Total payloads published to the broadcast fan-out subject",
		},
	)

	FanoutDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_delivered_total",
			Help: "Total payloads delivered to local destination subscribers",
		},
	)

	FanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_dropped_total",
			Help: "Total payloads dropped because a local subscriber was saturated",
		},
	)

	// Presence metrics
	PresenceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_online_identities",
			Help: "Identities currently online as seen by the last snapshot",
		},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_transitions_total",
			Help: "Presence state crossings emitted (0->1 online, 1->0 offline)",
		},
		[]string{"state"}, // online, offline
	)

	// WebSocket metrics
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connected_clients",
			Help: "Currently connected WebSocket clients on this replica",
		},
	)
)

// ObserveCycle records a processor cycle duration.
func ObserveCycle(processor string, start time.Time) {
	ProcessorCycleDuration.WithLabelValues(processor).Observe(time.Since(start).Seconds())
}

// RecordLockAttempt records the outcome of a lock acquisition attempt.
func RecordLockAttempt(key string, acquired bool, err error) {
	switch {
	case err != nil:
		LockAcquisitions.WithLabelValues(key, "error").Inc()
	case acquired:
		LockAcquisitions.WithLabelValues(key, "acquired").Inc()
	default:
		LockAcquisitions.WithLabelValues(key, "contended").Inc()
	}
}
