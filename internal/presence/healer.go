// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/metrics"
)

// Healer periodically publishes the full online snapshot. The snapshot
// goes out every cycle whether or not anything changed: clients treat it
// as authoritative and replace their local view wholesale, which repairs
// any transition they missed while reconnecting. Every replica runs the
// healer unleadered; duplicate snapshots are idempotent by construction.
type Healer struct {
	tracker   *Tracker
	publisher Publisher
	cfg       config.PresenceConfig
}

// NewHealer creates a healer over the tracker.
func NewHealer(tracker *Tracker, publisher Publisher, cfg config.PresenceConfig) *Healer {
	return &Healer{tracker: tracker, publisher: publisher, cfg: cfg}
}

// Name identifies the healer in logs and cycle metrics.
func (h *Healer) Name() string { return "presence-healer" }

// Interval returns the time between snapshot broadcasts.
func (h *Healer) Interval() time.Duration { return h.cfg.SyncInterval }

// RunCycle snapshots the online set and broadcasts it.
func (h *Healer) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer metrics.ObserveCycle(h.Name(), start)

	online, err := h.tracker.Snapshot(ctx)
	if err != nil {
		return err
	}
	metrics.PresenceOnline.Set(float64(len(online)))

	// Stable ordering makes consecutive identical snapshots
	// byte-identical, which helps downstream diffing and test assertions.
	sort.Strings(online)

	env, err := events.NewEnvelope(events.TypePresenceSnapshot, "", events.PresenceSnapshotPayload{
		Online: online,
		At:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("presence: build snapshot envelope: %w", err)
	}
	data, err := events.Encode(env)
	if err != nil {
		return fmt.Errorf("presence: encode snapshot: %w", err)
	}

	if err := h.publisher.Publish(ctx, events.TopicFor(events.TypePresenceSnapshot), message.NewMessage(env.ID, data)); err != nil {
		return fmt.Errorf("presence: publish snapshot: %w", err)
	}
	return nil
}
