// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package presence tracks which identities hold at least one live
// connection, cluster-wide. Each identity maps to a Redis counter keyed
// by a shared prefix; connections increment on attach and decrement on
// detach, and the online set is exactly the keys with a positive count.
// Counters carry a TTL so a replica that dies without detaching its
// connections leaks an identity for at most one TTL, and a periodic
// healer re-broadcasts the full snapshot so late or restarted clients
// converge without replaying transitions.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/parley-chat/parley/internal/broker"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/metrics"
)

// Publisher is the broker surface for presence transition events.
// Transitions bypass the outbox: presence is ephemeral state with no
// owning transaction, and a lost transition is healed by the next
// snapshot anyway.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *message.Message) error
}

// Commander is the slice of the Redis API the tracker uses. Tests
// substitute a fake; production passes *redis.Client.
type Commander interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Decr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Tracker maintains per-identity connection refcounts in Redis.
type Tracker struct {
	client    Commander
	publisher Publisher
	cfg       config.PresenceConfig
}

// NewTracker creates a tracker over the given Redis client.
func NewTracker(client Commander, publisher Publisher, cfg config.PresenceConfig) *Tracker {
	return &Tracker{client: client, publisher: publisher, cfg: cfg}
}

func (t *Tracker) key(identity string) string {
	return t.cfg.KeyPrefix + identity
}

// Connect records one more live connection for the identity. The 0→1
// crossing publishes an online transition; further connections only
// refresh the TTL.
func (t *Tracker) Connect(ctx context.Context, identity string) error {
	count, err := t.client.Incr(ctx, t.key(identity)).Result()
	if err != nil {
		return fmt.Errorf("presence: incr %s: %w", identity, err)
	}
	if err := t.client.Expire(ctx, t.key(identity), t.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("presence: refresh ttl %s: %w", identity, err)
	}

	if count == 1 {
		metrics.PresenceTransitions.WithLabelValues("online").Inc()
		t.publishTransition(ctx, identity, true)
	}
	return nil
}

// Disconnect records one fewer live connection. The 1→0 crossing deletes
// the key and publishes an offline transition. A decrement that would go
// negative — a detach the tracker never saw attach, typically after a
// Redis flush — clamps by deleting the key without a transition.
func (t *Tracker) Disconnect(ctx context.Context, identity string) error {
	count, err := t.client.Decr(ctx, t.key(identity)).Result()
	if err != nil {
		return fmt.Errorf("presence: decr %s: %w", identity, err)
	}

	switch {
	case count == 0:
		if err := t.client.Del(ctx, t.key(identity)).Err(); err != nil {
			return fmt.Errorf("presence: del %s: %w", identity, err)
		}
		metrics.PresenceTransitions.WithLabelValues("offline").Inc()
		t.publishTransition(ctx, identity, false)
	case count < 0:
		if err := t.client.Del(ctx, t.key(identity)).Err(); err != nil {
			return fmt.Errorf("presence: clamp %s: %w", identity, err)
		}
		logging.Warn().Str("identity", identity).Msg("Presence count went negative, clamped to zero")
	}
	return nil
}

// IsOnline reports whether the identity has at least one live connection
// anywhere in the cluster.
func (t *Tracker) IsOnline(ctx context.Context, identity string) (bool, error) {
	n, err := t.client.Exists(ctx, t.key(identity)).Result()
	if err != nil {
		return false, fmt.Errorf("presence: exists %s: %w", identity, err)
	}
	return n > 0, nil
}

// Snapshot returns every identity currently online, cluster-wide.
func (t *Tracker) Snapshot(ctx context.Context) ([]string, error) {
	var (
		online []string
		cursor uint64
	)
	for {
		keys, next, err := t.client.Scan(ctx, cursor, t.cfg.KeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("presence: scan: %w", err)
		}
		for _, k := range keys {
			online = append(online, k[len(t.cfg.KeyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return online, nil
}

// publishTransition emits a presence.changed event. Failures are logged
// and swallowed: the caller's connect/disconnect already took effect in
// Redis, and the next snapshot heals any listener that missed this edge.
func (t *Tracker) publishTransition(ctx context.Context, identity string, online bool) {
	env, err := events.NewEnvelope(events.TypePresenceChanged, identity, events.PresencePayload{
		Identity: identity,
		Online:   online,
		At:       time.Now().UTC(),
	})
	if err != nil {
		logging.Error().Err(err).Str("identity", identity).Msg("Failed to build presence envelope")
		return
	}
	data, err := events.Encode(env)
	if err != nil {
		logging.Error().Err(err).Str("identity", identity).Msg("Failed to encode presence envelope")
		return
	}
	msg := message.NewMessage(env.ID, data)
	msg.Metadata.Set(broker.MetadataPartitionKey, identity)
	if err := t.publisher.Publish(ctx, events.TopicFor(events.TypePresenceChanged), msg); err != nil {
		logging.Error().Err(err).
			Str("identity", identity).
			Bool("online", online).
			Msg("Failed to publish presence transition")
	}
}
