// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/parley-chat/parley/internal/broker"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/metrics"
	"github.com/parley-chat/parley/internal/store"
)

// Repository is the slice of the outbox store the processor needs.
type Repository interface {
	SelectPending(ctx context.Context, limit int) ([]*store.OutboundEvent, error)
	MarkProcessed(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, cause error, maxRetries int) error
	CountPending(ctx context.Context) (int64, error)
	CountDead(ctx context.Context) (int64, error)
}

// Publisher sends one message to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *message.Message) error
}

// Locker provides the leader lease.
type Locker interface {
	TryAcquire(ctx context.Context, key string, lease time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) (bool, error)
	Renew(ctx context.Context, key, token string, lease time.Duration) (bool, error)
}

// Processor drains the outbound queue to the broker. All replicas run one;
// the lease decides which replica's cycle does work, and everyone else
// no-ops. Losing the lease mid-batch is tolerated: row updates are
// conditional and the broker deduplicates by message ID, so a second
// leader re-attempting the same rows cannot double-deliver.
type Processor struct {
	repo Repository
	pub  Publisher
	lock Locker
	cfg  config.OutboxConfig
}

// NewProcessor creates the outbox processor.
func NewProcessor(repo Repository, pub Publisher, lock Locker, cfg config.OutboxConfig) *Processor {
	return &Processor{repo: repo, pub: pub, lock: lock, cfg: cfg}
}

// Interval returns the polling interval for the periodic runner.
func (p *Processor) Interval() time.Duration {
	return p.cfg.PollInterval
}

// Name identifies the processor in logs and metrics.
func (p *Processor) Name() string {
	return "outbox"
}

// RunCycle executes one leader-locked drain cycle. A cycle that cannot
// acquire the lease returns immediately with no error.
func (p *Processor) RunCycle(ctx context.Context) error {
	token, ok, err := p.lock.TryAcquire(ctx, p.cfg.LockKey, p.cfg.LockLease)
	metrics.RecordLockAttempt(p.cfg.LockKey, ok, err)
	if err != nil {
		return fmt.Errorf("acquire outbox lease: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if _, err := p.lock.Release(ctx, p.cfg.LockKey, token); err != nil {
			logging.Warn().Err(err).Msg("outbox lease release failed")
		}
	}()

	start := time.Now()
	defer metrics.ObserveCycle(p.Name(), start)

	rows, err := p.repo.SelectPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select outbox batch: %w", err)
	}
	if len(rows) == 0 {
		p.updateGauges(ctx)
		return nil
	}

	published := make([]int64, 0, len(rows))
	for i, row := range rows {
		// Renew the lease periodically during long batches. A failed
		// renewal means exclusivity is gone; finish the in-flight rows
		// (idempotent) but take on nothing new.
		if i > 0 && i%25 == 0 {
			if held, err := p.lock.Renew(ctx, p.cfg.LockKey, token, p.cfg.LockLease); err != nil || !held {
				logging.Warn().Int("remaining", len(rows)-i).Msg("outbox lease lost mid-batch, stopping early")
				break
			}
		}

		if err := p.publishRow(ctx, row); err != nil {
			metrics.OutboxPublishErrors.WithLabelValues(row.Topic).Inc()
			if mfErr := p.repo.MarkFailed(ctx, row.ID, err, p.cfg.MaxRetries); mfErr != nil {
				logging.Error().Err(mfErr).Int64("row_id", row.ID).Msg("outbox mark failed errored")
			}
			logging.Warn().Err(err).
				Int64("row_id", row.ID).
				Str("topic", row.Topic).
				Int("retry_count", row.RetryCount).
				Msg("outbox publish failed")
			continue
		}

		metrics.OutboxPublished.WithLabelValues(row.Topic).Inc()
		published = append(published, row.ID)
	}

	if err := p.repo.MarkProcessed(ctx, published); err != nil {
		// Rows stay pending and will be re-published; the broker's
		// dedup window absorbs the duplicates.
		return fmt.Errorf("mark outbox batch processed: %w", err)
	}

	if len(published) > 0 {
		logging.Debug().Int("published", len(published)).Int("batch", len(rows)).Msg("outbox cycle completed")
	}

	p.updateGauges(ctx)
	return nil
}

// publishRow sends one row to its topic. The message ID is derived from
// the row ID so every publish attempt for the same row carries the same
// Nats-Msg-Id.
func (p *Processor) publishRow(ctx context.Context, row *store.OutboundEvent) error {
	msg := message.NewMessage(fmt.Sprintf("outbox-%d", row.ID), row.Payload)
	msg.Metadata.Set(broker.MetadataEventType, row.EventType)
	if row.PartitionKey != "" {
		msg.Metadata.Set(broker.MetadataPartitionKey, row.PartitionKey)
	}
	return p.pub.Publish(ctx, row.Topic, msg)
}

func (p *Processor) updateGauges(ctx context.Context) {
	if n, err := p.repo.CountPending(ctx); err == nil {
		metrics.OutboxPending.Set(float64(n))
	}
	if n, err := p.repo.CountDead(ctx); err == nil {
		metrics.OutboxDead.Set(float64(n))
	}
}
