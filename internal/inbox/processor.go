// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/metrics"
	"github.com/parley-chat/parley/internal/store"
)

// Repository is the slice of the inbox store the processor needs.
type Repository interface {
	SelectPending(ctx context.Context, limit int) ([]*store.InboundEvent, error)
	MarkProcessed(ctx context.Context, id int64, processorID string) error
	MarkFailed(ctx context.Context, id int64, cause error, maxRetries int) error
	CountPending(ctx context.Context) (int64, error)
	CountDead(ctx context.Context) (int64, error)
}

// Locker provides the leader lease.
type Locker interface {
	TryAcquire(ctx context.Context, key string, lease time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) (bool, error)
	Renew(ctx context.Context, key, token string, lease time.Duration) (bool, error)
}

// Processor drains the inbound intake: decode, dispatch to the handler
// registry, mark processed. Handlers must be idempotent — a row that
// failed after partial side effects is re-dispatched with the same
// payload on the next eligible cycle.
type Processor struct {
	repo      Repository
	registry  *Registry
	lock      Locker
	cfg       config.InboxConfig
	replicaID string
}

// NewProcessor creates the inbox processor.
func NewProcessor(repo Repository, registry *Registry, lock Locker, cfg config.InboxConfig, replicaID string) *Processor {
	return &Processor{repo: repo, registry: registry, lock: lock, cfg: cfg, replicaID: replicaID}
}

// Interval returns the polling interval for the periodic runner.
func (p *Processor) Interval() time.Duration {
	return p.cfg.PollInterval
}

// Name identifies the processor in logs and metrics.
func (p *Processor) Name() string {
	return "inbox"
}

// RunCycle executes one leader-locked dispatch cycle. Lock contention is
// the expected multi-replica signal and returns nil immediately.
func (p *Processor) RunCycle(ctx context.Context) error {
	token, ok, err := p.lock.TryAcquire(ctx, p.cfg.LockKey, p.cfg.LockLease)
	metrics.RecordLockAttempt(p.cfg.LockKey, ok, err)
	if err != nil {
		return fmt.Errorf("acquire inbox lease: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if _, err := p.lock.Release(ctx, p.cfg.LockKey, token); err != nil {
			logging.Warn().Err(err).Msg("inbox lease release failed")
		}
	}()

	start := time.Now()
	defer metrics.ObserveCycle(p.Name(), start)

	rows, err := p.repo.SelectPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select inbox batch: %w", err)
	}

	for i, row := range rows {
		if i > 0 && i%25 == 0 {
			if held, err := p.lock.Renew(ctx, p.cfg.LockKey, token, p.cfg.LockLease); err != nil || !held {
				logging.Warn().Int("remaining", len(rows)-i).Msg("inbox lease lost mid-batch, stopping early")
				break
			}
		}

		p.processRow(ctx, row)
	}

	p.updateGauges(ctx)
	return nil
}

// processRow dispatches one row. Errors are contained per row so a
// poison event cannot block the rest of the queue.
func (p *Processor) processRow(ctx context.Context, row *store.InboundEvent) {
	envelope, err := events.Decode(row.Payload)
	if err == nil {
		err = p.registry.Dispatch(ctx, envelope)
	}

	if err != nil {
		outcome := "retry"
		if row.RetryCount+1 >= p.cfg.MaxRetries {
			outcome = "dead"
		}
		metrics.InboxProcessed.WithLabelValues(row.EventType, outcome).Inc()
		if mfErr := p.repo.MarkFailed(ctx, row.ID, err, p.cfg.MaxRetries); mfErr != nil {
			logging.Error().Err(mfErr).Int64("row_id", row.ID).Msg("inbox mark failed errored")
		}
		logging.Warn().Err(err).
			Int64("row_id", row.ID).
			Str("event_type", row.EventType).
			Int("retry_count", row.RetryCount).
			Msg("inbox dispatch failed")
		return
	}

	if err := p.repo.MarkProcessed(ctx, row.ID, p.replicaID); err != nil {
		// The handler ran; the row will be re-dispatched next cycle and
		// relies on handler idempotence.
		logging.Error().Err(err).Int64("row_id", row.ID).Msg("inbox mark processed errored")
		return
	}
	metrics.InboxProcessed.WithLabelValues(row.EventType, "ok").Inc()
}

func (p *Processor) updateGauges(ctx context.Context) {
	if n, err := p.repo.CountPending(ctx); err == nil {
		metrics.InboxPending.Set(float64(n))
	}
	if n, err := p.repo.CountDead(ctx); err == nil {
		metrics.InboxDead.Set(float64(n))
	}
}
