// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/metrics"
)

// CleanerRepository is the slice of the store the cleaner needs.
type CleanerRepository interface {
	DeleteProcessedBefore(ctx context.Context, retention time.Duration) (int64, error)
}

// Cleaner purges processed outbox rows past the retention window. Dead
// rows are never purged automatically; they wait for an operator.
type Cleaner struct {
	repo CleanerRepository
	lock Locker
	cfg  config.OutboxConfig
}

// NewCleaner creates the outbox cleaner.
func NewCleaner(repo CleanerRepository, lock Locker, cfg config.OutboxConfig) *Cleaner {
	return &Cleaner{repo: repo, lock: lock, cfg: cfg}
}

// Interval returns the cleaning interval for the periodic runner.
func (c *Cleaner) Interval() time.Duration {
	return c.cfg.CleanInterval
}

// Name identifies the cleaner in logs and metrics.
func (c *Cleaner) Name() string {
	return "outbox_cleaner"
}

// RunCycle deletes processed rows older than retention, under the same
// leader lease as the processor so only one replica issues the delete.
func (c *Cleaner) RunCycle(ctx context.Context) error {
	token, ok, err := c.lock.TryAcquire(ctx, c.cfg.LockKey+":clean", c.cfg.LockLease)
	if err != nil {
		return fmt.Errorf("acquire outbox cleaner lease: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if _, err := c.lock.Release(ctx, c.cfg.LockKey+":clean", token); err != nil {
			logging.Warn().Err(err).Msg("outbox cleaner lease release failed")
		}
	}()

	start := time.Now()
	defer metrics.ObserveCycle(c.Name(), start)

	purged, err := c.repo.DeleteProcessedBefore(ctx, c.cfg.Retention)
	if err != nil {
		return fmt.Errorf("purge outbox rows: %w", err)
	}
	if purged > 0 {
		logging.Info().Int64("purged", purged).Msg("outbox retention purge completed")
	}
	return nil
}
