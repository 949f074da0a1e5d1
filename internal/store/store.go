// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package store provides the durable event store shared by all replicas:
// the outbound queue written inside business transactions and drained by
// the outbox processor, and the inbound intake deduplicated by idempotency
// key and drained by the inbox processor. PostgreSQL via pgx is the only
// backend; the tables are the system of record for everything the broker
// has not yet (or only maybe) seen.
package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the pgx pool and owns schema initialization.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens the connection pool and verifies reachability.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for transaction management.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping verifies database reachability (readiness checks).
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the embedded SQL migrations in filename order. Every
// statement is idempotent, so concurrent replicas racing at startup are
// safe. Each file runs as one multi-statement Exec, which pgx sends over
// the simple protocol when no arguments are bound.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	for _, entry := range entries {
		ddl, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.pool.Exec(ctx, string(ddl)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	logging.Info().Int("migrations", len(entries)).Msg("event store schema created/verified")
	return nil
}

// WithinTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise. Business services use this to combine their
// mutation with an outbox append atomically.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			logging.Warn().Err(rbErr).Msg("transaction rollback failed")
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// truncateError bounds stored error text so a pathological error message
// cannot bloat the table.
func truncateError(err error) string {
	const maxLen = 512
	msg := err.Error()
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}

// retentionCutoff converts a retention window into an absolute cutoff.
func retentionCutoff(retention time.Duration) time.Time {
	return time.Now().UTC().Add(-retention)
}
