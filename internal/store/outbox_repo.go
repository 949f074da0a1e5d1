// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const outboxColumns = `id, event_type, topic, partition_key, payload, processed, dead,
	retry_count, last_error, last_attempt, created_at, processed_at`

// OutboxRepository persists and drains the outbound queue.
type OutboxRepository struct {
	store *Store
}

// NewOutboxRepository creates the repository over the shared store.
func NewOutboxRepository(s *Store) *OutboxRepository {
	return &OutboxRepository{store: s}
}

// InsertTx appends a row inside the caller's transaction. This is the only
// write path into the outbound queue; it never opens its own transaction.
func (r *OutboxRepository) InsertTx(ctx context.Context, tx pgx.Tx, row *OutboundEvent) error {
	err := tx.QueryRow(ctx,
		`INSERT INTO outbox_events (event_type, topic, partition_key, payload)
		 VALUES ($1, $2, NULLIF($3, ''), $4)
		 RETURNING id, created_at`,
		row.EventType, row.Topic, row.PartitionKey, row.Payload,
	).Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

// SelectPending returns up to limit rows eligible for a publish attempt,
// oldest first. Eligibility excludes processed and dead rows and applies
// exponential backoff: a row that failed is reconsidered only after
// 2^retry_count seconds since its last attempt.
func (r *OutboxRepository) SelectPending(ctx context.Context, limit int) ([]*OutboundEvent, error) {
	rows, err := r.store.pool.Query(ctx,
		`SELECT `+outboxColumns+`
		 FROM outbox_events
		 WHERE NOT processed AND NOT dead
		   AND (last_attempt IS NULL
		        OR last_attempt + make_interval(secs => power(2, retry_count)) <= now())
		 ORDER BY created_at, id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending outbox rows: %w", err)
	}
	defer rows.Close()

	return scanOutboundEvents(rows)
}

// MarkProcessed flips the given rows to their terminal success state.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.store.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET processed = TRUE, processed_at = now()
		 WHERE id = ANY($1) AND NOT processed`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("mark outbox rows processed: %w", err)
	}
	return nil
}

// MarkFailed records a failed publish attempt. The row turns dead once the
// incremented retry count reaches maxRetries; dead rows stay queryable for
// operator inspection and are never selected again.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, cause error, maxRetries int) error {
	_, err := r.store.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET retry_count = retry_count + 1,
		     last_error   = $2,
		     last_attempt = now(),
		     dead         = (retry_count + 1 >= $3)
		 WHERE id = $1 AND NOT processed`,
		id, truncateError(cause), maxRetries,
	)
	if err != nil {
		return fmt.Errorf("mark outbox row failed: %w", err)
	}
	return nil
}

// CountPending returns the number of rows awaiting publish.
func (r *OutboxRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.store.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_events WHERE NOT processed AND NOT dead`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox rows: %w", err)
	}
	return n, nil
}

// CountDead returns the number of exhausted rows.
func (r *OutboxRepository) CountDead(ctx context.Context) (int64, error) {
	var n int64
	err := r.store.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_events WHERE dead`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead outbox rows: %w", err)
	}
	return n, nil
}

// ListDead returns exhausted rows for operator inspection, newest first.
func (r *OutboxRepository) ListDead(ctx context.Context, limit int) ([]*OutboundEvent, error) {
	rows, err := r.store.pool.Query(ctx,
		`SELECT `+outboxColumns+`
		 FROM outbox_events
		 WHERE dead
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead outbox rows: %w", err)
	}
	defer rows.Close()

	return scanOutboundEvents(rows)
}

// DeleteProcessedBefore purges processed rows older than the retention
// window. Dead rows are never purged here.
func (r *OutboxRepository) DeleteProcessedBefore(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.store.pool.Exec(ctx,
		`DELETE FROM outbox_events WHERE processed AND processed_at < $1`,
		retentionCutoff(retention),
	)
	if err != nil {
		return 0, fmt.Errorf("purge processed outbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutboundEvents(rows pgx.Rows) ([]*OutboundEvent, error) {
	var out []*OutboundEvent
	for rows.Next() {
		var (
			ev           OutboundEvent
			partitionKey *string
			lastError    *string
		)
		if err := rows.Scan(
			&ev.ID, &ev.EventType, &ev.Topic, &partitionKey, &ev.Payload,
			&ev.Processed, &ev.Dead, &ev.RetryCount, &lastError,
			&ev.LastAttempt, &ev.CreatedAt, &ev.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if partitionKey != nil {
			ev.PartitionKey = *partitionKey
		}
		if lastError != nil {
			ev.LastError = *lastError
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}
