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

const inboxColumns = `id, idempotency_key, event_type, topic, stream_sequence, message_key,
	payload, processed, dead, retry_count, last_error, last_attempt, processor_id,
	received_at, created_at, processed_at`

// InboxRepository persists and drains the inbound intake.
type InboxRepository struct {
	store *Store
}

// NewInboxRepository creates the repository over the shared store.
func NewInboxRepository(s *Store) *InboxRepository {
	return &InboxRepository{store: s}
}

// Insert stores an inbound event. The unique idempotency key is the sole
// dedup mechanism: a conflicting insert (broker redelivery, or another
// replica winning the race) reports stored=false with no error.
func (r *InboxRepository) Insert(ctx context.Context, row *InboundEvent) (bool, error) {
	tag, err := r.store.pool.Exec(ctx,
		`INSERT INTO inbox_events
			(idempotency_key, event_type, topic, stream_sequence, message_key, payload)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		row.IdempotencyKey, row.EventType, row.Topic, int64(row.StreamSequence),
		row.MessageKey, row.Payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert inbox row: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SelectPending returns up to limit unprocessed rows below the retry
// threshold, ordered by receipt time, honoring the same exponential
// backoff schedule as the outbox.
func (r *InboxRepository) SelectPending(ctx context.Context, limit int) ([]*InboundEvent, error) {
	rows, err := r.store.pool.Query(ctx,
		`SELECT `+inboxColumns+`
		 FROM inbox_events
		 WHERE NOT processed AND NOT dead
		   AND (last_attempt IS NULL
		        OR last_attempt + make_interval(secs => power(2, retry_count)) <= now())
		 ORDER BY received_at, id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending inbox rows: %w", err)
	}
	defer rows.Close()

	return scanInboundEvents(rows)
}

// MarkProcessed flips a row to its terminal success state, recording which
// processor instance handled it.
func (r *InboxRepository) MarkProcessed(ctx context.Context, id int64, processorID string) error {
	_, err := r.store.pool.Exec(ctx,
		`UPDATE inbox_events
		 SET processed = TRUE, processed_at = now(), processor_id = $2
		 WHERE id = $1 AND NOT processed`,
		id, processorID,
	)
	if err != nil {
		return fmt.Errorf("mark inbox row processed: %w", err)
	}
	return nil
}

// MarkFailed records a failed handler attempt; the row turns dead at
// maxRetries and is excluded from future batches.
func (r *InboxRepository) MarkFailed(ctx context.Context, id int64, cause error, maxRetries int) error {
	_, err := r.store.pool.Exec(ctx,
		`UPDATE inbox_events
		 SET retry_count = retry_count + 1,
		     last_error   = $2,
		     last_attempt = now(),
		     dead         = (retry_count + 1 >= $3)
		 WHERE id = $1 AND NOT processed`,
		id, truncateError(cause), maxRetries,
	)
	if err != nil {
		return fmt.Errorf("mark inbox row failed: %w", err)
	}
	return nil
}

// CountPending returns the number of rows awaiting processing.
func (r *InboxRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.store.pool.QueryRow(ctx,
		`SELECT count(*) FROM inbox_events WHERE NOT processed AND NOT dead`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending inbox rows: %w", err)
	}
	return n, nil
}

// CountDead returns the number of exhausted rows.
func (r *InboxRepository) CountDead(ctx context.Context) (int64, error) {
	var n int64
	err := r.store.pool.QueryRow(ctx,
		`SELECT count(*) FROM inbox_events WHERE dead`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead inbox rows: %w", err)
	}
	return n, nil
}

// ListDead returns exhausted rows for operator inspection, newest first.
func (r *InboxRepository) ListDead(ctx context.Context, limit int) ([]*InboundEvent, error) {
	rows, err := r.store.pool.Query(ctx,
		`SELECT `+inboxColumns+`
		 FROM inbox_events
		 WHERE dead
		 ORDER BY received_at DESC, id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead inbox rows: %w", err)
	}
	defer rows.Close()

	return scanInboundEvents(rows)
}

// DeleteProcessedBefore purges processed rows older than the retention
// window. Dead rows are kept for manual intervention.
func (r *InboxRepository) DeleteProcessedBefore(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.store.pool.Exec(ctx,
		`DELETE FROM inbox_events WHERE processed AND processed_at < $1`,
		retentionCutoff(retention),
	)
	if err != nil {
		return 0, fmt.Errorf("purge processed inbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanInboundEvents(rows pgx.Rows) ([]*InboundEvent, error) {
	var out []*InboundEvent
	for rows.Next() {
		var (
			ev          InboundEvent
			seq         int64
			messageKey  *string
			lastError   *string
			processorID *string
		)
		if err := rows.Scan(
			&ev.ID, &ev.IdempotencyKey, &ev.EventType, &ev.Topic, &seq, &messageKey,
			&ev.Payload, &ev.Processed, &ev.Dead, &ev.RetryCount, &lastError,
			&ev.LastAttempt, &processorID, &ev.ReceivedAt, &ev.CreatedAt, &ev.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("scan inbox row: %w", err)
		}
		ev.StreamSequence = uint64(seq)
		if messageKey != nil {
			ev.MessageKey = *messageKey
		}
		if lastError != nil {
			ev.LastError = *lastError
		}
		if processorID != nil {
			ev.ProcessorID = *processorID
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox rows: %w", err)
	}
	return out, nil
}
