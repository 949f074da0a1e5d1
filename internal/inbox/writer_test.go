// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package inbox

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/store"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

type fakeWriterRepo struct {
	seen      map[string]bool
	rows      []*store.InboundEvent
	insertErr error
}

func newFakeWriterRepo() *fakeWriterRepo {
	return &fakeWriterRepo{seen: make(map[string]bool)}
}

func (r *fakeWriterRepo) Insert(_ context.Context, row *store.InboundEvent) (bool, error) {
	if r.insertErr != nil {
		return false, r.insertErr
	}
	if r.seen[row.IdempotencyKey] {
		return false, nil
	}
	r.seen[row.IdempotencyKey] = true
	r.rows = append(r.rows, row)
	return true, nil
}

func encodedEnvelope(t *testing.T) []byte {
	t.Helper()
	envelope, err := events.NewEnvelope(events.TypeMessageCreated, "chan-1", events.MessagePayload{
		MessageID: "msg-1",
		ChannelID: "chan-1",
		AuthorID:  "alice",
		Body:      "hello",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	data, err := events.Encode(envelope)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return data
}

func TestStoreUsesEnvelopeIDAsIdempotencyKey(t *testing.T) {
	repo := newFakeWriterRepo()
	w := NewWriter(repo)
	data := encodedEnvelope(t)

	stored, err := w.Store(context.Background(), &Delivery{
		Topic:          events.TopicChannelMessages,
		StreamSequence: 7,
		Data:           data,
	})
	if err != nil || !stored {
		t.Fatalf("store: stored=%v err=%v", stored, err)
	}

	row := repo.rows[0]
	if row.IdempotencyKey == "chat.messages:7" {
		t.Error("idempotency key should be the envelope ID, not the broker coordinates")
	}
	if row.EventType != "message.created" {
		t.Errorf("event type = %q", row.EventType)
	}
	if row.StreamSequence != 7 {
		t.Errorf("stream sequence = %d", row.StreamSequence)
	}
}

func TestStoreDuplicateReportsNotStored(t *testing.T) {
	repo := newFakeWriterRepo()
	w := NewWriter(repo)
	data := encodedEnvelope(t)

	// Same envelope redelivered with a different stream sequence still
	// collapses onto one row.
	d1 := &Delivery{Topic: events.TopicChannelMessages, StreamSequence: 7, Data: data}
	d2 := &Delivery{Topic: events.TopicChannelMessages, StreamSequence: 9, Data: data}

	if stored, err := w.Store(context.Background(), d1); err != nil || !stored {
		t.Fatalf("first store: stored=%v err=%v", stored, err)
	}
	stored, err := w.Store(context.Background(), d2)
	if err != nil {
		t.Fatalf("duplicate store errored: %v", err)
	}
	if stored {
		t.Error("duplicate should report stored=false")
	}
	if len(repo.rows) != 1 {
		t.Errorf("rows = %d, want 1", len(repo.rows))
	}
}

func TestStoreUndecodablePayloadFallsBackToBrokerKey(t *testing.T) {
	repo := newFakeWriterRepo()
	w := NewWriter(repo)

	stored, err := w.Store(context.Background(), &Delivery{
		Topic:          events.TopicPresence,
		StreamSequence: 42,
		Data:           []byte("not json"),
	})
	if err != nil || !stored {
		t.Fatalf("store: stored=%v err=%v", stored, err)
	}

	row := repo.rows[0]
	if row.IdempotencyKey != "chat.presence:42" {
		t.Errorf("idempotency key = %q, want chat.presence:42", row.IdempotencyKey)
	}
	if row.EventType != "unknown" {
		t.Errorf("event type = %q, want unknown", row.EventType)
	}
}

func TestStoreSurfacesRepositoryError(t *testing.T) {
	repo := newFakeWriterRepo()
	repo.insertErr = errors.New("connection refused")
	w := NewWriter(repo)

	if _, err := w.Store(context.Background(), &Delivery{Topic: "t", Data: []byte("{}")}); err == nil {
		t.Error("repository error should surface")
	}
}
