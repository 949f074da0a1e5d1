// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/store"
)

// readyCheckTimeout bounds each dependency probe in the readiness handler.
const readyCheckTimeout = 2 * time.Second

// deadListLimit caps dead-row inspection responses.
const deadListLimit = 100

// Pinger is a dependency that answers a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerHealth reports the NATS connection state.
type BrokerHealth interface {
	IsConnected() bool
}

// OutboxInspector exposes dead-row visibility for the outbox.
type OutboxInspector interface {
	ListDead(ctx context.Context, limit int) ([]*store.OutboundEvent, error)
	CountDead(ctx context.Context) (int64, error)
	CountPending(ctx context.Context) (int64, error)
}

// InboxInspector exposes dead-row visibility for the inbox.
type InboxInspector interface {
	ListDead(ctx context.Context, limit int) ([]*store.InboundEvent, error)
	CountDead(ctx context.Context) (int64, error)
	CountPending(ctx context.Context) (int64, error)
}

// PresenceReader answers presence queries.
type PresenceReader interface {
	Snapshot(ctx context.Context) ([]string, error)
	IsOnline(ctx context.Context, identity string) (bool, error)
}

// Appender writes an event into the outbox within the given transaction.
type Appender interface {
	Append(ctx context.Context, tx pgx.Tx, eventType events.Type, partitionKey string, payload any) error
}

// TxRunner runs a function within a database transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

// Handler bundles the HTTP endpoints with their dependencies.
type Handler struct {
	db       Pinger
	redis    Pinger
	broker   BrokerHealth
	outbox   OutboxInspector
	inbox    InboxInspector
	presence PresenceReader
	writer   Appender
	tx       TxRunner
}

// NewHandler creates the endpoint handler.
func NewHandler(db, redis Pinger, broker BrokerHealth, outbox OutboxInspector, inbox InboxInspector, presence PresenceReader, writer Appender, tx TxRunner) *Handler {
	return &Handler{
		db:       db,
		redis:    redis,
		broker:   broker,
		outbox:   outbox,
		inbox:    inbox,
		presence: presence,
		writer:   writer,
		tx:       tx,
	}
}

// HealthLive reports process liveness. Always 200 while the server runs.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports readiness: the database, Redis, and the broker must
// all answer. Any failure returns 503 with per-dependency detail.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	checks := map[string]string{
		"postgres": "ok",
		"redis":    "ok",
		"nats":     "ok",
	}
	ready := true

	if err := h.db.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		ready = false
	}
	if err := h.redis.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		ready = false
	}
	if !h.broker.IsConnected() {
		checks["nats"] = "disconnected"
		ready = false
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

// OutboxDead lists exhausted outbox rows for operator inspection.
func (h *Handler) OutboxDead(w http.ResponseWriter, r *http.Request) {
	rows, err := h.outbox.ListDead(r.Context(), deadListLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	dead, _ := h.outbox.CountDead(r.Context())
	pending, _ := h.outbox.CountPending(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_total":    dead,
		"pending_total": pending,
		"rows":          rows,
	})
}

// InboxDead lists exhausted inbox rows for operator inspection.
func (h *Handler) InboxDead(w http.ResponseWriter, r *http.Request) {
	rows, err := h.inbox.ListDead(r.Context(), deadListLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	dead, _ := h.inbox.CountDead(r.Context())
	pending, _ := h.inbox.CountPending(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_total":    dead,
		"pending_total": pending,
		"rows":          rows,
	})
}

// PresenceList returns every identity currently online.
func (h *Handler) PresenceList(w http.ResponseWriter, r *http.Request) {
	online, err := h.presence.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if online == nil {
		online = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": online})
}

// PresenceGet reports whether one identity is online.
func (h *Handler) PresenceGet(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	online, err := h.presence.IsOnline(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "online": online})
}

// postMessageRequest is the body for channel message creation.
type postMessageRequest struct {
	AuthorID string `json:"author_id"`
	Body     string `json:"body"`
}

// PostChannelMessage accepts a channel message and captures its event in
// the outbox within a single transaction. The event reaches subscribers
// through the full pipeline: outbox → broker → inbox → fan-out.
func (h *Handler) PostChannelMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.AuthorID == "" || req.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "author_id and body are required"})
		return
	}

	payload := events.MessagePayload{
		MessageID: uuid.New().String(),
		ChannelID: channelID,
		AuthorID:  req.AuthorID,
		Body:      req.Body,
		CreatedAt: time.Now().UTC(),
	}

	err := h.tx.WithinTx(r.Context(), func(ctx context.Context, tx pgx.Tx) error {
		return h.writer.Append(ctx, tx, events.TypeMessageCreated, channelID, payload)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": payload.MessageID})
}

// postDirectRequest is the body for direct message creation.
type postDirectRequest struct {
	SenderID string `json:"sender_id"`
	Body     string `json:"body"`
}

// PostDirectMessage accepts a direct message for the recipient in the URL.
func (h *Handler) PostDirectMessage(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "id")

	var req postDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SenderID == "" || req.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sender_id and body are required"})
		return
	}

	payload := events.DirectMessagePayload{
		MessageID:   uuid.New().String(),
		SenderID:    req.SenderID,
		RecipientID: recipientID,
		Body:        req.Body,
		CreatedAt:   time.Now().UTC(),
	}

	err := h.tx.WithinTx(r.Context(), func(ctx context.Context, tx pgx.Tx) error {
		return h.writer.Append(ctx, tx, events.TypeDirectMessageCreated, recipientID, payload)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": payload.MessageID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
