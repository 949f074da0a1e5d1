// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/store"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(context.Context) error { return p.err }

type fakeBrokerHealth struct {
	connected bool
}

func (b *fakeBrokerHealth) IsConnected() bool { return b.connected }

type fakeOutboxInspector struct {
	dead    []*store.OutboundEvent
	listErr error
}

func (i *fakeOutboxInspector) ListDead(_ context.Context, limit int) ([]*store.OutboundEvent, error) {
	if i.listErr != nil {
		return nil, i.listErr
	}
	if limit > len(i.dead) {
		limit = len(i.dead)
	}
	return i.dead[:limit], nil
}

func (i *fakeOutboxInspector) CountDead(context.Context) (int64, error) {
	return int64(len(i.dead)), nil
}

func (i *fakeOutboxInspector) CountPending(context.Context) (int64, error) { return 0, nil }

type fakeInboxInspector struct {
	dead []*store.InboundEvent
}

func (i *fakeInboxInspector) ListDead(_ context.Context, limit int) ([]*store.InboundEvent, error) {
	if limit > len(i.dead) {
		limit = len(i.dead)
	}
	return i.dead[:limit], nil
}

func (i *fakeInboxInspector) CountDead(context.Context) (int64, error) {
	return int64(len(i.dead)), nil
}

func (i *fakeInboxInspector) CountPending(context.Context) (int64, error) { return 0, nil }

type fakePresenceReader struct {
	online map[string]bool
	err    error
}

func (p *fakePresenceReader) Snapshot(context.Context) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	var out []string
	for identity := range p.online {
		out = append(out, identity)
	}
	return out, nil
}

func (p *fakePresenceReader) IsOnline(_ context.Context, identity string) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	return p.online[identity], nil
}

type appendCall struct {
	eventType    events.Type
	partitionKey string
	payload      any
}

type fakeAppender struct {
	calls []appendCall
	err   error
}

func (a *fakeAppender) Append(_ context.Context, _ pgx.Tx, eventType events.Type, partitionKey string, payload any) error {
	if a.err != nil {
		return a.err
	}
	a.calls = append(a.calls, appendCall{eventType: eventType, partitionKey: partitionKey, payload: payload})
	return nil
}

type fakeTxRunner struct {
	ran int
}

func (r *fakeTxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	r.ran++
	return fn(ctx, nil)
}

type handlerDeps struct {
	db       *fakePinger
	redis    *fakePinger
	broker   *fakeBrokerHealth
	outbox   *fakeOutboxInspector
	inbox    *fakeInboxInspector
	presence *fakePresenceReader
	writer   *fakeAppender
	tx       *fakeTxRunner
}

func newTestHandler() (*Handler, *handlerDeps) {
	deps := &handlerDeps{
		db:       &fakePinger{},
		redis:    &fakePinger{},
		broker:   &fakeBrokerHealth{connected: true},
		outbox:   &fakeOutboxInspector{},
		inbox:    &fakeInboxInspector{},
		presence: &fakePresenceReader{online: map[string]bool{}},
		writer:   &fakeAppender{},
		tx:       &fakeTxRunner{},
	}
	h := NewHandler(deps.db, deps.redis, deps.broker, deps.outbox, deps.inbox, deps.presence, deps.writer, deps.tx)
	return h, deps
}

func testRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/health/live", h.HealthLive)
	r.Get("/health/ready", h.HealthReady)
	r.Post("/channels/{id}/messages", h.PostChannelMessage)
	r.Post("/users/{id}/direct", h.PostDirectMessage)
	r.Get("/presence", h.PresenceList)
	r.Get("/presence/{identity}", h.PresenceGet)
	r.Get("/admin/outbox/dead", h.OutboxDead)
	r.Get("/admin/inbox/dead", h.InboxDead)
	return r
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return out
}

func TestHealthLive(t *testing.T) {
	h, _ := newTestHandler()
	rec := doRequest(t, testRouter(h), http.MethodGet, "/health/live", "")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHealthReady(t *testing.T) {
	h, _ := newTestHandler()
	rec := doRequest(t, testRouter(h), http.MethodGet, "/health/ready", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ready"] != true {
		t.Errorf("ready = %v", body["ready"])
	}
}

func TestHealthReadyFailsPerDependency(t *testing.T) {
	checks := []struct {
		name    string
		mutate  func(*handlerDeps)
		failing string
	}{
		{"postgres down", func(d *handlerDeps) { d.db.err = errors.New("refused") }, "postgres"},
		{"redis down", func(d *handlerDeps) { d.redis.err = errors.New("refused") }, "redis"},
		{"nats down", func(d *handlerDeps) { d.broker.connected = false }, "nats"},
	}

	for _, check := range checks {
		t.Run(check.name, func(t *testing.T) {
			h, deps := newTestHandler()
			check.mutate(deps)
			rec := doRequest(t, testRouter(h), http.MethodGet, "/health/ready", "")

			if rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", rec.Code)
			}
			body := decodeBody(t, rec)
			detail := body["checks"].(map[string]any)
			if detail[check.failing] == "ok" {
				t.Errorf("check %q should carry the failure detail", check.failing)
			}
		})
	}
}

func TestPostChannelMessage(t *testing.T) {
	h, deps := newTestHandler()
	rec := doRequest(t, testRouter(h), http.MethodPost, "/channels/general/messages",
		`{"author_id":"alice","body":"hello"}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if mid, ok := body["message_id"].(string); !ok || mid == "" {
		t.Error("response missing message_id")
	}

	if deps.tx.ran != 1 {
		t.Errorf("transactions = %d, want 1", deps.tx.ran)
	}
	if len(deps.writer.calls) != 1 {
		t.Fatalf("appends = %d, want 1", len(deps.writer.calls))
	}
	call := deps.writer.calls[0]
	if call.eventType != events.TypeMessageCreated {
		t.Errorf("event type = %q", call.eventType)
	}
	if call.partitionKey != "general" {
		t.Errorf("partition key = %q, want the channel ID", call.partitionKey)
	}
	payload := call.payload.(events.MessagePayload)
	if payload.ChannelID != "general" || payload.AuthorID != "alice" || payload.Body != "hello" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestPostChannelMessageValidation(t *testing.T) {
	checks := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing author", `{"body":"hello"}`},
		{"missing body", `{"author_id":"alice"}`},
	}

	for _, check := range checks {
		t.Run(check.name, func(t *testing.T) {
			h, deps := newTestHandler()
			rec := doRequest(t, testRouter(h), http.MethodPost, "/channels/general/messages", check.body)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if len(deps.writer.calls) != 0 {
				t.Error("invalid request must not reach the outbox")
			}
		})
	}
}

func TestPostChannelMessageAppendFailure(t *testing.T) {
	h, deps := newTestHandler()
	deps.writer.err = errors.New("insert failed")
	rec := doRequest(t, testRouter(h), http.MethodPost, "/channels/general/messages",
		`{"author_id":"alice","body":"hello"}`)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestPostDirectMessage(t *testing.T) {
	h, deps := newTestHandler()
	rec := doRequest(t, testRouter(h), http.MethodPost, "/users/bob/direct",
		`{"sender_id":"alice","body":"psst"}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	call := deps.writer.calls[0]
	if call.eventType != events.TypeDirectMessageCreated {
		t.Errorf("event type = %q", call.eventType)
	}
	payload := call.payload.(events.DirectMessagePayload)
	if payload.RecipientID != "bob" || payload.SenderID != "alice" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	h, deps := newTestHandler()
	deps.presence.online["alice"] = true
	router := testRouter(h)

	rec := doRequest(t, router, http.MethodGet, "/presence", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	online := body["online"].([]any)
	if len(online) != 1 || online[0] != "alice" {
		t.Errorf("online = %v, want [alice]", online)
	}

	rec = doRequest(t, router, http.MethodGet, "/presence/alice", "")
	body = decodeBody(t, rec)
	if body["online"] != true {
		t.Errorf("alice online = %v", body["online"])
	}

	rec = doRequest(t, router, http.MethodGet, "/presence/bob", "")
	body = decodeBody(t, rec)
	if body["online"] != false {
		t.Errorf("bob online = %v", body["online"])
	}
}

func TestPresenceListEmpty(t *testing.T) {
	h, _ := newTestHandler()
	rec := doRequest(t, testRouter(h), http.MethodGet, "/presence", "")

	body := decodeBody(t, rec)
	online, ok := body["online"].([]any)
	if !ok {
		t.Fatalf("online = %v, want an empty array not null", body["online"])
	}
	if len(online) != 0 {
		t.Errorf("online = %v", online)
	}
}

func TestDeadRowEndpoints(t *testing.T) {
	h, deps := newTestHandler()
	deps.outbox.dead = []*store.OutboundEvent{{ID: 1, EventType: "message.created", LastError: "publish failed"}}
	deps.inbox.dead = []*store.InboundEvent{{ID: 9, EventType: "unknown", LastError: "decode failed"}}
	router := testRouter(h)

	rec := doRequest(t, router, http.MethodGet, "/admin/outbox/dead", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("outbox status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["dead_total"] != float64(1) {
		t.Errorf("outbox dead_total = %v", body["dead_total"])
	}

	rec = doRequest(t, router, http.MethodGet, "/admin/inbox/dead", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("inbox status = %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["dead_total"] != float64(1) {
		t.Errorf("inbox dead_total = %v", body["dead_total"])
	}
}

func TestDeadRowEndpointError(t *testing.T) {
	h, deps := newTestHandler()
	deps.outbox.listErr = errors.New("connection reset")
	rec := doRequest(t, testRouter(h), http.MethodGet, "/admin/outbox/dead", "")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
