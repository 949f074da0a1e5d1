// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package main is the entry point for the Parley delivery server.
//
// Parley is the reliable event delivery core for a chat system: every
// state change (messages, edits, deletions, reactions, presence) is
// captured transactionally in a Postgres outbox, relayed through NATS
// JetStream, deduplicated into a per-replica inbox, and fanned out to
// WebSocket clients on whichever replica holds their connection.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered loading (defaults, config.yaml, env)
//  2. Postgres: pgx pool, idempotent schema migration
//  3. Redis: lock and presence backend
//  4. NATS: embedded or external server, JetStream stream provisioning
//  5. Pipeline wiring: outbox, inbox, broadcast, presence, websocket
//  6. Supervision: suture tree (data / messaging / api layers)
//  7. HTTP server: probes, metrics, websocket upgrade, admin endpoints
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM: the
// supervisor tree winds down ordered by layer, in-flight HTTP requests
// get a drain window, websocket clients are closed and their identities
// detached from presence.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley-chat/parley/internal/api"
	"github.com/parley-chat/parley/internal/broadcast"
	"github.com/parley-chat/parley/internal/broker"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/inbox"
	"github.com/parley-chat/parley/internal/lock"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/outbox"
	"github.com/parley-chat/parley/internal/presence"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/supervisor"
	"github.com/parley-chat/parley/internal/supervisor/services"
	ws "github.com/parley-chat/parley/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("replica_id", cfg.Server.ReplicaID).
		Str("nats_url", cfg.NATS.URL).
		Msg("Starting Parley")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === DURABLE STORE ===

	db, err := store.Connect(ctx, cfg.Postgres)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to Postgres")
	}
	defer db.Close()

	if cfg.Postgres.MigrateOnStart {
		if err := db.Migrate(ctx); err != nil {
			logging.Fatal().Err(err).Msg("Failed to run migrations")
		}
		logging.Info().Msg("Schema migration complete")
	}

	outboxRepo := store.NewOutboxRepository(db)
	inboxRepo := store.NewInboxRepository(db)

	// === REDIS ===

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing Redis client")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logging.Warn().Err(err).Msg("Redis not reachable yet (will retry on use)")
	}

	locks := lock.New(redisClient, "lock:")

	// === BROKER ===

	if cfg.NATS.EmbeddedServer {
		embedded, err := broker.NewEmbeddedServer(cfg.NATS)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		defer embedded.Shutdown()
		cfg.NATS.URL = embedded.ClientURL()
		logging.Info().Str("url", cfg.NATS.URL).Msg("Embedded NATS server started")
	}

	conn, err := broker.Connect(cfg.NATS)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer conn.Close()

	streamInit, err := broker.NewStreamInitializer(conn.JetStream(), cfg.NATS)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create stream initializer")
	}
	if _, err := streamInit.EnsureStream(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to provision event stream")
	}
	logging.Info().Str("stream", cfg.NATS.StreamName).Msg("Event stream provisioned")

	wmLogger := broker.NewWatermillLogger()

	publisher, err := broker.NewPublisher(cfg.NATS, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing publisher")
		}
	}()

	fanoutBus, err := broker.NewFanoutBus(cfg.NATS, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create fan-out bus")
	}
	defer func() {
		if err := fanoutBus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing fan-out bus")
		}
	}()

	// === PIPELINE WIRING ===

	outboxWriter := outbox.NewWriter(outboxRepo)
	outboxProcessor := outbox.NewProcessor(outboxRepo, publisher, locks, cfg.Outbox)
	outboxCleaner := outbox.NewCleaner(outboxRepo, locks, cfg.Outbox)

	inboxWriter := inbox.NewWriter(inboxRepo)
	intake := inbox.NewConsumer(conn.JetStream(), inboxWriter, cfg.NATS, cfg.Server.ReplicaID)

	broadcaster := broadcast.NewBroadcaster(fanoutBus, cfg.Server.ReplicaID)
	dispatcher := broadcast.NewDispatcher(fanoutBus)

	registry := inbox.NewRegistry()
	inbox.RegisterBroadcastHandlers(registry, broadcaster)
	inboxProcessor := inbox.NewProcessor(inboxRepo, registry, locks, cfg.Inbox, cfg.Server.ReplicaID)
	inboxCleaner := inbox.NewCleaner(inboxRepo, locks, cfg.Inbox)

	tracker := presence.NewTracker(redisClient, publisher, cfg.Presence)
	healer := presence.NewHealer(tracker, publisher, cfg.Presence)

	hub := ws.NewHub(tracker)
	bridge := ws.NewBridge(dispatcher, hub)

	// === HTTP SURFACE ===

	handler := api.NewHandler(db, redisPinger{redisClient}, conn, outboxRepo, inboxRepo, tracker, outboxWriter, db)
	wsHandler := api.NewWSHandler(hub, cfg.WebSocket, nil)
	router := api.NewRouter(handler, wsHandler, api.NewMiddleware(nil))

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// === SUPERVISION TREE ===

	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddDataService(services.NewPeriodicService(outboxProcessor))
	tree.AddDataService(services.NewPeriodicService(inboxProcessor))
	tree.AddDataService(services.NewPeriodicService(outboxCleaner))
	tree.AddDataService(services.NewPeriodicService(inboxCleaner))

	tree.AddMessagingService(intake)
	tree.AddMessagingService(dispatcher)
	tree.AddMessagingService(services.NewHubService(hub))
	tree.AddMessagingService(bridge)
	tree.AddMessagingService(services.NewPeriodicService(healer))

	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// === START ===

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}

// redisPinger adapts go-redis's status-reply Ping to the probe interface.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
