// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package config loads and validates the server configuration.
//
// Sources are layered with koanf: struct defaults, then an optional YAML
// file, then environment variables (highest precedence). Environment
// variables map to config paths through an explicit table:
// PARLEY_OUTBOX_BATCH_SIZE -> outbox.batch_size.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for a Parley replica.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Redis     RedisConfig     `koanf:"redis"`
	NATS      NATSConfig      `koanf:"nats"`
	Outbox    OutboxConfig    `koanf:"outbox"`
	Inbox     InboxConfig     `koanf:"inbox"`
	Presence  PresenceConfig  `koanf:"presence"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`

	// ReplicaID identifies this replica in broadcast origin tags and
	// inbox processor attribution. Auto-generated when empty.
	ReplicaID string `koanf:"replica_id"`

	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// PostgresConfig holds the durable event store settings.
type PostgresConfig struct {
	DSN            string        `koanf:"dsn" validate:"required"`
	MaxConns       int32         `koanf:"max_conns" validate:"min=1"`
	MinConns       int32         `koanf:"min_conns"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	MigrateOnStart bool          `koanf:"migrate_on_start"`
}

// RedisConfig holds the shared key-value store settings (locks, presence).
type RedisConfig struct {
	Addr     string `koanf:"addr" validate:"required"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`

	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// NATSConfig holds the broker settings.
type NATSConfig struct {
	URL string `koanf:"url" validate:"required"`

	// EmbeddedServer starts an in-process JetStream server. Intended for
	// single-node deployments and tests; replicas in production point at
	// an external cluster.
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`

	StreamName          string        `koanf:"stream_name"`
	StreamRetentionDays int           `koanf:"stream_retention_days" validate:"min=1"`
	DuplicateWindow     time.Duration `koanf:"duplicate_window"`
	Replicas            int           `koanf:"replicas" validate:"min=1"`

	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	AckWaitTimeout time.Duration `koanf:"ack_wait_timeout"`
	DurableName    string        `koanf:"durable_name"`
	QueueGroup     string        `koanf:"queue_group"`

	// ConsumerInactiveThreshold lets JetStream delete per-replica durable
	// consumers abandoned by restarted replicas. Must exceed any transient
	// disconnect a live replica is expected to ride out.
	ConsumerInactiveThreshold time.Duration `koanf:"consumer_inactive_threshold" validate:"required"`
}

// OutboxConfig tunes the outbox processor and cleaner.
type OutboxConfig struct {
	PollInterval  time.Duration `koanf:"poll_interval" validate:"required"`
	BatchSize     int           `koanf:"batch_size" validate:"min=1"`
	MaxRetries    int           `koanf:"max_retries" validate:"min=1"`
	LockKey       string        `koanf:"lock_key"`
	LockLease     time.Duration `koanf:"lock_lease"`
	Retention     time.Duration `koanf:"retention"`
	CleanInterval time.Duration `koanf:"clean_interval"`
}

// InboxConfig tunes the inbox processor and cleaner.
type InboxConfig struct {
	PollInterval  time.Duration `koanf:"poll_interval" validate:"required"`
	BatchSize     int           `koanf:"batch_size" validate:"min=1"`
	MaxRetries    int           `koanf:"max_retries" validate:"min=1"`
	LockKey       string        `koanf:"lock_key"`
	LockLease     time.Duration `koanf:"lock_lease"`
	Retention     time.Duration `koanf:"retention"`
	CleanInterval time.Duration `koanf:"clean_interval"`
}

// PresenceConfig tunes the presence tracker and snapshot healer.
type PresenceConfig struct {
	TTL          time.Duration `koanf:"ttl" validate:"required"`
	SyncInterval time.Duration `koanf:"sync_interval" validate:"required"`
	KeyPrefix    string        `koanf:"key_prefix"`
}

// WebSocketConfig tunes client connections on the hub.
type WebSocketConfig struct {
	WriteWait        time.Duration `koanf:"write_wait"`
	PongWait         time.Duration `koanf:"pong_wait"`
	MaxMessageSize   int64         `koanf:"max_message_size"`
	SendBuffer       int           `koanf:"send_buffer" validate:"min=1"`
	InboundPerSecond float64       `koanf:"inbound_per_second"`
	InboundBurst     int           `koanf:"inbound_burst"`
}

// LoggingConfig mirrors logging.Config for koanf loading.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration using struct tags plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return err
	}
	return c.validateSchedules()
}
