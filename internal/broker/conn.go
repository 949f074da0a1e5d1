// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package broker

import (
	"fmt"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/logging"
)

// Conn bundles the raw NATS connection with its JetStream context. The
// inbox intake consumer uses it directly because it needs per-message
// stream metadata that the Watermill layer does not surface.
type Conn struct {
	nc *natsgo.Conn
	js jetstream.JetStream
}

// Connect dials NATS and initializes the JetStream context.
func Connect(cfg config.NATSConfig) (*Conn, error) {
	nc, err := natsgo.Connect(cfg.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initialize JetStream context: %w", err)
	}

	return &Conn{nc: nc, js: js}, nil
}

// JetStream returns the JetStream context.
func (c *Conn) JetStream() jetstream.JetStream {
	return c.js
}

// IsConnected reports connection health (readiness checks).
func (c *Conn) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains and closes the connection.
func (c *Conn) Close() {
	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			logging.Warn().Err(err).Msg("NATS drain failed, closing hard")
			c.nc.Close()
		}
	}
}
