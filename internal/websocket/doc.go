// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

/*
Package websocket provides the live connection layer for chat delivery.

This package implements a destination-keyed hub over gorilla/websocket.
A client connects with an identity, subscribes to destinations
("/channels/<id>/messages", "/users/<id>/direct", "/presence"), and
receives every payload delivered to those destinations on this replica.
Cross-replica payloads arrive via the Bridge, which consumes the
broadcast dispatcher and pushes into the hub.

Key Components:

  - Hub: routes deliveries to clients by destination subscription
  - Client: one connection with read/write pumps, ping/pong keepalive,
    and inbound rate limiting
  - Bridge: broadcast-dispatcher-to-hub forwarder, one per replica

Connection attach and detach drive the presence tracker, so a client's
first connection marks its identity online and the last close marks it
offline cluster-wide.
*/
package websocket
