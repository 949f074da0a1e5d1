// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

/*
Package supervisor builds the suture supervision tree for the server.

The tree has three layers under one root:

  - data: scheduled database workers (outbox processor, inbox processor,
    retention cleaners)
  - messaging: broker consumers, the broadcast dispatcher, the websocket
    hub and bridge, the presence healer
  - api: the HTTP server

Layering isolates failures: a crashing broker consumer restarts without
touching the HTTP surface, and vice versa. Restart backoff and event
logging follow suture defaults, with events routed through sutureslog
into the zerolog pipeline.
*/
package supervisor
