// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

/*
Package api provides HTTP routing using the Chi router.

The surface is small: health and readiness probes, Prometheus metrics,
the websocket upgrade endpoint, a presence query, and admin endpoints
for dead-letter visibility. Middleware comes from the Chi ecosystem
(go-chi/cors, go-chi/httprate) rather than hand-rolled equivalents.
*/
package api
