// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package services adapts application components to suture.Service.
// Components that already expose Serve(ctx) and String() go straight
// into the tree; the wrappers here cover the two other lifecycles in
// use: scheduled cycle runners and the blocking HTTP server.
package services
