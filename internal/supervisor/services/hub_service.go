// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package services

import (
	"context"
)

// ContextRunner matches the websocket hub's RunWithContext lifecycle
// without importing the websocket package.
type ContextRunner interface {
	RunWithContext(ctx context.Context) error
}

// HubService wraps the websocket hub as a supervised service.
type HubService struct {
	runner ContextRunner
}

// NewHubService creates the wrapper.
func NewHubService(runner ContextRunner) *HubService {
	return &HubService{runner: runner}
}

// Serve implements suture.Service.
func (s *HubService) Serve(ctx context.Context) error {
	return s.runner.RunWithContext(ctx)
}

// String implements fmt.Stringer for logging.
func (s *HubService) String() string {
	return "websocket-hub"
}
