// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package events

import "fmt"

// Destinations name the local delivery targets used by the broadcast
// fan-out. WebSocket clients subscribe to these paths; the inbox handlers
// publish to them.
const (
	// DestinationPresence receives individual transitions and snapshot heals.
	DestinationPresence = "/presence"
)

// ChannelDestination returns the delivery target for a channel's messages.
func ChannelDestination(channelID string) string {
	return fmt.Sprintf("/channels/%s/messages", channelID)
}

// DirectDestination returns the delivery target for a user's direct messages.
func DirectDestination(userID string) string {
	return fmt.Sprintf("/users/%s/direct", userID)
}
