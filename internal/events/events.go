// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

// Package events defines the canonical event envelope, the typed payloads
// exchanged over the broker, and the topic/destination naming contract.
//
// Every event carries an explicit Type discriminant written at append time.
// Consumers switch on it instead of sniffing payload shape; InferType exists
// only as a fallback for untagged payloads produced by older writers.
package events

import (
	"time"

	"github.com/goccy/go-json"
)

// Type identifies the logical event subtype.
type Type string

const (
	TypeMessageCreated       Type = "message.created"
	TypeMessageEdited        Type = "message.edited"
	TypeMessageDeleted       Type = "message.deleted"
	TypeReactionAdded        Type = "reaction.added"
	TypeReactionRemoved      Type = "reaction.removed"
	TypeDirectMessageCreated Type = "direct.created"
	TypeDirectMessageEdited  Type = "direct.edited"
	TypeDirectMessageDeleted Type = "direct.deleted"
	TypePresenceChanged      Type = "presence.changed"
	TypePresenceSnapshot     Type = "presence.snapshot"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeMessageCreated, TypeMessageEdited, TypeMessageDeleted,
		TypeReactionAdded, TypeReactionRemoved,
		TypeDirectMessageCreated, TypeDirectMessageEdited, TypeDirectMessageDeleted,
		TypePresenceChanged, TypePresenceSnapshot:
		return true
	}
	return false
}

// Broker topics, one per event family. Downstream consumers key off these
// names; changing them is a wire-contract break.
const (
	TopicChannelMessages = "chat.messages"
	TopicDirectMessages  = "chat.direct"
	TopicReactions       = "chat.reactions"
	TopicEdits           = "chat.edits"
	TopicDeletions       = "chat.deletions"
	TopicPresence        = "chat.presence"

	// SubjectFanout is the broadcast fan-out subject. It is deliberately
	// outside the business stream: every replica subscribes independently
	// (plain NATS, no queue group) so each one sees every payload.
	SubjectFanout = "broadcast.fanout"
)

// TopicFor returns the broker topic for an event type.
func TopicFor(t Type) string {
	switch t {
	case TypeMessageCreated:
		return TopicChannelMessages
	case TypeMessageEdited, TypeDirectMessageEdited:
		return TopicEdits
	case TypeMessageDeleted, TypeDirectMessageDeleted:
		return TopicDeletions
	case TypeReactionAdded, TypeReactionRemoved:
		return TopicReactions
	case TypeDirectMessageCreated:
		return TopicDirectMessages
	case TypePresenceChanged, TypePresenceSnapshot:
		return TopicPresence
	default:
		return TopicChannelMessages
	}
}

// BusinessTopics lists every topic the inbox intake subscribes to.
func BusinessTopics() []string {
	return []string{
		TopicChannelMessages,
		TopicDirectMessages,
		TopicReactions,
		TopicEdits,
		TopicDeletions,
		TopicPresence,
	}
}

// Envelope is the wire format for every event in the pipeline.
type Envelope struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	OccurredAt   time.Time       `json:"occurred_at"`
	PartitionKey string          `json:"partition_key,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// MessagePayload carries channel message lifecycle events
// (created, edited, deleted).
type MessagePayload struct {
	MessageID string     `json:"message_id"`
	ChannelID string     `json:"channel_id"`
	AuthorID  string     `json:"author_id"`
	Body      string     `json:"body,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

// DirectMessagePayload carries direct message lifecycle events.
type DirectMessagePayload struct {
	MessageID   string     `json:"message_id"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id"`
	Body        string     `json:"body,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	EditedAt    *time.Time `json:"edited_at,omitempty"`
}

// ReactionPayload carries reaction add/remove events.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// PresencePayload carries a single identity's online/offline transition.
type PresencePayload struct {
	Identity string    `json:"identity"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}

// PresenceSnapshotPayload carries the periodic full-state heal broadcast.
type PresenceSnapshotPayload struct {
	Online []string  `json:"online"`
	At     time.Time `json:"at"`
}
