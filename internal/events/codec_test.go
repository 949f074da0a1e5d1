// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package events

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestNewEnvelope(t *testing.T) {
	payload := MessagePayload{
		MessageID: "m1",
		ChannelID: "c1",
		AuthorID:  "u1",
		Body:      "hello",
		CreatedAt: time.Now().UTC(),
	}

	env, err := NewEnvelope(TypeMessageCreated, "c1", payload)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if env.ID == "" {
		t.Error("envelope ID should be set")
	}
	if env.Type != TypeMessageCreated {
		t.Errorf("type = %q, want %q", env.Type, TypeMessageCreated)
	}
	if env.PartitionKey != "c1" {
		t.Errorf("partition key = %q, want c1", env.PartitionKey)
	}
	if len(env.Payload) == 0 {
		t.Error("payload should be marshaled")
	}
}

func TestNewEnvelopeInvalidType(t *testing.T) {
	if _, err := NewEnvelope(Type("bogus"), "", nil); err == nil {
		t.Error("expected error for invalid type")
	}
}

func TestNewEnvelopeUnmarshalablePayload(t *testing.T) {
	if _, err := NewEnvelope(TypeMessageCreated, "c1", make(chan int)); err == nil {
		t.Error("expected marshal error to surface")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeReactionAdded, "c9", ReactionPayload{
		MessageID: "m9", ChannelID: "c9", UserID: "u9", Emoji: "🎉",
	})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.ID != env.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, env.ID)
	}
	if decoded.Type != TypeReactionAdded {
		t.Errorf("type = %q, want %q", decoded.Type, TypeReactionAdded)
	}

	payload, err := DecodePayload(decoded)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	rp, ok := payload.(*ReactionPayload)
	if !ok {
		t.Fatalf("payload type = %T, want *ReactionPayload", payload)
	}
	if rp.Emoji != "🎉" {
		t.Errorf("emoji = %q, want 🎉", rp.Emoji)
	}
}

func TestDecodeUntaggedPayloadInfersType(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    Type
	}{
		{"presence transition", PresencePayload{Identity: "u1", Online: true}, TypePresenceChanged},
		{"presence snapshot", PresenceSnapshotPayload{Online: []string{"u1"}}, TypePresenceSnapshot},
		{"reaction", ReactionPayload{MessageID: "m1", ChannelID: "c1", Emoji: "+1"}, TypeReactionAdded},
		{"direct message", DirectMessagePayload{MessageID: "m1", SenderID: "a", RecipientID: "b"}, TypeDirectMessageCreated},
		{"channel message", MessagePayload{MessageID: "m1", ChannelID: "c1"}, TypeMessageCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			env, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if env.Type != tt.want {
				t.Errorf("inferred type = %q, want %q", env.Type, tt.want)
			}
			// Untagged payloads carry no envelope ID, which is how
			// consumers detect the legacy path.
			if env.ID != "" {
				t.Errorf("ID = %q, want empty for inferred envelope", env.ID)
			}
		})
	}
}

func TestDecodeUnknownShape(t *testing.T) {
	_, err := Decode([]byte(`{"something":"else"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestInferTypeAmbiguityResolution(t *testing.T) {
	// A snapshot with an empty online list must still infer as snapshot,
	// not fall through to an unrelated family.
	typ, err := InferType([]byte(`{"online":[],"at":"2026-01-01T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("InferType failed: %v", err)
	}
	if typ != TypePresenceSnapshot {
		t.Errorf("type = %q, want %q", typ, TypePresenceSnapshot)
	}
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		t     Type
		topic string
	}{
		{TypeMessageCreated, TopicChannelMessages},
		{TypeMessageEdited, TopicEdits},
		{TypeMessageDeleted, TopicDeletions},
		{TypeReactionAdded, TopicReactions},
		{TypeReactionRemoved, TopicReactions},
		{TypeDirectMessageCreated, TopicDirectMessages},
		{TypeDirectMessageEdited, TopicEdits},
		{TypeDirectMessageDeleted, TopicDeletions},
		{TypePresenceChanged, TopicPresence},
		{TypePresenceSnapshot, TopicPresence},
	}
	for _, tt := range tests {
		if got := TopicFor(tt.t); got != tt.topic {
			t.Errorf("TopicFor(%q) = %q, want %q", tt.t, got, tt.topic)
		}
	}
}

func TestDestinations(t *testing.T) {
	if got := ChannelDestination("general"); got != "/channels/general/messages" {
		t.Errorf("ChannelDestination = %q", got)
	}
	if got := DirectDestination("u42"); got != "/users/u42/direct" {
		t.Errorf("DirectDestination = %q", got)
	}
	if DestinationPresence != "/presence" {
		t.Errorf("DestinationPresence = %q", DestinationPresence)
	}
}
