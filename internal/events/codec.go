// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrUnknownType is returned when an envelope carries no recognizable type
// tag and structural inference also fails.
var ErrUnknownType = errors.New("events: unknown event type")

// NewEnvelope wraps a typed payload into a wire envelope. The payload is
// marshaled immediately so serialization failures surface to the caller
// before anything is queued.
func NewEnvelope(t Type, partitionKey string, payload any) (*Envelope, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("events: invalid type %q", t)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}

	return &Envelope{
		ID:           uuid.New().String(),
		Type:         t,
		OccurredAt:   time.Now().UTC(),
		PartitionKey: partitionKey,
		Payload:      data,
	}, nil
}

// Encode marshals the envelope for the wire.
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode unmarshals a wire envelope. Untagged payloads (older writers that
// published bare payloads without an envelope) are wrapped with an inferred
// type; the caller can detect this by the empty envelope ID.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	if e.Type.Valid() && len(e.Payload) > 0 {
		return &e, nil
	}

	t, err := InferType(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, Payload: data}, nil
}

// InferType guesses an event type from the structural fields of a bare
// payload. This is the legacy discrimination mechanism: presence or absence
// of specific fields distinguishes the families, and the tagged envelope
// exists precisely because structurally similar payloads stay ambiguous
// (an untagged message edit is indistinguishable from a create).
func InferType(data []byte) (Type, error) {
	var probe struct {
		Identity    *string  `json:"identity"`
		Online      []string `json:"online"`
		Emoji       *string  `json:"emoji"`
		RecipientID *string  `json:"recipient_id"`
		ChannelID   *string  `json:"channel_id"`
		MessageID   *string  `json:"message_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("probe payload: %w", err)
	}

	switch {
	case probe.Identity != nil:
		return TypePresenceChanged, nil
	case probe.Online != nil:
		return TypePresenceSnapshot, nil
	case probe.Emoji != nil:
		return TypeReactionAdded, nil
	case probe.RecipientID != nil:
		return TypeDirectMessageCreated, nil
	case probe.ChannelID != nil && probe.MessageID != nil:
		return TypeMessageCreated, nil
	default:
		return "", ErrUnknownType
	}
}

// DecodePayload unmarshals the envelope payload into the typed struct for
// its discriminant.
func DecodePayload(e *Envelope) (any, error) {
	switch e.Type {
	case TypeMessageCreated, TypeMessageEdited, TypeMessageDeleted:
		var p MessagePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return &p, nil
	case TypeDirectMessageCreated, TypeDirectMessageEdited, TypeDirectMessageDeleted:
		var p DirectMessagePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return &p, nil
	case TypeReactionAdded, TypeReactionRemoved:
		var p ReactionPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return &p, nil
	case TypePresenceChanged:
		var p PresencePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return &p, nil
	case TypePresenceSnapshot:
		var p PresenceSnapshotPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return &p, nil
	default:
		return nil, ErrUnknownType
	}
}
