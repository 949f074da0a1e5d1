// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package websocket

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

type fakePresence struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
}

func (p *fakePresence) Connect(_ context.Context, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects = append(p.connects, identity)
	return nil
}

func (p *fakePresence) Disconnect(_ context.Context, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects = append(p.disconnects, identity)
	return nil
}

func (p *fakePresence) snapshot() (connects, disconnects []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.connects...), append([]string(nil), p.disconnects...)
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     8,
	}
}

func newTestClient(hub *Hub, identity string) *Client {
	return NewClient(hub, nil, identity, testWSConfig())
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startHub(t *testing.T, hub *Hub) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.RunWithContext(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	presence := &fakePresence{}
	hub := NewHub(presence)
	stop := startHub(t, hub)
	defer stop()

	client := newTestClient(hub, "alice")
	hub.Register <- client
	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 1 }, "client never registered")

	hub.Unregister <- client
	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 0 }, "client never unregistered")

	connects, disconnects := presence.snapshot()
	if len(connects) != 1 || connects[0] != "alice" {
		t.Errorf("presence connects = %v, want [alice]", connects)
	}
	if len(disconnects) != 1 || disconnects[0] != "alice" {
		t.Errorf("presence disconnects = %v, want [alice]", disconnects)
	}
}

func TestHubRoutesByDestination(t *testing.T) {
	hub := NewHub(nil)
	stop := startHub(t, hub)
	defer stop()

	alice := newTestClient(hub, "alice")
	bob := newTestClient(hub, "bob")
	hub.Register <- alice
	hub.Register <- bob
	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 2 }, "clients never registered")

	hub.Subscribe(alice, "/channels/general/messages")
	hub.Subscribe(bob, "/presence")

	hub.Deliver("/channels/general/messages", []byte(`{"n":1}`))

	select {
	case frame := <-alice.send:
		if frame.Destination != "/channels/general/messages" {
			t.Errorf("frame destination = %q", frame.Destination)
		}
		if string(frame.Data) != `{"n":1}` {
			t.Errorf("frame data = %s", frame.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed client never received the frame")
	}

	select {
	case frame := <-bob.send:
		t.Errorf("unsubscribed client received %v", frame)
	default:
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(nil)
	stop := startHub(t, hub)
	defer stop()

	client := newTestClient(hub, "alice")
	hub.Register <- client
	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 1 }, "client never registered")

	hub.Subscribe(client, "/presence")
	if hub.SubscriberCount("/presence") != 1 {
		t.Fatal("subscription not recorded")
	}
	hub.Unsubscribe(client, "/presence")
	if hub.SubscriberCount("/presence") != 0 {
		t.Fatal("subscription not removed")
	}

	hub.Deliver("/presence", []byte(`{}`))
	time.Sleep(50 * time.Millisecond)
	select {
	case frame := <-client.send:
		t.Errorf("unsubscribed client received %v", frame)
	default:
	}
}

func TestHubSubscribeRequiresRegisteredClient(t *testing.T) {
	hub := NewHub(nil)

	client := newTestClient(hub, "alice")
	hub.Subscribe(client, "/presence")

	if hub.SubscriberCount("/presence") != 0 {
		t.Error("unregistered client must not be subscribable")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	presence := &fakePresence{}
	hub := NewHub(presence)
	stop := startHub(t, hub)
	defer stop()

	cfg := testWSConfig()
	cfg.SendBuffer = 1
	slow := NewClient(hub, nil, "slow", cfg)
	fast := newTestClient(hub, "fast")
	hub.Register <- slow
	hub.Register <- fast
	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 2 }, "clients never registered")

	hub.Subscribe(slow, "/presence")
	hub.Subscribe(fast, "/presence")

	// Nothing reads slow.send, so the second delivery overflows its
	// buffer and evicts it.
	hub.Deliver("/presence", []byte(`{"n":1}`))
	hub.Deliver("/presence", []byte(`{"n":2}`))

	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 1 }, "slow client never dropped")
	if hub.SubscriberCount("/presence") != 1 {
		t.Errorf("subscribers = %d, want only the fast client", hub.SubscriberCount("/presence"))
	}

	// Eviction must release the identity's presence refcount just like a
	// normal unregister would.
	_, disconnects := presence.snapshot()
	if len(disconnects) != 1 || disconnects[0] != "slow" {
		t.Errorf("presence disconnects = %v, want [slow]", disconnects)
	}

	received := 0
	for {
		select {
		case <-fast.send:
			received++
			continue
		default:
		}
		break
	}
	if received != 2 {
		t.Errorf("fast client received %d frames, want 2", received)
	}
}

func TestHubEvictedClientUnregisterIsNoOp(t *testing.T) {
	presence := &fakePresence{}
	hub := NewHub(presence)
	stop := startHub(t, hub)
	defer stop()

	cfg := testWSConfig()
	cfg.SendBuffer = 1
	slow := NewClient(hub, nil, "slow", cfg)
	hub.Register <- slow
	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 1 }, "client never registered")

	hub.Subscribe(slow, "/presence")
	hub.Deliver("/presence", []byte(`{"n":1}`))
	hub.Deliver("/presence", []byte(`{"n":2}`))
	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 0 }, "slow client never dropped")

	// The read pump still unregisters on its way out. The client is
	// already gone, so presence must not be detached a second time.
	hub.Unregister <- slow
	time.Sleep(50 * time.Millisecond)

	_, disconnects := presence.snapshot()
	if len(disconnects) != 1 || disconnects[0] != "slow" {
		t.Errorf("presence disconnects = %v, want exactly one [slow]", disconnects)
	}
}

func TestHubSendRepliesOnPing(t *testing.T) {
	hub := NewHub(nil)
	stop := startHub(t, hub)
	defer stop()

	client := newTestClient(hub, "alice")
	hub.Register <- client
	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 1 }, "client never registered")

	client.handleControl(ControlFrame{Type: ControlPing})

	select {
	case frame := <-client.send:
		var control ControlFrame
		if err := json.Unmarshal(frame.Data, &control); err != nil {
			t.Fatalf("pong frame not decodable: %v", err)
		}
		if control.Type != ControlPong {
			t.Errorf("control type = %q, want %q", control.Type, ControlPong)
		}
	default:
		t.Fatal("ping produced no pong frame")
	}
}

func TestHubPingAfterEvictionDoesNotPanic(t *testing.T) {
	hub := NewHub(nil)
	stop := startHub(t, hub)
	defer stop()

	cfg := testWSConfig()
	cfg.SendBuffer = 1
	slow := NewClient(hub, nil, "slow", cfg)
	hub.Register <- slow
	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 1 }, "client never registered")

	hub.Subscribe(slow, "/presence")
	hub.Deliver("/presence", []byte(`{"n":1}`))
	hub.Deliver("/presence", []byte(`{"n":2}`))
	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 0 }, "slow client never dropped")

	// The hub closed slow.send during eviction while the read pump may
	// still be handling inbound frames. A ping in that window must be
	// dropped, not sent on the closed channel.
	slow.handleControl(ControlFrame{Type: ControlPing})

	if hub.Send(slow, Frame{Data: []byte(`{}`)}) {
		t.Error("Send accepted a frame for an evicted client")
	}
}

func TestHubShutdownClosesClientsAndDetachesPresence(t *testing.T) {
	presence := &fakePresence{}
	hub := NewHub(presence)
	stop := startHub(t, hub)

	client := newTestClient(hub, "alice")
	hub.Register <- client
	waitFor(t, 2*time.Second, func() bool { return hub.GetClientCount() == 1 }, "client never registered")

	stop()

	if hub.GetClientCount() != 0 {
		t.Error("clients survived shutdown")
	}
	if _, ok := <-client.send; ok {
		t.Error("client send channel not closed")
	}
	_, disconnects := presence.snapshot()
	if len(disconnects) != 1 || disconnects[0] != "alice" {
		t.Errorf("presence disconnects = %v, want [alice]", disconnects)
	}
}

func TestValidDestination(t *testing.T) {
	checks := []struct {
		destination string
		want        bool
	}{
		{"/presence", true},
		{"/channels/general/messages", true},
		{"/users/alice/direct", true},
		{"/channels//messages", false},
		{"/channels/general/reactions", false},
		{"/users/alice/messages", false},
		{"/admin/outbox/dead", false},
		{"presence", false},
		{"", false},
	}

	for _, check := range checks {
		if got := validDestination(check.destination); got != check.want {
			t.Errorf("validDestination(%q) = %v, want %v", check.destination, got, check.want)
		}
	}
}
