// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/metrics"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled is the normal graceful shutdown path.
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline may indicate a hung operation during
	// shutdown.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Frame is one message pushed to a client. Destination tells the client
// which subscription the payload belongs to.
type Frame struct {
	Destination string          `json:"destination"`
	Data        json.RawMessage `json:"data"`
}

// delivery pairs a destination with its payload on the hub's intake channel.
type delivery struct {
	destination string
	payload     []byte
}

// Presence receives attach/detach notifications for connected identities.
type Presence interface {
	Connect(ctx context.Context, identity string) error
	Disconnect(ctx context.Context, identity string) error
}

// Hub routes deliveries to connected clients by destination subscription.
type Hub struct {
	clients       map[*Client]bool
	byDestination map[string]map[*Client]bool
	deliveries    chan delivery
	Register      chan *Client
	Unregister    chan *Client
	presence      Presence
	mu            sync.RWMutex
}

// NewHub creates a hub. presence may be nil in tests.
func NewHub(presence Presence) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		byDestination: make(map[string]map[*Client]bool),
		deliveries:    make(chan delivery, 256),
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		presence:      presence,
	}
}

// RunWithContext runs the hub until the context is canceled; designed for
// suture supervision. On cancellation all clients are closed and the
// context error is returned so the supervisor treats the stop as clean.
//
// DETERMINISM: uses priority-based selection so behavior is predictable
// when multiple channels are ready:
//   - Priority 1: context cancellation (shutdown)
//   - Priority 2: client lifecycle events (Register/Unregister)
//   - Priority 3: deliveries
//
// Client state is therefore always settled before a delivery is routed.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Priority 1: shutdown check (non-blocking)
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		// Priority 2: lifecycle events (non-blocking check)
		select {
		case client := <-h.Register:
			h.addClient(ctx, client)
			continue
		case client := <-h.Unregister:
			h.removeClient(ctx, client)
			continue
		default:
		}

		// Priority 3: deliveries, or block until anything is ready
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(ctx, client)
		case client := <-h.Unregister:
			h.removeClient(ctx, client)
		case d := <-h.deliveries:
			h.route(ctx, d)
		}
	}
}

// Deliver queues a payload for every client subscribed to the destination.
// Non-blocking: if the hub's intake is full the payload is dropped, since
// a stalled hub must not back up the fan-out dispatcher.
func (h *Hub) Deliver(destination string, payload []byte) {
	select {
	case h.deliveries <- delivery{destination: destination, payload: payload}:
	default:
		metrics.FanoutDropped.Inc()
		logging.Warn().Str("destination", destination).Msg("hub delivery queue full, dropping payload")
	}
}

// Subscribe adds the client to a destination's routing set. Safe to call
// from the client's read pump while the hub is running.
func (h *Hub) Subscribe(client *Client, destination string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return
	}
	set, ok := h.byDestination[destination]
	if !ok {
		set = make(map[*Client]bool)
		h.byDestination[destination] = set
	}
	set[client] = true
	client.destinations[destination] = true
}

// Unsubscribe removes the client from a destination's routing set.
func (h *Hub) Unsubscribe(client *Client, destination string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropSubscription(client, destination)
}

func (h *Hub) dropSubscription(client *Client, destination string) {
	if set, ok := h.byDestination[destination]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.byDestination, destination)
		}
	}
	delete(client.destinations, destination)
}

func (h *Hub) addClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(total))
	logging.Info().
		Str("identity", client.identity).
		Int("total_clients", total).
		Msg("websocket client connected")

	if h.presence != nil {
		if err := h.presence.Connect(ctx, client.identity); err != nil {
			logging.Error().Err(err).Str("identity", client.identity).Msg("presence attach failed")
		}
	}
}

func (h *Hub) removeClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	ok := h.detachLocked(client)
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}

	metrics.WebSocketClients.Set(float64(total))
	logging.Info().
		Str("identity", client.identity).
		Int("total_clients", total).
		Msg("websocket client disconnected")

	if h.presence != nil {
		if err := h.presence.Disconnect(ctx, client.identity); err != nil {
			logging.Error().Err(err).Str("identity", client.identity).Msg("presence detach failed")
		}
	}
}

// detachLocked removes the client from the routing tables and closes its
// send channel. Callers must hold h.mu; every close of a send channel goes
// through here under that lock, which is what makes Send safe.
func (h *Hub) detachLocked(client *Client) bool {
	if !h.clients[client] {
		return false
	}
	for destination := range client.destinations {
		h.dropSubscription(client, destination)
	}
	delete(h.clients, client)
	close(client.send)
	return true
}

// Send queues a frame for the client, dropping it when the buffer is full
// or the client is no longer registered. The registration check and the
// channel send share the hub's lock with detachLocked, so Send can never
// write to a closed channel.
func (h *Hub) Send(client *Client, frame Frame) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return false
	}
	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

// route sends a delivery to every client subscribed to its destination.
// Clients whose send buffer is full are evicted through the same teardown
// as a normal unregister, so their presence refcount is released.
// DETERMINISM: clients are sorted by ID so delivery order is consistent
// within a destination, which keeps tests reproducible.
func (h *Hub) route(ctx context.Context, d delivery) {
	h.mu.Lock()
	set, ok := h.byDestination[d.destination]
	if !ok {
		h.mu.Unlock()
		return
	}

	clients := make([]*Client, 0, len(set))
	for client := range set {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	frame := Frame{Destination: d.destination, Data: d.payload}

	var evicted []*Client
	for _, client := range clients {
		select {
		case client.send <- frame:
		default:
			// Send buffer full: the client is too slow to keep, drop it.
			evicted = append(evicted, client)
		}
	}
	for _, client := range evicted {
		h.detachLocked(client)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	metrics.WebSocketClients.Set(float64(total))
	for _, client := range evicted {
		logging.Warn().
			Str("identity", client.identity).
			Int("total_clients", total).
			Msg("dropping slow websocket client")
		if h.presence != nil {
			if err := h.presence.Disconnect(ctx, client.identity); err != nil {
				logging.Error().Err(err).Str("identity", client.identity).Msg("presence detach failed")
			}
		}
	}
}

// logGracefulShutdown closes all clients and logs structured shutdown
// information. ctx.Err() is not logged as an error because cancellation
// is expected behavior here.
func (h *Hub) logGracefulShutdown(ctx context.Context) {
	clientCount := h.GetClientCount()
	h.closeAllClients()

	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", clientCount).
		Msg("websocket hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ShutdownReasonContextDeadline
	default:
		return ShutdownReasonContextCanceled
	}
}

// closeAllClients closes every connected client in ID order and detaches
// their identities from presence. Detach uses a fresh context because the
// hub's own context is already canceled when this runs.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		h.detachLocked(client)
	}
	metrics.WebSocketClients.Set(0)
	h.mu.Unlock()

	if h.presence == nil {
		return
	}
	detachCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, client := range clients {
		if err := h.presence.Disconnect(detachCtx, client.identity); err != nil {
			logging.Error().Err(err).Str("identity", client.identity).Msg("presence detach failed during shutdown")
		}
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients are subscribed to a destination.
func (h *Hub) SubscriberCount(destination string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byDestination[destination])
}
