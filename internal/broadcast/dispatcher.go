// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package broadcast

import (
	"context"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/parley-chat/parley/internal/events"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/metrics"
)

// Delivery is a payload routed to a local subscriber.
type Delivery struct {
	Destination string
	Payload     []byte
}

// subscription is one local listener with a pattern and a buffered channel.
type subscription struct {
	pattern string
	ch      chan Delivery
}

// Dispatcher consumes the fan-out subject on this replica and routes each
// frame to local subscribers whose destination pattern matches. Runs as a
// supervised service.
type Dispatcher struct {
	bus Bus

	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewDispatcher creates a dispatcher over the fan-out bus.
func NewDispatcher(bus Bus) *Dispatcher {
	return &Dispatcher{
		bus:  bus,
		subs: make(map[*subscription]struct{}),
	}
}

// String implements fmt.Stringer for supervision tree logging.
func (d *Dispatcher) String() string { return "broadcast-dispatcher" }

// Subscribe registers a destination pattern and returns a delivery channel
// plus a cancel function. A pattern is an exact destination, or uses "*"
// as a path segment wildcard ("/channels/*/messages" matches any channel).
// Deliveries to a full channel are dropped, never blocked on.
func (d *Dispatcher) Subscribe(pattern string) (<-chan Delivery, func()) {
	sub := &subscription{
		pattern: pattern,
		ch:      make(chan Delivery, 64),
	}

	d.mu.Lock()
	d.subs[sub] = struct{}{}
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		if _, ok := d.subs[sub]; ok {
			delete(d.subs, sub)
			close(sub.ch)
		}
		d.mu.Unlock()
	}
	return sub.ch, cancel
}

// Serve consumes the fan-out subject until the context is cancelled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	msgs, err := d.bus.Subscribe(ctx, events.SubjectFanout)
	if err != nil {
		return err
	}

	logging.Info().Msg("Broadcast dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			d.dispatch(msg.Payload)
			msg.Ack()
		}
	}
}

func (d *Dispatcher) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		logging.Warn().Err(err).Msg("Discarding malformed fan-out frame")
		metrics.FanoutDropped.Inc()
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for sub := range d.subs {
		if !MatchDestination(sub.pattern, f.Destination) {
			continue
		}
		select {
		case sub.ch <- Delivery{Destination: f.Destination, Payload: f.Payload}:
			metrics.FanoutDelivered.Inc()
		default:
			// Slow consumer: dropping beats stalling every other
			// subscriber on this replica.
			metrics.FanoutDropped.Inc()
		}
	}
}

// MatchDestination reports whether a destination matches a pattern.
// Patterns compare segment by segment; "*" matches exactly one segment.
func MatchDestination(pattern, destination string) bool {
	if pattern == destination {
		return true
	}
	ps := strings.Split(pattern, "/")
	ds := strings.Split(destination, "/")
	if len(ps) != len(ds) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ds[i] {
			return false
		}
	}
	return true
}
