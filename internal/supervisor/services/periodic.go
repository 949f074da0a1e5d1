// Parley - Reliable Event Delivery for Chat
// Copyright 2026 Parley Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parley-chat/parley

package services

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/parley-chat/parley/internal/logging"
)

// Cycler is a scheduled worker: the outbox and inbox processors, the
// retention cleaners, and the presence healer all satisfy it.
type Cycler interface {
	Name() string
	Interval() time.Duration
	RunCycle(ctx context.Context) error
}

// PeriodicService runs a Cycler on its interval as a supervised service.
//
// Cycle failures are contained: an error or panic aborts that cycle,
// gets logged, and the ticker keeps going. Returning the error to suture
// would restart the whole service and reset its schedule, which a
// transient database or broker error never warrants. The service only
// returns on context cancellation.
type PeriodicService struct {
	cycler Cycler
}

// NewPeriodicService wraps a cycler for supervision.
func NewPeriodicService(cycler Cycler) *PeriodicService {
	return &PeriodicService{cycler: cycler}
}

// String implements fmt.Stringer for logging.
func (p *PeriodicService) String() string {
	return p.cycler.Name()
}

// Serve implements suture.Service. The first cycle runs after a random
// fraction of the interval so replicas started together do not contend
// for the leader lock in lockstep.
func (p *PeriodicService) Serve(ctx context.Context) error {
	interval := p.cycler.Interval()
	jitter := time.Duration(rand.Int64N(int64(interval)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *PeriodicService) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("service", p.cycler.Name()).
				Err(fmt.Errorf("panic: %v", r)).
				Msg("cycle panicked")
		}
	}()

	if err := p.cycler.RunCycle(ctx); err != nil && ctx.Err() == nil {
		logging.Error().
			Str("service", p.cycler.Name()).
			Err(err).
			Msg("cycle failed")
	}
}
