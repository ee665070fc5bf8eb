// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// Pacer spaces consecutive requests to one destination.
//
// # Description
//
// Each destination gets a limiter with burst 1 and the provider's pacing
// interval. Wait blocks until the interval since the previous request to
// that destination has elapsed. Destinations are independent.
//
// Adapters do not see the Pacer. The engine attaches a destination slot to
// the context of every login, operation and logout (see Registry.Paced) and
// adapters call Pace before each HTTP request they send, so an operation
// making several requests is spaced request by request.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*pacerEntry
	now      func() time.Time
}

type pacerEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewPacer creates an empty pacer.
func NewPacer() *Pacer {
	return &Pacer{
		limiters: make(map[string]*pacerEntry),
		now:      time.Now,
	}
}

// Wait blocks until a request to dest may be sent.
//
// # Inputs
//
//   - ctx: Cancelling it abandons the wait.
//   - dest: Destination being called.
//   - interval: Minimum spacing. Zero or negative disables pacing.
//
// # Outputs
//
//   - error: ctx error or a limiter error when the wait cannot be met
//     before ctx's deadline.
func (p *Pacer) Wait(ctx context.Context, dest session.Destination, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	key := dest.Provider + "|" + dest.Addr()

	p.mu.Lock()
	entry, ok := p.limiters[key]
	if !ok {
		entry = &pacerEntry{limiter: rate.NewLimiter(rate.Every(interval), 1)}
		p.limiters[key] = entry
	}
	entry.lastUsed = p.now()
	p.mu.Unlock()

	return entry.limiter.Wait(ctx)
}

// Prune drops limiters idle for longer than idle and returns how many.
func (p *Pacer) Prune(idle time.Duration) int {
	cutoff := p.now().Add(-idle)
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, entry := range p.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(p.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked destinations.
func (p *Pacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

// =============================================================================
// Context Slot
// =============================================================================

type pacingKey struct{}

type pacingSlot struct {
	pacer    *Pacer
	dest     session.Destination
	interval time.Duration
}

// With returns ctx carrying dest's pacing slot. A nil Pacer or a
// non-positive interval returns ctx unchanged.
func (p *Pacer) With(ctx context.Context, dest session.Destination, interval time.Duration) context.Context {
	if p == nil || interval <= 0 {
		return ctx
	}
	return context.WithValue(ctx, pacingKey{}, pacingSlot{pacer: p, dest: dest, interval: interval})
}

// Pace waits for the pacing slot carried by ctx and returns at once when
// there is none.
//
// # Outputs
//
//   - error: ctx's error, or one wrapping context.DeadlineExceeded when the
//     slot cannot be reached before ctx's deadline.
func Pace(ctx context.Context) error {
	slot, ok := ctx.Value(pacingKey{}).(pacingSlot)
	if !ok {
		return nil
	}
	if err := slot.pacer.Wait(ctx, slot.dest, slot.interval); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return nil
}
