// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/observability"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// DefaultDrainBudget bounds the shutdown drain.
const DefaultDrainBudget = 3 * time.Second

// Drainer logs out every cached session at shutdown within a fixed budget.
//
// # Description
//
// Drain starts one logout per cached record, then waits until all of them
// finish or the budget elapses, whichever comes first. Logouts still
// running at that point are cancelled. The drained records are removed
// from the store either way.
type Drainer struct {
	store   *session.Store
	logout  LogoutFunc
	budget  time.Duration
	metrics *observability.BrokerMetrics
	now     func() time.Time
}

// NewDrainer creates a drainer. A non-positive budget uses
// DefaultDrainBudget.
func NewDrainer(store *session.Store, logout LogoutFunc, budget time.Duration,
	metrics *observability.BrokerMetrics) *Drainer {
	if budget <= 0 {
		budget = DefaultDrainBudget
	}
	return &Drainer{
		store:   store,
		logout:  logout,
		budget:  budget,
		metrics: metrics,
		now:     time.Now,
	}
}

// Drain logs out all cached sessions.
//
// # Inputs
//
//   - ctx: Parent context. Cancelling it ends the drain early.
//
// # Outputs
//
//   - DrainResult: Counts and whether the budget was exhausted.
func (d *Drainer) Drain(ctx context.Context) DrainResult {
	result := DrainResult{StartTime: d.now()}
	records := d.store.Records()
	result.Total = len(records)
	if len(records) == 0 {
		result.EndTime = d.now()
		return result
	}

	budgetCtx, cancel := context.WithTimeout(ctx, d.budget)
	defer cancel()

	var (
		wg        sync.WaitGroup
		completed atomic.Int32
		failed    atomic.Int32
	)
	for _, rec := range records {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := safeLogout(budgetCtx, d.logout, rec)
			completed.Add(1)
			d.metrics.RecordLogout(rec.Destination.Provider, "drain", err == nil)
			if err != nil {
				failed.Add(1)
				slog.Debug("Shutdown logout failed",
					"provider", rec.Destination.Provider,
					"destination", rec.Destination.BaseURL(),
					"error", err,
				)
			}
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-budgetCtx.Done():
		result.TimedOut = true
	}

	for _, rec := range records {
		d.store.Delete(rec.Key)
	}
	d.metrics.SetSessionsCached(d.store.Len())

	result.Completed = int(completed.Load())
	result.Failed = int(failed.Load())
	result.EndTime = d.now()
	d.metrics.RecordDrain(result.Duration().Seconds())

	slog.Info("Session drain finished",
		"total", result.Total,
		"completed", result.Completed,
		"failed", result.Failed,
		"timed_out", result.TimedOut,
		"duration_ms", result.Duration().Milliseconds(),
	)
	return result
}
