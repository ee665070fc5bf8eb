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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/observability"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// =============================================================================
// Reaper
// =============================================================================

// ReaperConfig holds configuration for the expiry reaper.
//
// # Fields
//
//   - Interval: How often to sweep. Default: 60s.
//   - LogoutTimeout: Timeout for each best-effort logout. Default: 3s.
//   - LogoutConcurrency: Maximum logouts in flight per sweep. Default: 4.
type ReaperConfig struct {
	Interval          time.Duration
	LogoutTimeout     time.Duration
	LogoutConcurrency int
}

// DefaultReaperConfig returns the production reaper configuration.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:          60 * time.Second,
		LogoutTimeout:     3 * time.Second,
		LogoutConcurrency: 4,
	}
}

type namedHook struct {
	name string
	fn   Hook
}

// Reaper periodically evicts expired sessions.
//
// # Description
//
// Each tick removes every expired record from the store, then attempts an
// upstream logout for each removed record, then runs the housekeeping
// hooks. Removal does not depend on the logout succeeding. Logout failures
// and panicking hooks are logged and never stop the ticker.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Reaper struct {
	store   *session.Store
	logout  LogoutFunc
	config  ReaperConfig
	metrics *observability.BrokerMetrics
	now     func() time.Time

	mu      sync.Mutex
	hooks   []namedHook
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewReaper creates a reaper.
//
// # Inputs
//
//   - store: Session store to sweep.
//   - logout: Best-effort upstream logout.
//   - config: Reaper configuration.
//   - metrics: Metrics sink. May be nil.
func NewReaper(store *session.Store, logout LogoutFunc, config ReaperConfig,
	metrics *observability.BrokerMetrics) *Reaper {
	if config.LogoutConcurrency < 1 {
		config.LogoutConcurrency = 1
	}
	return &Reaper{
		store:   store,
		logout:  logout,
		config:  config,
		metrics: metrics,
		now:     time.Now,
	}
}

// AddHook registers housekeeping to run on every tick.
func (r *Reaper) AddHook(name string, fn Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, namedHook{name: name, fn: fn})
}

// Start begins periodic sweeping.
//
// # Outputs
//
//   - error: Non-nil if the reaper is already running.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reaper is already running")
	}
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	slog.Info("Session reaper starting",
		"interval", r.config.Interval.String(),
		"logout_concurrency", r.config.LogoutConcurrency,
	)

	r.wg.Add(1)
	go r.runLoop(ctx, r.done)
	return nil
}

// Stop signals the loop to exit and waits for the current sweep to finish.
// Safe to call multiple times.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	slog.Info("Session reaper stopping")
	close(r.done)
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
}

// RunNow performs one sweep immediately.
func (r *Reaper) RunNow(ctx context.Context) SweepResult {
	return r.sweep(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (r *Reaper) runLoop(ctx context.Context, done <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Session reaper stopped (context cancelled)")
			return
		case <-done:
			slog.Info("Session reaper stopped (stop requested)")
			return
		case <-ticker.C:
			r.executeSweep(ctx)
		}
	}
}

// executeSweep runs one sweep and logs the outcome.
func (r *Reaper) executeSweep(ctx context.Context) {
	result := r.sweep(ctx)
	if result.Evicted > 0 {
		slog.Info("Session sweep completed",
			"evicted", result.Evicted,
			"logouts_failed", result.LogoutsFailed,
			"duration_ms", result.DurationMs(),
		)
	} else {
		slog.Debug("Session sweep completed (nothing expired)")
	}
}

func (r *Reaper) sweep(ctx context.Context) SweepResult {
	result := SweepResult{StartTime: r.now()}

	expired := r.store.SweepExpired(r.now())
	result.Evicted = len(expired)
	r.metrics.RecordSweep(len(expired))
	r.metrics.SetSessionsCached(r.store.Len())

	if len(expired) > 0 {
		result.Errors = r.logoutAll(ctx, expired)
		result.LogoutsFailed = len(result.Errors)
	}

	result.HooksFailed = r.runHooks(ctx)
	result.EndTime = r.now()
	return result
}

// logoutAll attempts every logout with bounded concurrency.
func (r *Reaper) logoutAll(ctx context.Context, records []*session.Record) []LogoutError {
	var (
		mu   sync.Mutex
		errs []LogoutError
	)

	var g errgroup.Group
	g.SetLimit(r.config.LogoutConcurrency)
	for _, rec := range records {
		g.Go(func() error {
			logoutCtx, cancel := context.WithTimeout(ctx, r.config.LogoutTimeout)
			defer cancel()

			err := safeLogout(logoutCtx, r.logout, rec)
			r.metrics.RecordLogout(rec.Destination.Provider, "reaper", err == nil)
			if err != nil {
				slog.Warn("Expired session logout failed",
					"provider", rec.Destination.Provider,
					"destination", rec.Destination.BaseURL(),
					"error", err,
				)
				mu.Lock()
				errs = append(errs, LogoutError{
					Provider:    rec.Destination.Provider,
					Destination: rec.Destination.BaseURL(),
					Err:         err,
				})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// runHooks runs each hook, isolating panics. Returns how many failed.
func (r *Reaper) runHooks(ctx context.Context) int {
	r.mu.Lock()
	hooks := append([]namedHook(nil), r.hooks...)
	r.mu.Unlock()

	failed := 0
	for _, h := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					failed++
					slog.Error("Reaper hook panicked", "hook", h.name, "panic", p)
				}
			}()
			h.fn(ctx)
		}()
	}
	return failed
}
