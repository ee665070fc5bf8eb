// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle runs the background and shutdown work around the
// session store: the periodic expiry reaper and the shutdown drainer.
//
// # Description
//
// Both components remove records from the store before or regardless of
// the upstream logout they attempt, so an expired or drained session is
// never handed out again even when the upstream is unreachable. Logout
// failures are logged and counted, never returned to a caller.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// LogoutFunc performs the upstream logout of a record already removed from
// the store.
type LogoutFunc func(ctx context.Context, rec *session.Record) error

// Hook is independent housekeeping run on every reaper tick.
type Hook func(ctx context.Context)

// LogoutError records one failed best-effort logout.
type LogoutError struct {
	Provider    string
	Destination string
	Err         error
}

// Error implements error.
func (e LogoutError) Error() string {
	return fmt.Sprintf("logout %s@%s: %v", e.Provider, e.Destination, e.Err)
}

// SweepResult summarises one reaper tick.
type SweepResult struct {
	StartTime     time.Time
	EndTime       time.Time
	Evicted       int
	LogoutsFailed int
	HooksFailed   int
	Errors        []LogoutError
}

// Duration returns the total duration of the sweep.
func (r SweepResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// DurationMs returns the duration in milliseconds for logging.
func (r SweepResult) DurationMs() int64 {
	return r.Duration().Milliseconds()
}

// DrainResult summarises a shutdown drain.
//
// # Fields
//
//   - Total: Sessions present when the drain started.
//   - Completed: Logouts that finished within the budget, successful or not.
//   - Failed: Logouts that finished with an error.
//   - TimedOut: The budget ran out before every logout finished.
type DrainResult struct {
	StartTime time.Time
	EndTime   time.Time
	Total     int
	Completed int
	Failed    int
	TimedOut  bool
}

// Duration returns the total duration of the drain.
func (r DrainResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// safeLogout runs logout and converts a panic into an error.
func safeLogout(ctx context.Context, logout LogoutFunc, rec *session.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("logout panicked: %v", p)
		}
	}()
	return logout(ctx, rec)
}
