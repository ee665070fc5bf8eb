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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/observability"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

var tracer = otel.Tracer("github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine")

// Operation is one upstream call made with a session snapshot.
//
// A non-nil Rotation is merged into the cached session on success.
type Operation func(ctx context.Context, snap session.Snapshot) (*session.Rotation, error)

// ExecutorConfig tunes the retry loop.
//
// # Fields
//
//   - MaxAttempts: Total attempts per request. Default: 3.
//   - NearExpiryBuffer: Cached sessions expiring within this window are
//     re-authenticated before use. Default: 60s.
//   - CallTimeout: Timeout for one upstream operation. Default: 5s.
//   - RetryBaseDelay: Delay before the first retry after a connection
//     error. Default: 2s.
//   - RetryStep: Added per subsequent retry. Default: 1s.
//   - MaxRetryDelay: Cap on the retry delay. Default: 5s.
type ExecutorConfig struct {
	MaxAttempts      int
	NearExpiryBuffer time.Duration
	CallTimeout      time.Duration
	RetryBaseDelay   time.Duration
	RetryStep        time.Duration
	MaxRetryDelay    time.Duration
}

// DefaultExecutorConfig returns the production retry tuning.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxAttempts:      3,
		NearExpiryBuffer: 60 * time.Second,
		CallTimeout:      5 * time.Second,
		RetryBaseDelay:   2 * time.Second,
		RetryStep:        time.Second,
		MaxRetryDelay:    5 * time.Second,
	}
}

// Executor runs operations against a destination with session reuse and
// bounded retries.
//
// # Description
//
// Per attempt:
//
//  1. Reuse the cached session when it is usable, otherwise authenticate.
//  2. Run the operation with the destination's pacing slot on its context;
//     every request it sends waits for the slot.
//  3. Session rejected: rotate in place when a replacement token came back,
//     drop the session otherwise, and retry.
//  4. Connection failure: drop the session, back off, and retry.
//  5. Rate limited: surface at once; retrying would deepen the lockout.
//  6. Anything else: surface at once.
//
// A session still rejected after the last attempt surfaces as
// KindUnauthorized. At most MaxAttempts logins happen per request.
//
// # Thread Safety
//
// Safe for concurrent use.
type Executor struct {
	store     *session.Store
	auth      *Authenticator
	providers *Registry
	config    ExecutorConfig
	metrics   *observability.BrokerMetrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor.
//
// # Inputs
//
//   - store: Session store shared with the authenticator.
//   - auth: Authenticator used for missing or stale sessions.
//   - providers: Registry supplying each destination's pacing slot.
//   - config: Retry tuning.
//   - metrics: Metrics sink. May be nil.
func NewExecutor(store *session.Store, auth *Authenticator, providers *Registry,
	config ExecutorConfig, metrics *observability.BrokerMetrics) *Executor {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Executor{
		store:     store,
		auth:      auth,
		providers: providers,
		config:    config,
		metrics:   metrics,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Execute runs op against target.
//
// # Inputs
//
//   - ctx: Caller context. Deadlines and cancellation end the loop.
//   - target: Resolved destination and credential.
//   - mode: Passed to the authenticator for its timeout.
//   - op: Operation to run.
//
// # Outputs
//
//   - error: nil on success, otherwise *Error.
func (e *Executor) Execute(ctx context.Context, target Target, mode Mode, op Operation) error {
	provider := target.Destination.Provider
	ctx, span := tracer.Start(ctx, "broker.execute")
	span.SetAttributes(
		attribute.String("broker.provider", provider),
		attribute.String("broker.mode", mode.String()),
	)
	defer span.End()

	start := e.now()
	err := e.run(ctx, target, mode, op)
	outcome := "success"
	if err != nil {
		be := Classify(provider, err)
		outcome = be.Kind.String()
		span.RecordError(be)
		span.SetStatus(codes.Error, outcome)
		err = be
	}
	e.metrics.RecordOperation(provider, outcome, e.now().Sub(start).Seconds())
	return err
}

func (e *Executor) run(ctx context.Context, target Target, mode Mode, op Operation) error {
	provider := target.Destination.Provider

	var last *Error
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Classify(provider, err)
		}
		if last != nil && last.Kind == KindConnection {
			if err := e.sleep(ctx, e.retryDelay(attempt-2)); err != nil {
				return last
			}
		}

		rec, err := e.acquire(ctx, target, mode)
		if err != nil {
			be := Classify(provider, err)
			if be.Kind == KindConnection && attempt < e.config.MaxAttempts {
				last = be
				e.metrics.RecordRetry(provider, be.Kind.String())
				continue
			}
			return be
		}

		callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
		callCtx = e.providers.Paced(callCtx, target.Destination)
		rot, err := op(callCtx, rec.Snapshot())
		cancel()
		if err == nil {
			if rot != nil {
				e.store.Rotate(target.Key, *rot)
			}
			return nil
		}

		be := Classify(provider, err)
		switch be.Kind {
		case KindSessionInvalid:
			if be.Rotation == nil || !e.store.Rotate(target.Key, *be.Rotation) {
				e.store.Delete(target.Key)
			}
		case KindConnection:
			e.store.Delete(target.Key)
		default:
			return be
		}
		last = be
		e.metrics.RecordRetry(provider, be.Kind.String())
		slog.Debug("Retrying upstream operation",
			"provider", provider,
			"attempt", attempt,
			"kind", be.Kind.String(),
		)
	}

	if last != nil && last.Kind == KindSessionInvalid {
		return &Error{
			Kind:       KindUnauthorized,
			Provider:   provider,
			StatusCode: last.StatusCode,
			Message:    fmt.Sprintf("session rejected after %d attempts", e.config.MaxAttempts),
			Err:        last,
		}
	}
	return last
}

// acquire returns a usable cached session or authenticates a new one.
func (e *Executor) acquire(ctx context.Context, target Target, mode Mode) (*session.Record, error) {
	if rec, ok := e.store.Get(target.Key); ok && rec.Usable(e.now(), e.config.NearExpiryBuffer) {
		return rec, nil
	}
	return e.auth.Authenticate(ctx, target, mode)
}

// retryDelay returns the backoff before retry n (zero-based).
func (e *Executor) retryDelay(n int) time.Duration {
	d := e.config.RetryBaseDelay + time.Duration(n)*e.config.RetryStep
	if d > e.config.MaxRetryDelay {
		d = e.config.MaxRetryDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
