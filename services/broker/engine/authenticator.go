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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/observability"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// =============================================================================
// Request Target
// =============================================================================

// Mode selects timeouts and degradation behaviour for one request.
type Mode int

const (
	// ModePassive is a widget refresh. Auto-login uses the short timeout.
	ModePassive Mode = iota

	// ModeInteractive is a user-initiated action.
	ModeInteractive

	// ModeExplicitLogin is a user-initiated login.
	ModeExplicitLogin
)

// String returns the mode name used in logs and metrics.
func (m Mode) String() string {
	switch m {
	case ModeInteractive:
		return "interactive"
	case ModeExplicitLogin:
		return "explicit_login"
	default:
		return "passive"
	}
}

// Target is a fully resolved request destination.
//
// # Fields
//
//   - ItemID: Dashboard item identifier.
//   - Destination: Upstream destination.
//   - Username: Optional username.
//   - StoredSecret: Secret as stored, possibly still encoded.
//   - Key: Session key derived from destination and credential fingerprint.
type Target struct {
	ItemID       string
	Destination  session.Destination
	Username     string
	StoredSecret string
	Key          session.Key
}

// SecretDecoder is the part of the secret codec the authenticator needs.
//
// Decode must return the input unchanged when it is not encoded and ""
// when decoding fails.
type SecretDecoder interface {
	IsEncoded(secret string) bool
	Decode(secret string) string
}

// =============================================================================
// Authenticator
// =============================================================================

// AuthenticatorConfig tunes upstream logins.
//
// # Fields
//
//   - PassiveLoginTimeout: Login timeout for auto-login during widget
//     refreshes. Default: 3s.
//   - InteractiveLoginTimeout: Login timeout for user-initiated actions and
//     explicit logins. Default: 10s.
//   - SafetyMargin: Fraction of the declared validity removed from the
//     expiry. Default: 0.1.
type AuthenticatorConfig struct {
	PassiveLoginTimeout     time.Duration
	InteractiveLoginTimeout time.Duration
	SafetyMargin            float64
}

// DefaultAuthenticatorConfig returns the production login tuning.
func DefaultAuthenticatorConfig() AuthenticatorConfig {
	return AuthenticatorConfig{
		PassiveLoginTimeout:     3 * time.Second,
		InteractiveLoginTimeout: 10 * time.Second,
		SafetyMargin:            0.1,
	}
}

// Authenticator performs upstream logins and populates the Store.
//
// # Description
//
// Authenticate decodes the stored secret, runs the provider login, computes
// the expiry and stores the record. Failed logins write nothing. Concurrent
// logins for the same session key share one upstream handshake.
//
// # Thread Safety
//
// Safe for concurrent use.
type Authenticator struct {
	store     *session.Store
	providers *Registry
	codec     SecretDecoder
	config    AuthenticatorConfig
	metrics   *observability.BrokerMetrics
	now       func() time.Time
	flights   singleflight.Group
}

// NewAuthenticator creates an authenticator.
//
// # Inputs
//
//   - store: Session store written on success.
//   - providers: Adapter registry.
//   - codec: Secret decoder. May be nil when no secret is ever encoded.
//   - config: Login tuning.
//   - metrics: Metrics sink. May be nil.
func NewAuthenticator(store *session.Store, providers *Registry, codec SecretDecoder,
	config AuthenticatorConfig, metrics *observability.BrokerMetrics) *Authenticator {
	return &Authenticator{
		store:     store,
		providers: providers,
		codec:     codec,
		config:    config,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Authenticate logs in to target's destination and caches the session.
//
// # Description
//
//  1. Missing secret ⇒ KindNotConfigured.
//  2. Encoded secret that fails to decode ⇒ KindInvalidCredential. This is
//     indistinguishable from a wrong key at this layer and is never retried.
//  3. Provider login, shared by concurrent callers for the same key. Each
//     caller waits at most its mode's timeout; the login itself may run up
//     to the longest configured timeout and is paced per destination.
//  4. Expiry = issued + validity reduced by the safety margin.
//  5. Record stored and returned.
//
// # Inputs
//
//   - ctx: Caller context. Cancelling it abandons the wait but not a login
//     shared with other callers.
//   - target: Resolved destination and credential.
//   - mode: Selects how long this caller waits for the login.
//
// # Outputs
//
//   - *session.Record: The stored record.
//   - error: *Error with kind InvalidCredential, Connection, RateLimited,
//     Protocol, NotConfigured or Misconfigured.
func (a *Authenticator) Authenticate(ctx context.Context, target Target, mode Mode) (*session.Record, error) {
	provider, ok := a.providers.Get(target.Destination.Provider)
	if !ok {
		return nil, NewError(KindMisconfigured, target.Destination.Provider, 0, "unknown provider", nil)
	}
	name := provider.Name()

	if target.StoredSecret == "" {
		a.metrics.RecordAuthAttempt(name, KindNotConfigured.String())
		return nil, NewError(KindNotConfigured, name, 0, "no secret configured", nil)
	}
	if provider.Policy().RequiresUsername && target.Username == "" {
		a.metrics.RecordAuthAttempt(name, KindNotConfigured.String())
		return nil, NewError(KindNotConfigured, name, 0, "no username configured", nil)
	}

	secret := target.StoredSecret
	if a.codec != nil && a.codec.IsEncoded(secret) {
		secret = a.codec.Decode(secret)
		if secret == "" {
			slog.Warn("Stored secret could not be decrypted",
				"provider", name, "item_id", target.ItemID)
			a.metrics.RecordAuthAttempt(name, KindInvalidCredential.String())
			return nil, NewError(KindInvalidCredential, name, 0, "stored secret could not be decrypted", nil)
		}
	}
	cred := session.Credential{Username: target.Username, Secret: secret}

	// The shared login runs under the longest timeout; each caller waits at
	// most its own mode's.
	waitCtx, cancel := context.WithTimeout(ctx, a.timeout(mode))
	defer cancel()

	ch := a.flights.DoChan(string(target.Key), func() (interface{}, error) {
		return a.login(ctx, provider, target, cred, mode)
	})

	select {
	case <-waitCtx.Done():
		return nil, Classify(name, waitCtx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session.Record), nil
	}
}

// timeout returns how long a caller in mode waits for a login.
func (a *Authenticator) timeout(mode Mode) time.Duration {
	if mode == ModePassive {
		return a.config.PassiveLoginTimeout
	}
	return a.config.InteractiveLoginTimeout
}

// login runs one shared upstream handshake.
func (a *Authenticator) login(ctx context.Context, provider Provider, target Target,
	cred session.Credential, mode Mode) (*session.Record, error) {
	name := provider.Name()
	timeout := max(a.config.PassiveLoginTimeout, a.config.InteractiveLoginTimeout)

	loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	loginCtx = a.providers.Paced(loginCtx, target.Destination)

	loginCtx, span := tracer.Start(loginCtx, "broker.login")
	span.SetAttributes(
		attribute.String("broker.provider", name),
		attribute.String("broker.mode", mode.String()),
	)
	defer span.End()

	start := a.now()
	grant, err := provider.Login(loginCtx, target.Destination, cred)
	if err != nil {
		be := Classify(name, err)
		span.RecordError(be)
		span.SetStatus(codes.Error, be.Kind.String())
		a.metrics.RecordAuthAttempt(name, be.Kind.String())
		slog.Warn("Upstream login failed",
			"provider", name,
			"destination", target.Destination.BaseURL(),
			"kind", be.Kind.String(),
			"status", be.StatusCode,
		)
		return nil, be
	}

	validity := grant.Validity
	if validity <= 0 {
		validity = provider.Policy().DefaultValidity
	}
	issued := a.now()
	rec := session.NewRecord(target.Key, target.Destination, grant.Tokens, issued,
		session.ExpiryFor(issued, validity, a.config.SafetyMargin))
	if grant.ReplayCredential {
		rec.SealCredential(cred)
	}

	a.store.Put(target.Key, rec)
	a.metrics.RecordAuthAttempt(name, "success")
	a.metrics.SetSessionsCached(a.store.Len())

	slog.Info("Upstream session established",
		"provider", name,
		"destination", target.Destination.BaseURL(),
		"expires_at", rec.ExpiresAt.Format(time.RFC3339),
		"login_ms", issued.Sub(start).Milliseconds(),
	)
	return rec, nil
}
