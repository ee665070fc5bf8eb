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
	"sort"
	"time"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// =============================================================================
// Resolution
// =============================================================================

// Session scopes for Connection.Scope.
const (
	ScopeShared = "shared"
	ScopeUser   = "user"
)

// Connection is a dashboard item resolved to an upstream destination.
//
// # Fields
//
//   - Destination: Upstream destination.
//   - Username: Optional username.
//   - Secret: Stored secret, possibly encoded.
//   - Scope: ScopeShared keys sessions by credential. ScopeUser keys them by
//     dashboard user.
type Connection struct {
	Destination session.Destination
	Username    string
	Secret      string
	Scope       string
}

// Resolver maps dashboard item IDs to connections.
//
// Implementations return *Error with KindNotFound for unknown items and
// KindMisconfigured for entries that cannot be used.
type Resolver interface {
	Resolve(ctx context.Context, itemID string) (Connection, error)
}

type userKey struct{}

// WithUser attaches the dashboard user identity to ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the dashboard user identity attached by WithUser.
func UserFrom(ctx context.Context) string {
	v, _ := ctx.Value(userKey{}).(string)
	return v
}

// =============================================================================
// Broker
// =============================================================================

// ReadOptions tunes passive reads.
//
// RequireAuth surfaces authentication failures instead of degrading to a
// placeholder.
type ReadOptions struct {
	RequireAuth bool
}

// StatsView is a passive stats read. Available is false when the widget
// should render its placeholder.
type StatsView struct {
	Stats     Stats  `json:"stats"`
	Available bool   `json:"available"`
	ErrorKind string `json:"errorKind,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// ItemsView is a passive list read.
type ItemsView struct {
	Items     []Item `json:"items"`
	Available bool   `json:"available"`
	ErrorKind string `json:"errorKind,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// SessionInfo is the non-secret metadata of one cached session.
type SessionInfo struct {
	Provider    string    `json:"provider"`
	Destination string    `json:"destination"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Replay      bool      `json:"replayCredential"`
}

// Broker is the request-facing entry point of the session engine.
//
// # Description
//
// Broker resolves dashboard items, derives session keys and routes
// operations through the Executor. Passive reads degrade to a placeholder
// on authentication and connection failures. Actions and explicit logins
// surface their errors.
//
// # Thread Safety
//
// Safe for concurrent use.
type Broker struct {
	resolver      Resolver
	providers     *Registry
	store         *session.Store
	keyer         *session.Keyer
	auth          *Authenticator
	executor      *Executor
	logoutTimeout time.Duration
}

// BrokerDeps groups the collaborators of a Broker.
type BrokerDeps struct {
	Resolver      Resolver
	Providers     *Registry
	Store         *session.Store
	Keyer         *session.Keyer
	Authenticator *Authenticator
	Executor      *Executor

	// LogoutTimeout bounds the upstream logout made by Logout and Login.
	// Default: 3s.
	LogoutTimeout time.Duration
}

// NewBroker creates a Broker.
func NewBroker(deps BrokerDeps) *Broker {
	if deps.LogoutTimeout <= 0 {
		deps.LogoutTimeout = 3 * time.Second
	}
	return &Broker{
		resolver:      deps.Resolver,
		providers:     deps.Providers,
		store:         deps.Store,
		keyer:         deps.Keyer,
		auth:          deps.Authenticator,
		executor:      deps.Executor,
		logoutTimeout: deps.LogoutTimeout,
	}
}

// target resolves itemID and derives its session key.
func (b *Broker) target(ctx context.Context, itemID string) (Target, Provider, error) {
	conn, err := b.resolver.Resolve(ctx, itemID)
	if err != nil {
		return Target{}, nil, Classify("", err)
	}
	provider, ok := b.providers.Get(conn.Destination.Provider)
	if !ok {
		return Target{}, nil, NewError(KindMisconfigured, conn.Destination.Provider, 0, "unknown provider", nil)
	}

	var key session.Key
	if user := UserFrom(ctx); conn.Scope == ScopeUser && user != "" {
		key = b.keyer.ForUser(conn.Destination, user)
	} else {
		key = b.keyer.ForCredential(conn.Destination, conn.Username, conn.Secret)
	}

	return Target{
		ItemID:       itemID,
		Destination:  conn.Destination,
		Username:     conn.Username,
		StoredSecret: conn.Secret,
		Key:          key,
	}, provider, nil
}

// Stats performs a passive statistics read.
//
// # Outputs
//
//   - StatsView: Stats, or a placeholder with the failure kind.
//   - error: Only for KindNotFound and KindMisconfigured, or any failure
//     when opts.RequireAuth is set.
func (b *Broker) Stats(ctx context.Context, itemID string, opts ReadOptions) (StatsView, error) {
	t, p, err := b.target(ctx, itemID)
	if err != nil {
		return StatsView{}, err
	}

	var stats Stats
	err = b.executor.Execute(ctx, t, ModePassive, func(ctx context.Context, snap session.Snapshot) (*session.Rotation, error) {
		s, rot, err := p.Stats(ctx, snap)
		if err == nil {
			stats = s
		}
		return rot, err
	})
	if err != nil {
		be, fatal := degrade(t, err, opts)
		if fatal != nil {
			return StatsView{}, fatal
		}
		return StatsView{ErrorKind: be.Kind.String(), Hint: be.Hint()}, nil
	}
	return StatsView{Stats: stats, Available: true}, nil
}

// Items performs a passive list read.
func (b *Broker) Items(ctx context.Context, itemID string, opts ReadOptions) (ItemsView, error) {
	t, p, err := b.target(ctx, itemID)
	if err != nil {
		return ItemsView{}, err
	}

	var items []Item
	err = b.executor.Execute(ctx, t, ModePassive, func(ctx context.Context, snap session.Snapshot) (*session.Rotation, error) {
		list, rot, err := p.Items(ctx, snap)
		if err == nil {
			items = list
		}
		return rot, err
	})
	if err != nil {
		be, fatal := degrade(t, err, opts)
		if fatal != nil {
			return ItemsView{}, fatal
		}
		return ItemsView{Items: []Item{}, ErrorKind: be.Kind.String(), Hint: be.Hint()}, nil
	}
	if items == nil {
		items = []Item{}
	}
	return ItemsView{Items: items, Available: true}, nil
}

// Action performs a user-initiated mutating operation. Errors are always
// surfaced.
func (b *Broker) Action(ctx context.Context, itemID string, action Action) error {
	t, p, err := b.target(ctx, itemID)
	if err != nil {
		return err
	}
	return b.executor.Execute(ctx, t, ModeInteractive, func(ctx context.Context, snap session.Snapshot) (*session.Rotation, error) {
		return p.Action(ctx, snap, action)
	})
}

// Login discards any cached session for itemID and authenticates afresh.
func (b *Broker) Login(ctx context.Context, itemID string) error {
	t, _, err := b.target(ctx, itemID)
	if err != nil {
		return err
	}
	if old, ok := b.store.Delete(t.Key); ok {
		b.logout(ctx, old)
	}
	_, err = b.auth.Authenticate(ctx, t, ModeExplicitLogin)
	return err
}

// Logout ends the session for itemID. It always succeeds from the caller's
// point of view. No upstream call is made when nothing is cached.
func (b *Broker) Logout(ctx context.Context, itemID string) error {
	t, _, err := b.target(ctx, itemID)
	if err != nil {
		slog.Debug("Logout for unresolvable item", "item_id", itemID, "error", err)
		return nil
	}
	rec, ok := b.store.Delete(t.Key)
	if !ok {
		return nil
	}
	b.logout(ctx, rec)
	return nil
}

// Sessions lists cached session metadata, soonest expiry first.
func (b *Broker) Sessions() []SessionInfo {
	records := b.store.Records()
	out := make([]SessionInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, SessionInfo{
			Provider:    rec.Destination.Provider,
			Destination: rec.Destination.BaseURL(),
			IssuedAt:    rec.IssuedAt,
			ExpiresAt:   rec.ExpiresAt,
			Replay:      rec.HasCredential(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// logout makes a best-effort upstream logout for a record already removed
// from the store.
func (b *Broker) logout(ctx context.Context, rec *session.Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.logoutTimeout)
	defer cancel()
	if err := b.providers.Logout(ctx, rec); err != nil {
		slog.Warn("Upstream logout failed",
			"provider", rec.Destination.Provider,
			"destination", rec.Destination.BaseURL(),
			"error", err,
		)
	}
}

// degrade decides whether a passive read failure becomes a placeholder.
func degrade(t Target, err error, opts ReadOptions) (*Error, error) {
	be := Classify(t.Destination.Provider, err)
	if opts.RequireAuth || be.Kind == KindMisconfigured || be.Kind == KindNotFound {
		return be, be
	}
	slog.Warn("Passive read degraded",
		"provider", t.Destination.Provider,
		"item_id", t.ItemID,
		"kind", be.Kind.String(),
	)
	return be, nil
}
