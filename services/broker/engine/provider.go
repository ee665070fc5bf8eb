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
	"sort"
	"sync"
	"time"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// =============================================================================
// Adapter Contract
// =============================================================================

// Grant is what a successful upstream login hands back.
//
// # Fields
//
//   - Tokens: Opaque session tokens to attach to later calls.
//   - Validity: Upstream-declared session lifetime. Zero means "use the
//     provider default".
//   - ReplayCredential: True when the provider needs the credential itself on
//     every call (basic auth). The credential is then sealed in the record.
type Grant struct {
	Tokens           session.Tokens
	Validity         time.Duration
	ReplayCredential bool
}

// Policy is the static per-provider tuning the engine applies.
//
// # Fields
//
//   - DefaultValidity: Session lifetime when the upstream declares none.
//   - PacingInterval: Minimum spacing between requests to one destination.
//     Zero disables pacing.
//   - RequiresUsername: Login needs a username as well as a secret.
type Policy struct {
	DefaultValidity  time.Duration
	PacingInterval   time.Duration
	RequiresUsername bool
}

// Stats is the canonical widget statistics shape.
type Stats struct {
	DownloadRate int64              `json:"downloadRate"`
	UploadRate   int64              `json:"uploadRate"`
	Active       int                `json:"active"`
	Total        int                `json:"total"`
	Status       string             `json:"status,omitempty"`
	Counters     map[string]float64 `json:"counters,omitempty"`
}

// Item is one entry in a provider list (torrent, download slot, queue record).
type Item struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	Size     int64   `json:"size,omitempty"`
}

// Action names shared by adapters.
const (
	ActionPause   = "pause"
	ActionResume  = "resume"
	ActionDelete  = "delete"
	ActionDisable = "disable"
	ActionEnable  = "enable"
	ActionRefresh = "refresh"
)

// Action is a mutating request from the dashboard.
type Action struct {
	Name       string   `json:"name"`
	IDs        []string `json:"ids,omitempty"`
	DeleteData bool     `json:"deleteData,omitempty"`
	Timer      int      `json:"timer,omitempty"`
}

// Provider is the adapter every upstream integration implements.
//
// # Description
//
// A Provider describes only the upstream-specific parts of a session: the
// login handshake, logout, how tokens are attached to calls and how a
// rejected session is recognised. Operations report a rejected session by
// returning SessionInvalid(...) and rotated tokens by returning a non-nil
// Rotation. Everything else (caching, retries, pacing, expiry) belongs to
// the engine.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the adapter name used in item configuration.
	Name() string

	// Policy returns the static tuning for this provider.
	Policy() Policy

	// Login performs the upstream handshake.
	Login(ctx context.Context, dest session.Destination, cred session.Credential) (Grant, error)

	// Logout ends the upstream session described by snap.
	Logout(ctx context.Context, snap session.Snapshot) error

	// Stats fetches widget statistics.
	Stats(ctx context.Context, snap session.Snapshot) (Stats, *session.Rotation, error)

	// Items fetches the widget item list.
	Items(ctx context.Context, snap session.Snapshot) ([]Item, *session.Rotation, error)

	// Action performs a mutating operation.
	Action(ctx context.Context, snap session.Snapshot, action Action) (*session.Rotation, error)
}

// =============================================================================
// Registry
// =============================================================================

// Registry maps provider names to adapters.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	pacer     *Pacer
}

// NewRegistry creates a registry holding providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetPacer makes every paced context derived from the registry share p.
// A nil Pacer disables pacing.
func (r *Registry) SetPacer(p *Pacer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pacer = p
}

// Paced returns ctx carrying dest's pacing slot at its provider's
// PacingInterval. Adapters wait on it with Pace before every request.
func (r *Registry) Paced(ctx context.Context, dest session.Destination) context.Context {
	r.mu.RLock()
	pacer := r.pacer
	p, ok := r.providers[dest.Provider]
	r.mu.RUnlock()
	if !ok {
		return ctx
	}
	return pacer.With(ctx, dest, p.Policy().PacingInterval)
}

// Logout performs the upstream logout for a record using only the
// destination and tokens stored in it.
func (r *Registry) Logout(ctx context.Context, rec *session.Record) error {
	p, ok := r.Get(rec.Destination.Provider)
	if !ok {
		return fmt.Errorf("no provider registered for %q", rec.Destination.Provider)
	}
	return p.Logout(r.Paced(ctx, rec.Destination), rec.Snapshot())
}
