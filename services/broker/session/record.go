// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the cached proof of authentication the broker keeps
// for each upstream destination.
//
// A Record is created when an upstream login succeeds, rotated in place when
// the upstream hands back new tokens, and removed by the reaper, the shutdown
// drainer, an explicit logout, or the executor when the upstream rejects it.
// Only the Store owns records; everything else works on Snapshots.
package session

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

// =============================================================================
// Destination
// =============================================================================

// Destination identifies one upstream service instance.
//
// # Description
//
// Destination is recomputed from the credential resolver on every request
// and is copied into the Record so that a later logout does not need to
// resolve credentials again.
//
// # Fields
//
//   - Provider: Adapter name ("pihole", "deluge", ...).
//   - Host: Hostname or IP address without scheme.
//   - Port: TCP port.
//   - SSL: True to talk HTTPS.
//   - BasePath: Optional path prefix for reverse-proxied installs.
type Destination struct {
	Provider string
	Host     string
	Port     int
	SSL      bool
	BasePath string
}

// Addr returns host:port.
func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// BaseURL returns the scheme, address and base path without a trailing slash.
func (d Destination) BaseURL() string {
	scheme := "http"
	if d.SSL {
		scheme = "https"
	}
	return scheme + "://" + d.Addr() + strings.TrimSuffix(d.BasePath, "/")
}

// String renders the destination as provider@baseURL.
func (d Destination) String() string {
	return d.Provider + "@" + d.BaseURL()
}

// =============================================================================
// Credential and Tokens
// =============================================================================

// Credential is a decoded secret plus optional username.
//
// Credentials live for one authentication attempt. The only exception is a
// provider that replays the credential on every call, in which case the
// Record keeps a sealed copy for as long as the Record lives.
type Credential struct {
	Username string
	Secret   string
}

// Empty reports whether no secret is present.
func (c Credential) Empty() bool {
	return c.Secret == ""
}

// Tokens holds the provider-specific opaque values that prove a session:
// cookies, session IDs, CSRF tokens or a validated API key.
type Tokens map[string]string

// Clone returns an independent copy. A nil receiver clones to an empty map.
func (t Tokens) Clone() Tokens {
	out := make(Tokens, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Rotation carries replacement tokens handed back by an upstream call.
//
// Tokens are merged over the existing ones. A zero ExpiresAt keeps the
// current expiry.
type Rotation struct {
	Tokens    Tokens
	ExpiresAt time.Time
}

// ErrNoCredential is returned by Snapshot.Credential when the provider did
// not ask for the credential to be kept.
var ErrNoCredential = errors.New("session: no replay credential stored")

// =============================================================================
// Record
// =============================================================================

// Record is one authenticated relationship with one upstream destination.
//
// # Description
//
// Records are owned by the Store. They are never mutated in place after
// being put into the Store; rotation builds a new Record under the Store's
// lock so Snapshots already handed out stay consistent.
//
// # Thread Safety
//
// Immutable once stored.
type Record struct {
	Key         Key
	Tokens      Tokens
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Destination Destination

	replay *memguard.Enclave
}

// NewRecord builds a record with a private copy of tokens.
func NewRecord(key Key, dest Destination, tokens Tokens, issuedAt, expiresAt time.Time) *Record {
	return &Record{
		Key:         key,
		Tokens:      tokens.Clone(),
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		Destination: dest,
	}
}

// SealCredential keeps an encrypted in-memory copy of cred for providers
// that must replay it on every request.
//
// # Description
//
// The username and secret are moved into a memguard Enclave. The plaintext
// only reappears inside Snapshot.Credential for the duration of one call.
//
// # Inputs
//
//   - cred: Credential to seal. An empty credential clears any sealed copy.
func (r *Record) SealCredential(cred Credential) {
	if cred.Empty() {
		r.replay = nil
		return
	}
	buf := []byte(cred.Username + "\x00" + cred.Secret)
	// NewEnclave wipes buf.
	r.replay = memguard.NewEnclave(buf)
}

// HasCredential reports whether a replay credential is sealed in the record.
func (r *Record) HasCredential() bool {
	return r.replay != nil
}

// Expired reports whether ExpiresAt is at or before now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Usable reports whether the record has at least buffer lifetime left.
//
// Callers must treat a record that is not usable exactly like a cache miss.
func (r *Record) Usable(now time.Time, buffer time.Duration) bool {
	return r.ExpiresAt.Sub(now) >= buffer
}

// Snapshot returns a request-scoped copy of the record.
func (r *Record) Snapshot() Snapshot {
	return Snapshot{
		Key:         r.Key,
		Tokens:      r.Tokens.Clone(),
		IssuedAt:    r.IssuedAt,
		ExpiresAt:   r.ExpiresAt,
		Destination: r.Destination,
		replay:      r.replay,
	}
}

// rotated returns a new record with rot applied.
func (r *Record) rotated(rot Rotation) *Record {
	next := &Record{
		Key:         r.Key,
		Tokens:      r.Tokens.Clone(),
		IssuedAt:    r.IssuedAt,
		ExpiresAt:   r.ExpiresAt,
		Destination: r.Destination,
		replay:      r.replay,
	}
	for k, v := range rot.Tokens {
		next.Tokens[k] = v
	}
	if !rot.ExpiresAt.IsZero() {
		next.ExpiresAt = rot.ExpiresAt
	}
	return next
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is the borrowed view of a Record used for one call or one retry
// sequence.
type Snapshot struct {
	Key         Key
	Tokens      Tokens
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Destination Destination

	replay *memguard.Enclave
}

// Token returns the named token or "".
func (s Snapshot) Token(name string) string {
	return s.Tokens[name]
}

// Credential opens the sealed replay credential.
//
// # Outputs
//
//   - Credential: The plaintext credential. Do not retain it past the call.
//   - error: ErrNoCredential when nothing was sealed, or the memguard error.
func (s Snapshot) Credential() (Credential, error) {
	if s.replay == nil {
		return Credential{}, ErrNoCredential
	}
	buf, err := s.replay.Open()
	if err != nil {
		return Credential{}, err
	}
	defer buf.Destroy()

	user, secret, _ := strings.Cut(string(buf.Bytes()), "\x00")
	return Credential{Username: user, Secret: secret}, nil
}

// =============================================================================
// Expiry policy
// =============================================================================

// ExpiryFor computes the absolute expiry of a session issued at issued with
// an upstream-declared validity, reduced by margin (a fraction, 0.1 = 10%).
//
// A margin outside [0, 1) is treated as 0.
func ExpiryFor(issued time.Time, validity time.Duration, margin float64) time.Time {
	if margin < 0 || margin >= 1 {
		margin = 0
	}
	reduced := time.Duration(float64(validity) * (1 - margin))
	return issued.Add(reduced)
}
