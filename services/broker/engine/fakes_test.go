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
	"strings"
	"sync"
	"time"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// =============================================================================
// Test Doubles
// =============================================================================

type fakeProvider struct {
	name   string
	policy Policy

	mu         sync.Mutex
	logins     int
	logouts    int
	loginDelay time.Duration
	loginErr   error
	grant      Grant
	lastCred   session.Credential
	statsFn    func(snap session.Snapshot) (Stats, *session.Rotation, error)
	actionFn   func(snap session.Snapshot, a Action) (*session.Rotation, error)
	tokenSeq   int
	sent       []time.Time
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{
		name:   name,
		policy: Policy{DefaultValidity: 30 * time.Minute},
	}
}

func (f *fakeProvider) Name() string   { return f.name }
func (f *fakeProvider) Policy() Policy { return f.policy }

func (f *fakeProvider) Login(ctx context.Context, dest session.Destination, cred session.Credential) (Grant, error) {
	if err := f.request(ctx); err != nil {
		return Grant{}, err
	}
	f.mu.Lock()
	f.logins++
	f.tokenSeq++
	seq := f.tokenSeq
	f.lastCred = cred
	delay, err, grant := f.loginDelay, f.loginErr, f.grant
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Grant{}, ctx.Err()
		}
	}
	if err != nil {
		return Grant{}, err
	}
	if grant.Tokens == nil {
		grant.Tokens = session.Tokens{"sid": fmt.Sprintf("sid-%d", seq)}
	}
	return grant, nil
}

func (f *fakeProvider) Logout(ctx context.Context, snap session.Snapshot) error {
	if err := f.request(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeProvider) Stats(ctx context.Context, snap session.Snapshot) (Stats, *session.Rotation, error) {
	f.mu.Lock()
	fn := f.statsFn
	f.mu.Unlock()
	if fn == nil {
		return Stats{Active: 1, Total: 2}, nil, nil
	}
	return fn(snap)
}

func (f *fakeProvider) Items(ctx context.Context, snap session.Snapshot) ([]Item, *session.Rotation, error) {
	return []Item{{ID: "1", Name: "ubuntu.iso", State: "downloading"}}, nil, nil
}

func (f *fakeProvider) Action(ctx context.Context, snap session.Snapshot, a Action) (*session.Rotation, error) {
	f.mu.Lock()
	fn := f.actionFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(snap, a)
}

// request stands in for one upstream HTTP request: it waits for the
// pacing slot and records when it went out.
func (f *fakeProvider) request(ctx context.Context) error {
	if err := Pace(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, time.Now())
	return nil
}

func (f *fakeProvider) sentAt() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.sent...)
}

func (f *fakeProvider) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeProvider) logoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

// fakeCodec decodes "ENC:ok:<plain>" and fails every other encoded value.
type fakeCodec struct{}

func (fakeCodec) IsEncoded(s string) bool { return strings.HasPrefix(s, "ENC:") }

func (fakeCodec) Decode(s string) string {
	if !strings.HasPrefix(s, "ENC:") {
		return s
	}
	if rest, ok := strings.CutPrefix(s, "ENC:ok:"); ok {
		return rest
	}
	return ""
}

type mapResolver map[string]Connection

func (m mapResolver) Resolve(ctx context.Context, itemID string) (Connection, error) {
	conn, ok := m[itemID]
	if !ok {
		return Connection{}, NewError(KindNotFound, "", 0, "unknown item "+itemID, nil)
	}
	return conn, nil
}

// harness wires one fake provider into a full engine with instant retries.
type harness struct {
	provider *fakeProvider
	registry *Registry
	store    *session.Store
	keyer    *session.Keyer
	auth     *Authenticator
	executor *Executor
	broker   *Broker
	sleeps   []time.Duration
	dest     session.Destination
}

func newHarness(resolver mapResolver) *harness {
	h := &harness{
		provider: newFakeProvider("fake"),
		store:    session.NewStore(),
		keyer:    session.NewKeyer([]byte("engine-test")),
		dest:     session.Destination{Provider: "fake", Host: "10.0.0.2", Port: 8080},
	}
	h.registry = NewRegistry(h.provider)
	h.registry.SetPacer(NewPacer())
	h.auth = NewAuthenticator(h.store, h.registry, fakeCodec{}, DefaultAuthenticatorConfig(), nil)
	h.executor = NewExecutor(h.store, h.auth, h.registry, DefaultExecutorConfig(), nil)

	var mu sync.Mutex
	h.executor.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		h.sleeps = append(h.sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}

	if resolver == nil {
		resolver = mapResolver{
			"item-1": {Destination: h.dest, Username: "admin", Secret: "hunter2"},
		}
	}
	h.broker = NewBroker(BrokerDeps{
		Resolver:      resolver,
		Providers:     h.registry,
		Store:         h.store,
		Keyer:         h.keyer,
		Authenticator: h.auth,
		Executor:      h.executor,
	})
	return h
}

func (h *harness) target(secret string) Target {
	return Target{
		ItemID:       "item-1",
		Destination:  h.dest,
		Username:     "admin",
		StoredSecret: secret,
		Key:          h.keyer.ForCredential(h.dest, "admin", secret),
	}
}
