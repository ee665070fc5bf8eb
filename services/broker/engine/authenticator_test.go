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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

func TestAuthenticate_StoresRecord(t *testing.T) {
	h := newHarness(nil)
	target := h.target("hunter2")

	rec, err := h.auth.Authenticate(context.Background(), target, ModePassive)
	require.NoError(t, err)

	cached, ok := h.store.Get(target.Key)
	require.True(t, ok)
	assert.Same(t, rec, cached)
	assert.Equal(t, "sid-1", rec.Tokens["sid"])
	assert.Equal(t, "hunter2", h.provider.lastCred.Secret)
	assert.Equal(t, "admin", h.provider.lastCred.Username)
}

func TestAuthenticate_AppliesSafetyMargin(t *testing.T) {
	h := newHarness(nil)
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.auth.now = func() time.Time { return issued }
	h.provider.grant = Grant{Tokens: session.Tokens{"sid": "x"}, Validity: 1800 * time.Second}

	rec, err := h.auth.Authenticate(context.Background(), h.target("hunter2"), ModePassive)
	require.NoError(t, err)

	assert.Equal(t, issued, rec.IssuedAt)
	assert.Equal(t, issued.Add(1620*time.Second), rec.ExpiresAt)
}

func TestAuthenticate_DefaultValidity(t *testing.T) {
	h := newHarness(nil)
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.auth.now = func() time.Time { return issued }

	rec, err := h.auth.Authenticate(context.Background(), h.target("hunter2"), ModePassive)
	require.NoError(t, err)

	assert.Equal(t, issued.Add(27*time.Minute), rec.ExpiresAt)
}

func TestAuthenticate_EmptySecretIsNotConfigured(t *testing.T) {
	h := newHarness(nil)

	_, err := h.auth.Authenticate(context.Background(), h.target(""), ModeInteractive)

	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, 0, h.provider.loginCount())
}

func TestAuthenticate_RequiresUsername(t *testing.T) {
	h := newHarness(nil)
	h.provider.policy.RequiresUsername = true
	target := h.target("hunter2")
	target.Username = ""

	_, err := h.auth.Authenticate(context.Background(), target, ModeInteractive)

	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, 0, h.provider.loginCount())
}

func TestAuthenticate_DecodeFailureIsInvalidCredential(t *testing.T) {
	h := newHarness(nil)
	target := h.target("ENC:garbage")

	_, err := h.auth.Authenticate(context.Background(), target, ModeInteractive)

	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Equal(t, 0, h.provider.loginCount(), "no upstream call for an undecryptable secret")
	assert.Equal(t, 0, h.store.Len())
}

func TestAuthenticate_DecodesEncodedSecret(t *testing.T) {
	h := newHarness(nil)

	_, err := h.auth.Authenticate(context.Background(), h.target("ENC:ok:plain"), ModePassive)
	require.NoError(t, err)

	assert.Equal(t, "plain", h.provider.lastCred.Secret)
}

func TestAuthenticate_FailureWritesNothing(t *testing.T) {
	h := newHarness(nil)
	h.provider.loginErr = NewError(KindInvalidCredential, "fake", 401, "", nil)

	_, err := h.auth.Authenticate(context.Background(), h.target("hunter2"), ModeInteractive)

	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Equal(t, 0, h.store.Len())
}

func TestAuthenticate_TransportErrorIsConnection(t *testing.T) {
	h := newHarness(nil)
	h.provider.loginErr = context.DeadlineExceeded

	_, err := h.auth.Authenticate(context.Background(), h.target("hunter2"), ModePassive)

	assert.ErrorIs(t, err, ErrConnection)
}

func TestAuthenticate_SealsReplayCredential(t *testing.T) {
	h := newHarness(nil)
	h.provider.grant = Grant{Tokens: session.Tokens{}, ReplayCredential: true}

	rec, err := h.auth.Authenticate(context.Background(), h.target("hunter2"), ModePassive)
	require.NoError(t, err)
	require.True(t, rec.HasCredential())

	cred, err := rec.Snapshot().Credential()
	require.NoError(t, err)
	assert.Equal(t, "admin", cred.Username)
	assert.Equal(t, "hunter2", cred.Secret)
}

func TestAuthenticate_CoalescesConcurrentLogins(t *testing.T) {
	h := newHarness(nil)
	h.provider.loginDelay = 50 * time.Millisecond
	target := h.target("hunter2")

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.auth.Authenticate(context.Background(), target, ModePassive)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, h.provider.loginCount())
	assert.Equal(t, 1, h.store.Len())
}

func TestAuthenticate_PassiveTimeout(t *testing.T) {
	h := newHarness(nil)
	h.auth.config.PassiveLoginTimeout = 20 * time.Millisecond
	h.provider.loginDelay = time.Second

	start := time.Now()
	_, err := h.auth.Authenticate(context.Background(), h.target("hunter2"), ModePassive)

	assert.ErrorIs(t, err, ErrConnection)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAuthenticate_ExplicitJoinOutlivesPassiveTimeout(t *testing.T) {
	h := newHarness(nil)
	h.auth.config.PassiveLoginTimeout = 50 * time.Millisecond
	h.auth.config.InteractiveLoginTimeout = 2 * time.Second
	h.provider.loginDelay = 200 * time.Millisecond
	target := h.target("hunter2")

	passiveErr := make(chan error, 1)
	go func() {
		_, err := h.auth.Authenticate(context.Background(), target, ModePassive)
		passiveErr <- err
	}()
	require.Eventually(t, func() bool { return h.provider.loginCount() == 1 }, time.Second, 5*time.Millisecond)

	rec, err := h.auth.Authenticate(context.Background(), target, ModeExplicitLogin)

	require.NoError(t, err, "explicit caller waits on the shared login past the passive timeout")
	assert.Equal(t, "sid-1", rec.Snapshot().Token("sid"))
	assert.ErrorIs(t, <-passiveErr, ErrConnection)
	assert.Equal(t, 1, h.provider.loginCount())
	assert.Equal(t, 1, h.store.Len())
}

func TestAuthenticate_CallerCancelAbandonsWait(t *testing.T) {
	h := newHarness(nil)
	h.provider.loginDelay = 200 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.auth.Authenticate(ctx, h.target("hunter2"), ModeInteractive)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAuthenticate_UnknownProvider(t *testing.T) {
	h := newHarness(nil)
	target := h.target("hunter2")
	target.Destination.Provider = "nope"

	_, err := h.auth.Authenticate(context.Background(), target, ModePassive)

	assert.ErrorIs(t, err, ErrMisconfigured)
}
