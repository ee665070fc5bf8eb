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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

func TestBrokerStats_Success(t *testing.T) {
	h := newHarness(nil)

	view, err := h.broker.Stats(context.Background(), "item-1", ReadOptions{})

	require.NoError(t, err)
	assert.True(t, view.Available)
	assert.Equal(t, 2, view.Stats.Total)
}

func TestBrokerStats_DegradesOnAuthFailure(t *testing.T) {
	h := newHarness(nil)
	h.provider.loginErr = NewError(KindInvalidCredential, "fake", 401, "", nil)

	view, err := h.broker.Stats(context.Background(), "item-1", ReadOptions{})

	require.NoError(t, err)
	assert.False(t, view.Available)
	assert.Equal(t, "invalid_credential", view.ErrorKind)
	assert.NotEmpty(t, view.Hint)
}

func TestBrokerStats_RequireAuthSurfaces(t *testing.T) {
	h := newHarness(nil)
	h.provider.loginErr = NewError(KindInvalidCredential, "fake", 401, "", nil)

	_, err := h.broker.Stats(context.Background(), "item-1", ReadOptions{RequireAuth: true})

	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestBrokerStats_NotConfiguredDegrades(t *testing.T) {
	h := newHarness(nil)
	h.broker.resolver = mapResolver{"item-1": {Destination: h.dest}}

	view, err := h.broker.Stats(context.Background(), "item-1", ReadOptions{})

	require.NoError(t, err)
	assert.False(t, view.Available)
	assert.Equal(t, "not_configured", view.ErrorKind)
	assert.Equal(t, 0, h.provider.loginCount())
}

func TestBrokerStats_UnknownItem(t *testing.T) {
	h := newHarness(nil)

	_, err := h.broker.Stats(context.Background(), "missing", ReadOptions{})

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBrokerItems_Placeholder(t *testing.T) {
	h := newHarness(nil)
	h.provider.loginErr = NewError(KindRateLimited, "fake", 429, "", nil)

	view, err := h.broker.Items(context.Background(), "item-1", ReadOptions{})

	require.NoError(t, err)
	assert.False(t, view.Available)
	assert.NotNil(t, view.Items)
	assert.Empty(t, view.Items)
	assert.Equal(t, "rate_limited", view.ErrorKind)
}

func TestBrokerItems_Success(t *testing.T) {
	h := newHarness(nil)

	view, err := h.broker.Items(context.Background(), "item-1", ReadOptions{})

	require.NoError(t, err)
	assert.True(t, view.Available)
	require.Len(t, view.Items, 1)
	assert.Equal(t, "ubuntu.iso", view.Items[0].Name)
}

func TestBrokerAction_DecryptFailureSurfaces(t *testing.T) {
	h := newHarness(mapResolver{})
	h.broker.resolver = mapResolver{"item-1": {Destination: h.dest, Username: "admin", Secret: "ENC:broken"}}

	err := h.broker.Action(context.Background(), "item-1", Action{Name: ActionPause})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredential)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.True(t, be.RequiresReauth())
	assert.Equal(t, 0, h.provider.loginCount())
}

func TestBrokerStats_DecryptFailureDegrades(t *testing.T) {
	h := newHarness(mapResolver{})
	h.broker.resolver = mapResolver{"item-1": {Destination: h.dest, Username: "admin", Secret: "ENC:broken"}}

	view, err := h.broker.Stats(context.Background(), "item-1", ReadOptions{})

	require.NoError(t, err)
	assert.False(t, view.Available)
	assert.Equal(t, "invalid_credential", view.ErrorKind)
}

func TestBrokerAction_PassesAction(t *testing.T) {
	h := newHarness(nil)
	var got Action
	h.provider.actionFn = func(snap session.Snapshot, a Action) (*session.Rotation, error) {
		got = a
		return nil, nil
	}

	err := h.broker.Action(context.Background(), "item-1", Action{Name: ActionDelete, IDs: []string{"abc"}, DeleteData: true})

	require.NoError(t, err)
	assert.Equal(t, ActionDelete, got.Name)
	assert.Equal(t, []string{"abc"}, got.IDs)
	assert.True(t, got.DeleteData)
}

func TestBrokerLogout_NothingCachedMakesNoCall(t *testing.T) {
	h := newHarness(nil)

	require.NoError(t, h.broker.Logout(context.Background(), "item-1"))
	assert.Equal(t, 0, h.provider.logoutCount())
}

func TestBrokerLogout_UnknownItemSucceeds(t *testing.T) {
	h := newHarness(nil)

	assert.NoError(t, h.broker.Logout(context.Background(), "missing"))
}

func TestBrokerLogout_RemovesSession(t *testing.T) {
	h := newHarness(nil)
	_, err := h.broker.Stats(context.Background(), "item-1", ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, h.store.Len())

	require.NoError(t, h.broker.Logout(context.Background(), "item-1"))

	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 1, h.provider.logoutCount())
}

func TestBrokerLogin_ReplacesSession(t *testing.T) {
	h := newHarness(nil)
	_, err := h.broker.Stats(context.Background(), "item-1", ReadOptions{})
	require.NoError(t, err)

	require.NoError(t, h.broker.Login(context.Background(), "item-1"))

	assert.Equal(t, 2, h.provider.loginCount())
	assert.Equal(t, 1, h.provider.logoutCount())
	sessions := h.broker.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "fake", sessions[0].Provider)
	assert.Equal(t, "http://10.0.0.2:8080", sessions[0].Destination)
}

func TestBrokerLogin_SurfacesFailure(t *testing.T) {
	h := newHarness(nil)
	h.provider.loginErr = NewError(KindInvalidCredential, "fake", 401, "", nil)

	err := h.broker.Login(context.Background(), "item-1")

	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Empty(t, h.broker.Sessions())
}

func TestBroker_UserScopedSessions(t *testing.T) {
	h := newHarness(nil)
	h.broker.resolver = mapResolver{"item-1": {Destination: h.dest, Username: "admin", Secret: "hunter2", Scope: ScopeUser}}

	_, err := h.broker.Stats(WithUser(context.Background(), "alice"), "item-1", ReadOptions{})
	require.NoError(t, err)
	_, err = h.broker.Stats(WithUser(context.Background(), "bob"), "item-1", ReadOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, h.store.Len())
	assert.Equal(t, 2, h.provider.loginCount())
}
