// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

type arrCalls struct {
	commands []string
	deletes  []string
}

func newArrServer(t *testing.T, key string) (*httptest.Server, *arrCalls) {
	t.Helper()
	calls := &arrCalls{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != key {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/api/v3/system/status":
			_, _ = w.Write([]byte(`{"appName":"Sonarr","version":"4.0.0"}`))
		case r.URL.Path == "/api/v3/queue/status":
			_, _ = w.Write([]byte(`{"totalCount":3,"count":2,"errors":false,"warnings":true}`))
		case r.URL.Path == "/api/v3/queue" && r.Method == http.MethodGet:
			assert.Equal(t, "50", r.URL.Query().Get("pageSize"))
			_, _ = w.Write([]byte(`{"records":[{"id":7,"title":"Show S01E01","status":"downloading","size":1000,"sizeleft":250}]}`))
		case r.URL.Path == "/api/v3/command":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			calls.commands = append(calls.commands, body["name"])
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":1}`))
		case r.Method == http.MethodDelete:
			calls.deletes = append(calls.deletes, r.URL.Path+"?"+r.URL.RawQuery)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, calls
}

func TestArr_Login(t *testing.T) {
	srv, _ := newArrServer(t, "KEY")
	a := NewSonarr(testHTTPClient())

	grant, err := a.Login(context.Background(), destFor(t, srv, "sonarr"), session.Credential{Secret: "KEY"})

	require.NoError(t, err)
	assert.Equal(t, "KEY", grant.Tokens[arrTokenKey])
}

func TestArr_LoginWrongKey(t *testing.T) {
	srv, _ := newArrServer(t, "KEY")
	a := NewRadarr(testHTTPClient())

	_, err := a.Login(context.Background(), destFor(t, srv, "radarr"), session.Credential{Secret: "BAD"})

	assert.ErrorIs(t, err, engine.ErrInvalidCredential)
}

func TestArr_StatsAndItems(t *testing.T) {
	srv, _ := newArrServer(t, "KEY")
	a := NewSonarr(testHTTPClient())
	snap := snapshotFor(destFor(t, srv, "sonarr"), session.Tokens{arrTokenKey: "KEY"}, nil)

	stats, _, err := a.Stats(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, "warning", stats.Status)

	items, _, err := a.Items(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "7", items[0].ID)
	assert.InDelta(t, 0.75, items[0].Progress, 1e-9)
}

func TestArr_RevokedKeyIsSessionInvalid(t *testing.T) {
	srv, _ := newArrServer(t, "KEY")
	a := NewSonarr(testHTTPClient())
	snap := snapshotFor(destFor(t, srv, "sonarr"), session.Tokens{arrTokenKey: "OLD"}, nil)

	_, _, err := a.Stats(context.Background(), snap)

	assert.ErrorIs(t, err, engine.ErrSessionInvalid)
}

func TestArr_RefreshUsesProviderCommand(t *testing.T) {
	srv, calls := newArrServer(t, "KEY")
	snapSonarr := snapshotFor(destFor(t, srv, "sonarr"), session.Tokens{arrTokenKey: "KEY"}, nil)
	snapRadarr := snapshotFor(destFor(t, srv, "radarr"), session.Tokens{arrTokenKey: "KEY"}, nil)

	_, err := NewSonarr(testHTTPClient()).Action(context.Background(), snapSonarr, engine.Action{Name: engine.ActionRefresh})
	require.NoError(t, err)
	_, err = NewRadarr(testHTTPClient()).Action(context.Background(), snapRadarr, engine.Action{Name: engine.ActionRefresh})
	require.NoError(t, err)

	assert.Equal(t, []string{"RefreshSeries", "RefreshMovie"}, calls.commands)
}

func TestArr_DeleteQueueEntries(t *testing.T) {
	srv, calls := newArrServer(t, "KEY")
	a := NewSonarr(testHTTPClient())
	snap := snapshotFor(destFor(t, srv, "sonarr"), session.Tokens{arrTokenKey: "KEY"}, nil)

	_, err := a.Action(context.Background(), snap, engine.Action{Name: engine.ActionDelete, IDs: []string{"7", "8"}, DeleteData: true})

	require.NoError(t, err)
	assert.Equal(t, []string{"/api/v3/queue/7?removeFromClient=true", "/api/v3/queue/8?removeFromClient=true"}, calls.deletes)
}

func TestArr_PauseUnsupported(t *testing.T) {
	a := NewSonarr(testHTTPClient())

	_, err := a.Action(context.Background(), session.Snapshot{}, engine.Action{Name: engine.ActionPause})

	assert.ErrorIs(t, err, engine.ErrUnsupported)
}
