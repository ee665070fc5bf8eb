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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

func newSabnzbdServer(t *testing.T, key string) (*httptest.Server, *[]string) {
	t.Helper()
	var modes []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "json", q.Get("output"))
		mode := q.Get("mode")
		modes = append(modes, mode+":"+q.Get("name"))
		if mode == "version" {
			_, _ = w.Write([]byte(`{"version":"4.3.2"}`))
			return
		}
		if q.Get("apikey") != key {
			_, _ = w.Write([]byte(`{"status":false,"error":"API Key Incorrect"}`))
			return
		}
		switch mode {
		case "queue":
			if q.Get("name") != "" {
				_, _ = w.Write([]byte(`{"status":true,"nzo_ids":["SABnzbd_nzo_1"]}`))
				return
			}
			_, _ = w.Write([]byte(`{"queue":{"status":"Downloading","paused":false,"kbpersec":"100.0","noofslots_total":2,"mbleft":"512.5","slots":[
				{"nzo_id":"SABnzbd_nzo_1","filename":"show.s01e01","status":"Downloading","percentage":"40","mb":"100.0"},
				{"nzo_id":"SABnzbd_nzo_2","filename":"show.s01e02","status":"Queued","percentage":"0","mb":"200.0"}]}}`))
		case "pause":
			_, _ = w.Write([]byte(`{"status":true}`))
		default:
			_, _ = w.Write([]byte(`{"status":false,"error":"not implemented"}`))
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &modes
}

func TestSabnzbd_LoginChecksKey(t *testing.T) {
	srv, modes := newSabnzbdServer(t, "KEY")
	s := NewSabnzbd(testHTTPClient())

	grant, err := s.Login(context.Background(), destFor(t, srv, "sabnzbd"), session.Credential{Secret: "KEY"})

	require.NoError(t, err)
	assert.Equal(t, "KEY", grant.Tokens[sabnzbdTokenKey])
	assert.Equal(t, []string{"version:", "queue:"}, *modes)
}

func TestSabnzbd_LoginWrongKey(t *testing.T) {
	srv, _ := newSabnzbdServer(t, "KEY")
	s := NewSabnzbd(testHTTPClient())

	_, err := s.Login(context.Background(), destFor(t, srv, "sabnzbd"), session.Credential{Secret: "BAD"})

	assert.ErrorIs(t, err, engine.ErrInvalidCredential)
}

func TestSabnzbd_Stats(t *testing.T) {
	srv, _ := newSabnzbdServer(t, "KEY")
	s := NewSabnzbd(testHTTPClient())
	snap := snapshotFor(destFor(t, srv, "sabnzbd"), session.Tokens{sabnzbdTokenKey: "KEY"}, nil)

	stats, _, err := s.Stats(context.Background(), snap)

	require.NoError(t, err)
	assert.Equal(t, int64(102400), stats.DownloadRate)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, "downloading", stats.Status)
}

func TestSabnzbd_Items(t *testing.T) {
	srv, _ := newSabnzbdServer(t, "KEY")
	s := NewSabnzbd(testHTTPClient())
	snap := snapshotFor(destFor(t, srv, "sabnzbd"), session.Tokens{sabnzbdTokenKey: "KEY"}, nil)

	items, _, err := s.Items(context.Background(), snap)

	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "SABnzbd_nzo_1", items[0].ID)
	assert.InDelta(t, 0.4, items[0].Progress, 1e-9)
}

func TestSabnzbd_RevokedKeyIsSessionInvalid(t *testing.T) {
	srv, _ := newSabnzbdServer(t, "KEY")
	s := NewSabnzbd(testHTTPClient())
	snap := snapshotFor(destFor(t, srv, "sabnzbd"), session.Tokens{sabnzbdTokenKey: "OLD"}, nil)

	_, _, err := s.Stats(context.Background(), snap)

	assert.ErrorIs(t, err, engine.ErrSessionInvalid)
}

func TestSabnzbd_PauseActions(t *testing.T) {
	srv, modes := newSabnzbdServer(t, "KEY")
	s := NewSabnzbd(testHTTPClient())
	snap := snapshotFor(destFor(t, srv, "sabnzbd"), session.Tokens{sabnzbdTokenKey: "KEY"}, nil)

	_, err := s.Action(context.Background(), snap, engine.Action{Name: engine.ActionPause})
	require.NoError(t, err)
	_, err = s.Action(context.Background(), snap, engine.Action{Name: engine.ActionPause, IDs: []string{"SABnzbd_nzo_1"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"pause:", "queue:pause"}, *modes)
}
