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
	"net/url"
	"strings"
	"time"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

const (
	qbitCookie   = "SID"
	qbitTokenSID = "sid"
)

// qbitActiveStates are counted as active transfers.
var qbitActiveStates = map[string]bool{
	"downloading": true,
	"uploading":   true,
	"forcedDL":    true,
	"forcedUP":    true,
	"metaDL":      true,
}

// Qbittorrent adapts the qBittorrent Web API v2.
//
// A 403 on login means the client IP is banned after repeated failures and
// maps to KindRateLimited. A 403 afterwards means the SID expired.
type Qbittorrent struct {
	base
}

// NewQbittorrent creates the adapter.
func NewQbittorrent(client *http.Client) *Qbittorrent {
	return &Qbittorrent{base: base{name: "qbittorrent", client: client}}
}

// Name implements engine.Provider.
func (q *Qbittorrent) Name() string { return q.name }

// Policy implements engine.Provider.
func (q *Qbittorrent) Policy() engine.Policy {
	return engine.Policy{DefaultValidity: time.Hour, RequiresUsername: true}
}

// Login implements engine.Provider.
func (q *Qbittorrent) Login(ctx context.Context, dest session.Destination, cred session.Credential) (engine.Grant, error) {
	header := http.Header{}
	header.Set("Referer", dest.BaseURL())
	header.Set("Origin", dest.BaseURL())
	resp, err := q.send(ctx, request{
		method: http.MethodPost,
		url:    endpoint(dest, "/api/v2/auth/login"),
		header: header,
		form:   url.Values{"username": {cred.Username}, "password": {cred.Secret}},
	})
	if err != nil {
		return engine.Grant{}, err
	}

	switch resp.status {
	case http.StatusOK:
	case http.StatusForbidden:
		return engine.Grant{}, engine.NewError(engine.KindRateLimited, q.name, resp.status,
			"client IP banned after too many failed logins", nil)
	default:
		return engine.Grant{}, q.unexpected(resp)
	}

	if strings.TrimSpace(string(resp.body)) == "Fails." {
		return engine.Grant{}, engine.NewError(engine.KindInvalidCredential, q.name, resp.status, "username or password rejected", nil)
	}
	sid := resp.cookie(qbitCookie)
	if sid == "" {
		return engine.Grant{}, engine.NewError(engine.KindProtocol, q.name, resp.status, "no SID cookie in login response", nil)
	}
	return engine.Grant{Tokens: session.Tokens{qbitTokenSID: sid}}, nil
}

// Logout implements engine.Provider.
func (q *Qbittorrent) Logout(ctx context.Context, snap session.Snapshot) error {
	resp, err := q.send(ctx, q.authed(snap, http.MethodPost, "/api/v2/auth/logout", url.Values{}))
	if err != nil {
		return err
	}
	if resp.status == http.StatusOK || resp.status == http.StatusForbidden {
		return nil
	}
	return q.unexpected(resp)
}

type qbitTorrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	Size     int64   `json:"size"`
}

// Stats implements engine.Provider.
func (q *Qbittorrent) Stats(ctx context.Context, snap session.Snapshot) (engine.Stats, *session.Rotation, error) {
	var info struct {
		DownloadSpeed    int64  `json:"dl_info_speed"`
		UploadSpeed      int64  `json:"up_info_speed"`
		ConnectionStatus string `json:"connection_status"`
		DHTNodes         int    `json:"dht_nodes"`
	}
	if err := q.get(ctx, snap, "/api/v2/transfer/info", &info); err != nil {
		return engine.Stats{}, nil, err
	}
	var torrents []qbitTorrent
	if err := q.get(ctx, snap, "/api/v2/torrents/info", &torrents); err != nil {
		return engine.Stats{}, nil, err
	}
	active := 0
	for _, t := range torrents {
		if qbitActiveStates[t.State] {
			active++
		}
	}
	return engine.Stats{
		DownloadRate: info.DownloadSpeed,
		UploadRate:   info.UploadSpeed,
		Active:       active,
		Total:        len(torrents),
		Status:       info.ConnectionStatus,
		Counters:     map[string]float64{"dht_nodes": float64(info.DHTNodes)},
	}, nil, nil
}

// Items implements engine.Provider.
func (q *Qbittorrent) Items(ctx context.Context, snap session.Snapshot) ([]engine.Item, *session.Rotation, error) {
	var torrents []qbitTorrent
	if err := q.get(ctx, snap, "/api/v2/torrents/info", &torrents); err != nil {
		return nil, nil, err
	}
	items := make([]engine.Item, 0, len(torrents))
	for _, t := range torrents {
		items = append(items, engine.Item{ID: t.Hash, Name: t.Name, State: t.State, Progress: t.Progress, Size: t.Size})
	}
	sortItems(items)
	return items, nil, nil
}

// Action implements engine.Provider. Without IDs the action applies to all
// torrents. qBittorrent 5 renamed pause/resume to stop/start; the new names
// are tried when the old ones return 404.
func (q *Qbittorrent) Action(ctx context.Context, snap session.Snapshot, action engine.Action) (*session.Rotation, error) {
	hashes := strings.Join(action.IDs, "|")
	if hashes == "" {
		hashes = "all"
	}
	form := url.Values{"hashes": {hashes}}

	var paths []string
	switch action.Name {
	case engine.ActionPause:
		paths = []string{"/api/v2/torrents/pause", "/api/v2/torrents/stop"}
	case engine.ActionResume:
		paths = []string{"/api/v2/torrents/resume", "/api/v2/torrents/start"}
	case engine.ActionDelete:
		if len(action.IDs) == 0 {
			return nil, engine.NewError(engine.KindProtocol, q.name, 0, "delete needs at least one id", nil)
		}
		paths = []string{"/api/v2/torrents/delete"}
		form.Set("deleteFiles", "false")
		if action.DeleteData {
			form.Set("deleteFiles", "true")
		}
	default:
		return nil, q.unsupported(action.Name)
	}

	for i, path := range paths {
		resp, err := q.send(ctx, q.authed(snap, http.MethodPost, path, form))
		if err != nil {
			return nil, err
		}
		if resp.status == http.StatusNotFound && i < len(paths)-1 {
			continue
		}
		return nil, q.failure(resp)
	}
	return nil, nil
}

func (q *Qbittorrent) get(ctx context.Context, snap session.Snapshot, path string, out any) error {
	resp, err := q.send(ctx, q.authed(snap, http.MethodGet, path, nil))
	if err != nil {
		return err
	}
	if err := q.failure(resp); err != nil {
		return err
	}
	return q.decode(resp, out)
}

func (q *Qbittorrent) authed(snap session.Snapshot, method, path string, form url.Values) request {
	header := http.Header{}
	header.Set("Cookie", qbitCookie+"="+snap.Token(qbitTokenSID))
	header.Set("Referer", snap.Destination.BaseURL())
	return request{method: method, url: endpoint(snap.Destination, path), header: header, form: form}
}

func (q *Qbittorrent) failure(resp response) error {
	switch {
	case resp.status >= 200 && resp.status < 300:
		return nil
	case resp.status == http.StatusForbidden || resp.status == http.StatusUnauthorized:
		return engine.SessionInvalid(q.name, resp.status, nil)
	default:
		return q.unexpected(resp)
	}
}

var _ engine.Provider = (*Qbittorrent)(nil)
