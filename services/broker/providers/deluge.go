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
	"sync/atomic"
	"time"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

const (
	delugeCookie      = "_session_id"
	delugeTokenCookie = "cookie"

	// delugeNotAuthenticated is the JSON-RPC error code for a missing or
	// expired session.
	delugeNotAuthenticated = 1
)

// delugeTorrentFields are requested from web.update_ui.
var delugeTorrentFields = []string{
	"name", "state", "progress", "total_size",
	"download_payload_rate", "upload_payload_rate",
}

// Deluge adapts the Deluge Web UI JSON-RPC endpoint.
//
// Login authenticates against the web UI, then makes sure the web UI is
// connected to a daemon, connecting to the first known host if not.
type Deluge struct {
	base
	seq atomic.Int64
}

// NewDeluge creates the adapter.
func NewDeluge(client *http.Client) *Deluge {
	return &Deluge{base: base{name: "deluge", client: client}}
}

// Name implements engine.Provider.
func (d *Deluge) Name() string { return d.name }

// Policy implements engine.Provider.
func (d *Deluge) Policy() engine.Policy {
	return engine.Policy{
		DefaultValidity: time.Hour,
		PacingInterval:  100 * time.Millisecond,
	}
}

type delugeRPCError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type delugeRPCResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *delugeRPCError `json:"error"`
}

// Login implements engine.Provider.
func (d *Deluge) Login(ctx context.Context, dest session.Destination, cred session.Credential) (engine.Grant, error) {
	resp, rpc, err := d.call(ctx, dest, "", "auth.login", cred.Secret)
	if err != nil {
		return engine.Grant{}, d.loginFailure(err, "login rejected")
	}
	var ok bool
	if err := json.Unmarshal(rpc.Result, &ok); err != nil {
		return engine.Grant{}, engine.NewError(engine.KindProtocol, d.name, resp.status, "unexpected auth.login result", err)
	}
	if !ok {
		return engine.Grant{}, engine.NewError(engine.KindInvalidCredential, d.name, resp.status, "password rejected", nil)
	}
	cookie := resp.cookie(delugeCookie)
	if cookie == "" {
		return engine.Grant{}, engine.NewError(engine.KindProtocol, d.name, resp.status, "no session cookie in login response", nil)
	}

	if err := d.ensureConnected(ctx, dest, cookie); err != nil {
		return engine.Grant{}, d.loginFailure(err, "login rejected")
	}
	return engine.Grant{Tokens: session.Tokens{delugeTokenCookie: cookie}}, nil
}

// ensureConnected connects the web UI to a daemon when it is not already.
func (d *Deluge) ensureConnected(ctx context.Context, dest session.Destination, cookie string) error {
	_, rpc, err := d.call(ctx, dest, cookie, "web.connected")
	if err != nil {
		return err
	}
	var connected bool
	if err := json.Unmarshal(rpc.Result, &connected); err == nil && connected {
		return nil
	}

	_, rpc, err = d.call(ctx, dest, cookie, "web.get_hosts")
	if err != nil {
		return err
	}
	var hosts [][]any
	if err := json.Unmarshal(rpc.Result, &hosts); err != nil || len(hosts) == 0 || len(hosts[0]) == 0 {
		return engine.NewError(engine.KindProtocol, d.name, 0, "web UI has no daemon configured", err)
	}
	hostID, _ := hosts[0][0].(string)
	if hostID == "" {
		return engine.NewError(engine.KindProtocol, d.name, 0, "daemon host without id", nil)
	}
	_, _, err = d.call(ctx, dest, cookie, "web.connect", hostID)
	return err
}

// Logout implements engine.Provider.
func (d *Deluge) Logout(ctx context.Context, snap session.Snapshot) error {
	cookie := snap.Token(delugeTokenCookie)
	if cookie == "" {
		return nil
	}
	_, _, err := d.call(ctx, snap.Destination, cookie, "auth.delete_session")
	if engine.KindOf(err) == engine.KindSessionInvalid {
		return nil
	}
	return err
}

type delugeTorrent struct {
	Name         string  `json:"name"`
	State        string  `json:"state"`
	Progress     float64 `json:"progress"`
	TotalSize    int64   `json:"total_size"`
	DownloadRate float64 `json:"download_payload_rate"`
	UploadRate   float64 `json:"upload_payload_rate"`
}

type delugeUIState struct {
	Connected bool                     `json:"connected"`
	Torrents  map[string]delugeTorrent `json:"torrents"`
	Stats     struct {
		DownloadRate float64 `json:"download_rate"`
		UploadRate   float64 `json:"upload_rate"`
		Connections  float64 `json:"num_connections"`
		FreeSpace    float64 `json:"free_space"`
	} `json:"stats"`
}

func (d *Deluge) uiState(ctx context.Context, snap session.Snapshot) (delugeUIState, error) {
	_, rpc, err := d.call(ctx, snap.Destination, snap.Token(delugeTokenCookie),
		"web.update_ui", delugeTorrentFields, map[string]any{})
	if err != nil {
		return delugeUIState{}, err
	}
	var state delugeUIState
	if err := json.Unmarshal(rpc.Result, &state); err != nil {
		return delugeUIState{}, engine.NewError(engine.KindProtocol, d.name, 0, "unexpected web.update_ui result", err)
	}
	return state, nil
}

// Stats implements engine.Provider.
func (d *Deluge) Stats(ctx context.Context, snap session.Snapshot) (engine.Stats, *session.Rotation, error) {
	state, err := d.uiState(ctx, snap)
	if err != nil {
		return engine.Stats{}, nil, err
	}
	active := 0
	for _, t := range state.Torrents {
		if t.State == "Downloading" || t.State == "Seeding" {
			active++
		}
	}
	status := "connected"
	if !state.Connected {
		status = "disconnected"
	}
	return engine.Stats{
		DownloadRate: int64(state.Stats.DownloadRate),
		UploadRate:   int64(state.Stats.UploadRate),
		Active:       active,
		Total:        len(state.Torrents),
		Status:       status,
		Counters: map[string]float64{
			"connections": state.Stats.Connections,
			"free_space":  state.Stats.FreeSpace,
		},
	}, nil, nil
}

// Items implements engine.Provider.
func (d *Deluge) Items(ctx context.Context, snap session.Snapshot) ([]engine.Item, *session.Rotation, error) {
	state, err := d.uiState(ctx, snap)
	if err != nil {
		return nil, nil, err
	}
	items := make([]engine.Item, 0, len(state.Torrents))
	for id, t := range state.Torrents {
		items = append(items, engine.Item{
			ID:       id,
			Name:     t.Name,
			State:    t.State,
			Progress: t.Progress / 100,
			Size:     t.TotalSize,
		})
	}
	sortItems(items)
	return items, nil, nil
}

// Action implements engine.Provider.
func (d *Deluge) Action(ctx context.Context, snap session.Snapshot, action engine.Action) (*session.Rotation, error) {
	cookie := snap.Token(delugeTokenCookie)
	var err error
	switch action.Name {
	case engine.ActionPause:
		_, _, err = d.call(ctx, snap.Destination, cookie, "core.pause_torrent", action.IDs)
	case engine.ActionResume:
		_, _, err = d.call(ctx, snap.Destination, cookie, "core.resume_torrent", action.IDs)
	case engine.ActionDelete:
		_, _, err = d.call(ctx, snap.Destination, cookie, "core.remove_torrents", action.IDs, action.DeleteData)
	default:
		err = d.unsupported(action.Name)
	}
	return nil, err
}

// call performs one JSON-RPC request. RPC error code 1 and HTTP 401/403
// report a rejected session.
func (d *Deluge) call(ctx context.Context, dest session.Destination, cookie, method string,
	params ...any) (response, delugeRPCResponse, error) {
	if params == nil {
		params = []any{}
	}
	header := http.Header{}
	if cookie != "" {
		header.Set("Cookie", delugeCookie+"="+cookie)
	}
	resp, err := d.send(ctx, request{
		method: http.MethodPost,
		url:    endpoint(dest, "/json"),
		header: header,
		jsonBody: map[string]any{
			"method": method,
			"params": params,
			"id":     d.seq.Add(1),
		},
	})
	if err != nil {
		return response{}, delugeRPCResponse{}, err
	}

	switch resp.status {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return resp, delugeRPCResponse{}, engine.SessionInvalid(d.name, resp.status, nil)
	default:
		return resp, delugeRPCResponse{}, d.unexpected(resp)
	}

	var rpc delugeRPCResponse
	if err := d.decode(resp, &rpc); err != nil {
		return resp, rpc, err
	}
	if rpc.Error != nil {
		if rpc.Error.Code == delugeNotAuthenticated {
			return resp, rpc, engine.SessionInvalid(d.name, resp.status, nil)
		}
		return resp, rpc, engine.NewError(engine.KindProtocol, d.name, resp.status, rpc.Error.Message, nil)
	}
	return resp, rpc, nil
}

var _ engine.Provider = (*Deluge)(nil)
