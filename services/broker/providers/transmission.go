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
	"time"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

const (
	transmissionSessionHeader = "X-Transmission-Session-Id"
	transmissionTokenSession  = "session_id"
	transmissionRPCPath       = "/transmission/rpc"
)

// transmissionStatus maps torrent status codes to names.
var transmissionStatus = map[int]string{
	0: "stopped",
	1: "check_wait",
	2: "checking",
	3: "download_wait",
	4: "downloading",
	5: "seed_wait",
	6: "seeding",
}

// Transmission adapts the Transmission RPC endpoint.
//
// Transmission authenticates every call with HTTP basic auth and protects
// against CSRF with a session id it hands out in a 409 response. The
// credential is therefore kept sealed in the session, and a 409 carrying a
// new id rotates the session in place.
type Transmission struct {
	base
}

// NewTransmission creates the adapter.
func NewTransmission(client *http.Client) *Transmission {
	return &Transmission{base: base{name: "transmission", client: client}}
}

// Name implements engine.Provider.
func (t *Transmission) Name() string { return t.name }

// Policy implements engine.Provider.
func (t *Transmission) Policy() engine.Policy {
	return engine.Policy{DefaultValidity: time.Hour}
}

type transmissionRPCResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

// Login implements engine.Provider. It calls session-get to obtain a
// session id and confirm the credential.
func (t *Transmission) Login(ctx context.Context, dest session.Destination, cred session.Credential) (engine.Grant, error) {
	sessionID := ""
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := t.send(ctx, t.rpcRequest(dest, cred, sessionID, "session-get", nil))
		if err != nil {
			return engine.Grant{}, err
		}
		switch resp.status {
		case http.StatusConflict:
			sessionID = resp.header.Get(transmissionSessionHeader)
			if sessionID == "" {
				return engine.Grant{}, engine.NewError(engine.KindProtocol, t.name, resp.status, "409 without session id", nil)
			}
			continue
		case http.StatusUnauthorized, http.StatusForbidden:
			return engine.Grant{}, engine.NewError(engine.KindInvalidCredential, t.name, resp.status, "credentials rejected", nil)
		case http.StatusOK:
			if _, err := t.result(resp); err != nil {
				return engine.Grant{}, err
			}
			return engine.Grant{
				Tokens:           session.Tokens{transmissionTokenSession: sessionID},
				ReplayCredential: true,
			}, nil
		default:
			return engine.Grant{}, t.unexpected(resp)
		}
	}
	return engine.Grant{}, engine.NewError(engine.KindProtocol, t.name, http.StatusConflict, "session id not accepted", nil)
}

// Logout implements engine.Provider. Transmission has no server-side
// session to end.
func (t *Transmission) Logout(ctx context.Context, snap session.Snapshot) error {
	return nil
}

// Stats implements engine.Provider.
func (t *Transmission) Stats(ctx context.Context, snap session.Snapshot) (engine.Stats, *session.Rotation, error) {
	var stats struct {
		ActiveTorrentCount int   `json:"activeTorrentCount"`
		PausedTorrentCount int   `json:"pausedTorrentCount"`
		TorrentCount       int   `json:"torrentCount"`
		DownloadSpeed      int64 `json:"downloadSpeed"`
		UploadSpeed        int64 `json:"uploadSpeed"`
	}
	if err := t.call(ctx, snap, "session-stats", nil, &stats); err != nil {
		return engine.Stats{}, nil, err
	}
	return engine.Stats{
		DownloadRate: stats.DownloadSpeed,
		UploadRate:   stats.UploadSpeed,
		Active:       stats.ActiveTorrentCount,
		Total:        stats.TorrentCount,
		Counters:     map[string]float64{"paused": float64(stats.PausedTorrentCount)},
	}, nil, nil
}

// Items implements engine.Provider.
func (t *Transmission) Items(ctx context.Context, snap session.Snapshot) ([]engine.Item, *session.Rotation, error) {
	var list struct {
		Torrents []struct {
			HashString  string  `json:"hashString"`
			Name        string  `json:"name"`
			Status      int     `json:"status"`
			PercentDone float64 `json:"percentDone"`
			TotalSize   int64   `json:"totalSize"`
		} `json:"torrents"`
	}
	args := map[string]any{"fields": []string{"hashString", "name", "status", "percentDone", "totalSize"}}
	if err := t.call(ctx, snap, "torrent-get", args, &list); err != nil {
		return nil, nil, err
	}
	items := make([]engine.Item, 0, len(list.Torrents))
	for _, tr := range list.Torrents {
		items = append(items, engine.Item{
			ID:       tr.HashString,
			Name:     tr.Name,
			State:    transmissionStatus[tr.Status],
			Progress: tr.PercentDone,
			Size:     tr.TotalSize,
		})
	}
	sortItems(items)
	return items, nil, nil
}

// Action implements engine.Provider.
func (t *Transmission) Action(ctx context.Context, snap session.Snapshot, action engine.Action) (*session.Rotation, error) {
	args := map[string]any{}
	if len(action.IDs) > 0 {
		args["ids"] = action.IDs
	}
	var method string
	switch action.Name {
	case engine.ActionPause:
		method = "torrent-stop"
	case engine.ActionResume:
		method = "torrent-start"
	case engine.ActionDelete:
		method = "torrent-remove"
		args["delete-local-data"] = action.DeleteData
	default:
		return nil, t.unsupported(action.Name)
	}
	return nil, t.call(ctx, snap, method, args, nil)
}

// call performs an authenticated RPC and decodes its arguments into out.
func (t *Transmission) call(ctx context.Context, snap session.Snapshot, method string, args any, out any) error {
	cred, err := snap.Credential()
	if err != nil {
		return engine.SessionInvalid(t.name, 0, nil)
	}
	resp, err := t.send(ctx, t.rpcRequest(snap.Destination, cred, snap.Token(transmissionTokenSession), method, args))
	if err != nil {
		return err
	}

	switch resp.status {
	case http.StatusOK:
	case http.StatusConflict:
		var rot *session.Rotation
		if id := resp.header.Get(transmissionSessionHeader); id != "" {
			rot = &session.Rotation{Tokens: session.Tokens{transmissionTokenSession: id}}
		}
		return engine.SessionInvalid(t.name, resp.status, rot)
	case http.StatusUnauthorized, http.StatusForbidden:
		// Replayed credential rejected mid-session; Login reports it if a
		// fresh attempt fails too.
		return engine.SessionInvalid(t.name, resp.status, nil)
	default:
		return t.unexpected(resp)
	}

	arguments, err := t.result(resp)
	if err != nil || out == nil {
		return err
	}
	if err := json.Unmarshal(arguments, out); err != nil {
		return engine.NewError(engine.KindProtocol, t.name, resp.status, "unexpected "+method+" arguments", err)
	}
	return nil
}

func (t *Transmission) rpcRequest(dest session.Destination, cred session.Credential, sessionID, method string, args any) request {
	header := http.Header{}
	if sessionID != "" {
		header.Set(transmissionSessionHeader, sessionID)
	}
	body := map[string]any{"method": method}
	if args != nil {
		body["arguments"] = args
	}
	return request{
		method:   http.MethodPost,
		url:      endpoint(dest, transmissionRPCPath),
		header:   header,
		jsonBody: body,
		user:     cred.Username,
		pass:     cred.Secret,
		useBasic: true,
	}
}

// result checks the RPC result field and returns the arguments.
func (t *Transmission) result(resp response) (json.RawMessage, error) {
	var rpc transmissionRPCResponse
	if err := t.decode(resp, &rpc); err != nil {
		return nil, err
	}
	if rpc.Result != "success" {
		return nil, engine.NewError(engine.KindProtocol, t.name, resp.status, rpc.Result, nil)
	}
	return rpc.Arguments, nil
}

var _ engine.Provider = (*Transmission)(nil)
